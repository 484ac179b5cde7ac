// Package files issues short-lived upload/download authorizations scoped
// to a room, and owns the policy gate (type allow-list, size ceiling, name
// sanitization) that every file must pass before a token is minted.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"
	"e2ee-sessions/internal/tokens"
)

const maxFileNameLen = 255

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	collapseRuns    = regexp.MustCompile(`_{2,}`)
)

type Config struct {
	MaxFileSize  int64         // bytes
	AllowedTypes []string      // content-type allow-list
	TokenTTL     time.Duration // ceiling; capped by room remaining lifetime
}

func (c *Config) applyDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 << 20
	}
	if len(c.AllowedTypes) == 0 {
		c.AllowedTypes = []string{
			"image/jpeg", "image/png", "image/gif", "image/webp",
			"application/pdf", "text/plain",
		}
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
}

type Authorizer struct {
	store   store.RoomStore
	signer  *tokens.Signer
	objects ObjectStore
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func NewAuthorizer(st store.RoomStore, signer *tokens.Signer, objects ObjectStore, cfg Config, log *slog.Logger) *Authorizer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Authorizer{store: st, signer: signer, objects: objects, cfg: cfg, log: log, now: time.Now}
}

type UploadAuthorization struct {
	FileID      string    `json:"fileId"`
	FileName    string    `json:"fileName"`
	UploadToken string    `json:"uploadToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type DownloadAuthorization struct {
	FileID        string    `json:"fileId"`
	FileName      string    `json:"fileName"`
	DownloadToken string    `json:"downloadToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// AuthorizeUpload validates the room and the declared file metadata, then
// mints a room-scoped upload token. The token never outlives the room.
func (a *Authorizer) AuthorizeUpload(ctx context.Context, roomID, fileName string, fileSize int64, contentType string) (UploadAuthorization, error) {
	room, err := a.activeRoom(ctx, roomID)
	if err != nil {
		metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpUpload, "rejected").Inc()
		return UploadAuthorization{}, err
	}
	if fileSize <= 0 || fileSize > a.cfg.MaxFileSize {
		metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpUpload, "rejected").Inc()
		return UploadAuthorization{}, fmt.Errorf("%w: size %d exceeds limit %d", domain.ErrFileRejected, fileSize, a.cfg.MaxFileSize)
	}
	if !a.typeAllowed(contentType) {
		metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpUpload, "rejected").Inc()
		return UploadAuthorization{}, fmt.Errorf("%w: content type %q not allowed", domain.ErrFileRejected, contentType)
	}
	safeName := SanitizeFileName(fileName)
	if safeName == "" {
		metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpUpload, "rejected").Inc()
		return UploadAuthorization{}, fmt.Errorf("%w: empty file name", domain.ErrFileRejected)
	}

	now := a.now().UTC()
	fileID := uuid.NewString()
	expiresAt := a.tokenExpiry(now, room)

	token, err := a.signer.Sign(tokens.FileClaims{
		RoomID:      roomID,
		FileID:      fileID,
		FileName:    safeName,
		ContentType: contentType,
		Op:          tokens.OpUpload,
	}, expiresAt)
	if err != nil {
		return UploadAuthorization{}, err
	}

	auth := domain.FileAuthorization{
		FileID:      fileID,
		RoomID:      roomID,
		Name:        safeName,
		Size:        fileSize,
		ContentType: contentType,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}
	if a.objects != nil {
		if err := a.objects.Register(ctx, auth); err != nil {
			return UploadAuthorization{}, err
		}
	}

	metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpUpload, "issued").Inc()
	a.log.Info("upload authorized", "room_id", roomID, "file_id", fileID, "size", fileSize, "content_type", contentType)
	return UploadAuthorization{FileID: fileID, FileName: safeName, UploadToken: token, ExpiresAt: expiresAt}, nil
}

// AuthorizeDownload mints a download token for an object in the room's
// namespace.
func (a *Authorizer) AuthorizeDownload(ctx context.Context, roomID, fileID, fileName string) (DownloadAuthorization, error) {
	room, err := a.activeRoom(ctx, roomID)
	if err != nil {
		metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpDownload, "rejected").Inc()
		return DownloadAuthorization{}, err
	}
	if fileID == "" {
		metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpDownload, "rejected").Inc()
		return DownloadAuthorization{}, fmt.Errorf("%w: missing file id", domain.ErrFileRejected)
	}
	safeName := SanitizeFileName(fileName)

	now := a.now().UTC()
	expiresAt := a.tokenExpiry(now, room)
	token, err := a.signer.Sign(tokens.FileClaims{
		RoomID:   roomID,
		FileID:   fileID,
		FileName: safeName,
		Op:       tokens.OpDownload,
	}, expiresAt)
	if err != nil {
		return DownloadAuthorization{}, err
	}

	metrics.FileAuthorizationsTotal.WithLabelValues(tokens.OpDownload, "issued").Inc()
	return DownloadAuthorization{FileID: fileID, FileName: safeName, DownloadToken: token, ExpiresAt: expiresAt}, nil
}

func (a *Authorizer) activeRoom(ctx context.Context, roomID string) (domain.Room, error) {
	room, err := a.store.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomAbsent) {
			return domain.Room{}, domain.ErrRoomNotFound
		}
		return domain.Room{}, err
	}
	if room.Terminal() {
		return domain.Room{}, domain.ErrRoomTerminal
	}
	return room, nil
}

func (a *Authorizer) tokenExpiry(now time.Time, room domain.Room) time.Time {
	expiresAt := now.Add(a.cfg.TokenTTL)
	if room.ExpiresAt.Before(expiresAt) {
		expiresAt = room.ExpiresAt
	}
	return expiresAt
}

func (a *Authorizer) typeAllowed(contentType string) bool {
	for _, t := range a.cfg.AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// SanitizeFileName strips everything outside a safe character set, collapses
// underscore runs, and caps the length.
func SanitizeFileName(name string) string {
	safe := unsafeNameChars.ReplaceAllString(name, "_")
	safe = collapseRuns.ReplaceAllString(safe, "_")
	if len(safe) > maxFileNameLen {
		safe = safe[:maxFileNameLen]
	}
	return safe
}
