package files

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"e2ee-sessions/internal/domain"
)

// ObjectStore is the storage collaborator's contract: it learns about
// authorized objects and purges a room's whole namespace when the room is
// destroyed. Purging is what ultimately voids any still-unexpired tokens.
type ObjectStore interface {
	Register(ctx context.Context, auth domain.FileAuthorization) error
	PurgeRoom(ctx context.Context, roomID string) error
	Healthy(ctx context.Context) error
}

// MemoryObjectStore tracks authorizations in process memory. It stands in
// for the real object store in dev and tests.
type MemoryObjectStore struct {
	mu    sync.Mutex
	files map[string][]domain.FileAuthorization // roomID -> authorizations
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{files: make(map[string][]domain.FileAuthorization)}
}

func (s *MemoryObjectStore) Register(ctx context.Context, auth domain.FileAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[auth.RoomID] = append(s.files[auth.RoomID], auth)
	return nil
}

func (s *MemoryObjectStore) PurgeRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, roomID)
	return nil
}

func (s *MemoryObjectStore) Healthy(ctx context.Context) error { return nil }

// RoomFiles returns the authorizations recorded for a room.
func (s *MemoryObjectStore) RoomFiles(roomID string) []domain.FileAuthorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FileAuthorization, len(s.files[roomID]))
	copy(out, s.files[roomID])
	return out
}

// HTTPObjectStore talks to an external storage service over its internal
// REST API.
type HTTPObjectStore struct {
	client *resty.Client
}

func NewHTTPObjectStore(baseURL string, timeout time.Duration) *HTTPObjectStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2)
	return &HTTPObjectStore{client: client}
}

func (s *HTTPObjectStore) Register(ctx context.Context, auth domain.FileAuthorization) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(auth).
		Post(fmt.Sprintf("/internal/rooms/%s/files", auth.RoomID))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("object store register: status %d", resp.StatusCode())
	}
	return nil
}

func (s *HTTPObjectStore) PurgeRoom(ctx context.Context, roomID string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/internal/rooms/%s/files", roomID))
	if err != nil {
		return err
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("object store purge: status %d", resp.StatusCode())
	}
	return nil
}

func (s *HTTPObjectStore) Healthy(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("object store health: status %d", resp.StatusCode())
	}
	return nil
}
