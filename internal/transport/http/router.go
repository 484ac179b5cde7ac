// Package http exposes the monitoring and file-authorization REST surface
// next to the realtime websocket endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/files"
	"e2ee-sessions/internal/observability/middleware"
	"e2ee-sessions/internal/session"
	"e2ee-sessions/internal/store"
)

type Options struct {
	CORSOrigins []string
	RateLimit   int // requests per minute per IP on the /api group
}

type router struct {
	manager    *session.Manager
	authorizer *files.Authorizer
	store      store.RoomStore
	objects    files.ObjectStore
}

// NewRouter builds the full HTTP surface: /healthz, /metrics, the /ws
// realtime endpoint, and the /api monitoring and file routes. The websocket
// route is mounted outside the Timeout middleware so long-lived connections
// are not cut.
func NewRouter(manager *session.Manager, authorizer *files.Authorizer, st store.RoomStore, objects files.ObjectStore, wsHandler http.Handler, opts Options) http.Handler {
	h := &router{manager: manager, authorizer: authorizer, store: st, objects: objects}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrWildcard(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.WithMetrics)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", wsHandler)

	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = 100
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Use(httprate.LimitByIP(rateLimit, time.Minute))

		r.Get("/rooms", h.handleListRooms)
		r.Get("/rooms/{roomID}", h.handleGetRoom)
		r.Post("/rooms/{roomID}/extend", h.handleExtendRoom)
		r.Post("/files/upload-url", h.handleUploadURL)
		r.Post("/files/download-url", h.handleDownloadURL)
	})

	return r
}

func originsOrWildcard(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (h *router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.Healthy(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if h.objects != nil {
		if err := h.objects.Healthy(ctx); err != nil {
			http.Error(w, "object store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// roomSummary is the supervisor view of a room. Nicknames only leak when
// the room was created with supervisor consent.
type roomSummary struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	ParticipantCount  int        `json:"participantCount"`
	SupervisorConsent bool       `json:"supervisorConsent"`
	Nicknames         []string   `json:"nicknames,omitempty"`
	ParticipantsSince *time.Time `json:"oldestJoinAt,omitempty"`
}

func summarize(room domain.Room) roomSummary {
	s := roomSummary{
		ID:                room.ID,
		Status:            string(room.Status),
		CreatedAt:         room.CreatedAt,
		ExpiresAt:         room.ExpiresAt,
		ParticipantCount:  len(room.Participants),
		SupervisorConsent: room.SupervisorConsent,
	}
	if room.SupervisorConsent {
		for _, p := range room.Participants {
			s.Nicknames = append(s.Nicknames, p.Nickname)
		}
	}
	if len(room.Participants) > 0 {
		oldest := room.Participants[0].JoinedAt
		for _, p := range room.Participants[1:] {
			if p.JoinedAt.Before(oldest) {
				oldest = p.JoinedAt
			}
		}
		s.ParticipantsSince = &oldest
	}
	return s
}

func (h *router) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.manager.ActiveRooms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, summarize(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *router) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.Room(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(room))
}

type extendRequest struct {
	AdditionalMinutes int `json:"additionalMinutes"`
}

type extendResponse struct {
	RoomID       string    `json:"roomId"`
	NewExpiresAt time.Time `json:"newExpiresAt"`
}

func (h *router) handleExtendRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	newExpiry, err := h.manager.Extend(r.Context(), roomID, time.Duration(req.AdditionalMinutes)*time.Minute)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{RoomID: roomID, NewExpiresAt: newExpiry})
}

type uploadURLRequest struct {
	RoomID      string `json:"roomId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

func (h *router) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	auth, err := h.authorizer.AuthorizeUpload(r.Context(), req.RoomID, req.FileName, req.FileSize, req.ContentType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

type downloadURLRequest struct {
	RoomID   string `json:"roomId"`
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

func (h *router) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	var req downloadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	auth, err := h.authorizer.AuthorizeDownload(r.Context(), req.RoomID, req.FileID, req.FileName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRoomTerminal):
		status = http.StatusGone
	case errors.Is(err, domain.ErrFileRejected), errors.Is(err, session.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
