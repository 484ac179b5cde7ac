// Package ws is the realtime transport: it upgrades connections, decodes
// the tagged client events, and bridges them into the session manager and
// the relay hub. All payloads pass through opaque; the server never holds
// plaintext.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/files"
	"e2ee-sessions/internal/relay"
	"e2ee-sessions/internal/session"
	"e2ee-sessions/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageBytes = 64 << 10
	opTimeout              = 10 * time.Second
)

type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
}

type Handler struct {
	hub        *relay.Hub
	manager    *session.Manager
	authorizer *files.Authorizer
	upgrader   websocket.Upgrader
	maxBytes   int64
	log        *slog.Logger
}

func NewHandler(hub *relay.Hub, manager *session.Manager, authorizer *files.Authorizer, opts Options, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Handler{
		hub:        hub,
		manager:    manager,
		authorizer: authorizer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		maxBytes: maxBytes,
		log:      log,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[origin]
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	client := h.hub.Register(id)
	h.log.Info("connection opened", "client_id", id, "remote", r.RemoteAddr)

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

// readPump owns the read side of the connection. It returns when the
// connection dies, and the teardown it runs is the only disconnect path:
// Unregister reports each room the client was still in exactly once, so the
// leave fan-out cannot double-fire even when several signals race.
func (h *Handler) readPump(conn *websocket.Conn, client *relay.Client) {
	defer func() {
		roomIDs := h.hub.Unregister(client.ID)
		if len(roomIDs) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			h.manager.HandleDisconnect(ctx, client.ID, roomIDs)
			cancel()
		}
		conn.Close()
		h.log.Info("connection closed", "client_id", client.ID)
	}()

	conn.SetReadLimit(h.maxBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("read failed", "client_id", client.ID, "error", err)
			}
			return
		}
		var frame inbound
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(client.ID, "bad-request", "malformed frame")
			continue
		}
		h.dispatch(client.ID, frame)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *relay.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-client.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) dispatch(clientID string, frame inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch frame.Event {
	case eventJoin:
		h.handleJoin(ctx, clientID, frame.Data)
	case eventLeave:
		var p leavePayload
		if err := decodePayload(frame.Data, &p); err != nil {
			h.sendError(clientID, "bad-request", "malformed payload")
			return
		}
		if err := h.manager.Leave(ctx, p.RoomID, clientID); err != nil {
			h.sendError(clientID, codeFor(err), messageFor(err))
			return
		}
		h.hub.LeaveRoom(p.RoomID, clientID)
	case eventExtend:
		var p extendPayload
		if err := decodePayload(frame.Data, &p); err != nil {
			h.sendError(clientID, "bad-request", "malformed payload")
			return
		}
		if _, err := h.manager.Extend(ctx, p.RoomID, time.Duration(p.AdditionalMinutes)*time.Minute); err != nil {
			h.sendError(clientID, codeFor(err), messageFor(err))
		}
	case eventEnd:
		var p endPayload
		if err := decodePayload(frame.Data, &p); err != nil {
			h.sendError(clientID, "bad-request", "malformed payload")
			return
		}
		if err := h.manager.End(ctx, p.RoomID, parseReason(p.Reason)); err != nil {
			h.sendError(clientID, codeFor(err), messageFor(err))
		}
	case eventSendMessage:
		var p sendMessagePayload
		if err := decodePayload(frame.Data, &p); err != nil {
			h.sendError(clientID, "bad-request", "malformed payload")
			return
		}
		_, err := h.manager.SendMessage(ctx, p.RoomID, clientID, session.MessageInput{
			Type:       domain.MessageType(p.Type),
			Ciphertext: p.Ciphertext,
			Metadata:   p.Metadata,
		})
		if err != nil {
			h.sendError(clientID, codeFor(err), messageFor(err))
		}
	case eventTyping:
		var p typingPayload
		if err := decodePayload(frame.Data, &p); err != nil {
			h.sendError(clientID, "bad-request", "malformed payload")
			return
		}
		if err := h.manager.Typing(ctx, p.RoomID, clientID, p.IsTyping); err != nil {
			h.sendError(clientID, codeFor(err), messageFor(err))
		}
	case eventRequestUpload:
		var p requestUploadPayload
		if err := decodePayload(frame.Data, &p); err != nil {
			h.sendError(clientID, "bad-request", "malformed payload")
			return
		}
		auth, err := h.authorizer.AuthorizeUpload(ctx, p.RoomID, p.FileName, p.FileSize, p.ContentType)
		if err != nil {
			h.sendError(clientID, codeFor(err), messageFor(err))
			return
		}
		h.hub.SendDirect(clientID, eventUploadAuthorization, auth)
	default:
		h.sendError(clientID, "unknown-event", "unknown event "+frame.Event)
	}
}

// handleJoin subscribes the client to the room's fan-out group before
// admitting it, so no broadcast can slip between the history snapshot and
// the subscription. On failure the subscription is rolled back.
func (h *Handler) handleJoin(ctx context.Context, clientID string, data json.RawMessage) {
	var p joinPayload
	if err := decodePayload(data, &p); err != nil {
		h.sendError(clientID, "bad-request", "malformed payload")
		return
	}

	h.hub.JoinRoom(p.RoomID, clientID)
	res, err := h.manager.CreateOrJoin(ctx, session.JoinInput{
		RoomID:            p.RoomID,
		ParticipantID:     clientID,
		Nickname:          p.Nickname,
		PublicKey:         p.PublicKey,
		Role:              parseRole(p.Role),
		SupervisorConsent: p.SupervisorConsent,
	})
	if err != nil {
		h.hub.LeaveRoom(p.RoomID, clientID)
		h.sendError(clientID, codeFor(err), messageFor(err))
		return
	}

	h.hub.SendDirect(clientID, session.EventJoined, joinedEvent{
		RoomID:      res.Room.ID,
		Participant: res.Participant,
		Room:        res.Room,
		Messages:    res.Messages,
	})
}

func (h *Handler) sendError(clientID, code, msg string) {
	h.hub.SendDirect(clientID, eventError, errorEvent{Code: code, Message: msg})
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, domain.ErrRoomTerminal):
		return "room-closed"
	case errors.Is(err, domain.ErrParticipantNotFound):
		return "not-a-participant"
	case errors.Is(err, domain.ErrFileRejected):
		return "file-rejected"
	case errors.Is(err, session.ErrInvalidInput):
		return "bad-request"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

func messageFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, domain.ErrRoomTerminal):
		return "session has ended or expired"
	case errors.Is(err, domain.ErrParticipantNotFound):
		return "not a participant of this room"
	case errors.Is(err, domain.ErrFileRejected), errors.Is(err, session.ErrInvalidInput):
		return err.Error()
	case errors.Is(err, store.ErrUnavailable):
		return "service temporarily unavailable, try again"
	default:
		return "internal error"
	}
}
