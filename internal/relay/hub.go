// Package relay fans encrypted events out to the connected participants of
// a room. Delivery is best-effort per connection: every client has its own
// bounded queue and a client that cannot drain it is disconnected rather
// than allowed to stall the room.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"e2ee-sessions/internal/observability/metrics"
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	queueDepth int
	onDrop     func(clientID string, roomIDs []string)
	log        *slog.Logger
}

func NewHub(queueDepth int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		queueDepth: queueDepth,
		log:        log,
	}
}

// NotifyDrop registers a callback invoked whenever the hub force-drops a
// client because its send queue overflowed. The callback receives the rooms
// the client was still in so the caller can run the same leave path a
// normal disconnect takes; it runs outside the hub's locks. Set it once,
// before the hub starts serving.
func (h *Hub) NotifyDrop(fn func(clientID string, roomIDs []string)) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Register creates and tracks a client for a new connection.
func (h *Hub) Register(id string) *Client {
	c := NewClient(id, h.queueDepth)
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	metrics.ConnectionsActive.Inc()
	return c
}

// Unregister removes the client from every room group and closes its
// queue. It returns the room ids the client belonged to so the caller can
// run the leave path for each. Safe to call more than once.
func (h *Hub) Unregister(id string) []string {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.clients, id)
	var roomIDs []string
	for roomID, members := range h.rooms {
		if _, member := members[id]; member {
			delete(members, id)
			roomIDs = append(roomIDs, roomID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()
	// Close only after the maps no longer reference the client. Senders
	// touch the queue under the read lock and only for clients still in
	// the maps, so the close cannot race a send.
	c.close()
	metrics.ConnectionsActive.Dec()
	return roomIDs
}

// drop force-disconnects an overflowing client and hands its remaining room
// memberships to the drop callback, so the caller's leave path runs exactly
// as it would for a connection that died on its own.
func (h *Hub) drop(clientID string) {
	metrics.BroadcastDropsTotal.Inc()
	h.log.Warn("send queue overflow, dropping client", "client_id", clientID)
	roomIDs := h.Unregister(clientID)
	h.mu.RLock()
	fn := h.onDrop
	h.mu.RUnlock()
	if fn != nil && len(roomIDs) > 0 {
		fn(clientID, roomIDs)
	}
}

// JoinRoom subscribes a registered client to a room's fan-out group.
func (h *Hub) JoinRoom(roomID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[roomID] = members
	}
	members[clientID] = c
}

// LeaveRoom removes the client from the room group without closing the
// connection.
func (h *Hub) LeaveRoom(roomID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// CloseRoom drops the whole fan-out group. Connections stay open; the
// terminal event has already been delivered by then.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	delete(h.rooms, roomID)
	h.mu.Unlock()
}

// Broadcast delivers an event to every connected member of the room except
// excludeID (empty means nobody is excluded). Clients whose queue is full
// are disconnected.
func (h *Hub) Broadcast(roomID, event string, payload any, excludeID string) {
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Error("marshal broadcast", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	var overflowed []string
	for id, c := range h.rooms[roomID] {
		if id == excludeID {
			continue
		}
		if !c.trySend(frame) {
			overflowed = append(overflowed, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range overflowed {
		h.drop(id)
	}
}

// SendDirect delivers an event to a single client, e.g. a join
// confirmation or a typed error. Best-effort: an unknown or overflowing
// client is dropped silently.
func (h *Hub) SendDirect(clientID, event string, payload any) {
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Error("marshal direct send", "event", event, "error", err)
		return
	}
	// trySend under the read lock: Unregister removes the client from the
	// maps before closing its queue, so a client found here stays open for
	// the duration of the send.
	h.mu.RLock()
	c, ok := h.clients[clientID]
	overflowed := ok && !c.trySend(frame)
	h.mu.RUnlock()
	if overflowed {
		h.drop(clientID)
	}
}

// RoomSize reports the number of connected members in a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
