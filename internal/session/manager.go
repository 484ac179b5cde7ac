// Package session owns the lifecycle of ephemeral rooms: creation on first
// join, presence, extension, termination, TTL expiry, and the deferred
// purge of everything a room owned. All mutations of a given room are
// serialized through the store's per-room atomic Update.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"
)

// ErrInvalidInput rejects malformed requests before they touch room state.
var ErrInvalidInput = errors.New("session: invalid request")

// Guard errors used inside Expire's critical section; both mean "nothing to
// do" and never escape the manager.
var (
	errAlreadyTerminal = errors.New("already terminal")
	errNotYetExpired   = errors.New("not yet expired")
)

const (
	maxRoomIDLen    = 128
	maxNicknameLen  = 64
	maxPublicKeyLen = 512
)

// Broadcaster is the slice of the relay the manager needs. Implemented by
// relay.Hub; faked in tests.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any, excludeID string)
	CloseRoom(roomID string)
}

// ObjectPurger removes a room's namespace from the external object store
// when the room is destroyed.
type ObjectPurger interface {
	PurgeRoom(ctx context.Context, roomID string) error
}

type Config struct {
	RoomLifetime  time.Duration // lifetime granted at creation
	CleanupGrace  time.Duration // delay between terminal state and purge
	SweepInterval time.Duration // ListExpired sweep period
}

func (c *Config) applyDefaults() {
	if c.RoomLifetime <= 0 {
		c.RoomLifetime = 15 * time.Minute
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

type Manager struct {
	store   store.RoomStore
	relay   Broadcaster
	objects ObjectPurger
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewManager(st store.RoomStore, relay Broadcaster, objects ObjectPurger, cfg Config, log *slog.Logger) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:   st,
		relay:   relay,
		objects: objects,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

type JoinInput struct {
	RoomID            string
	ParticipantID     string // connection-bound id; generated when empty
	Nickname          string
	PublicKey         string
	Role              domain.Role
	SupervisorConsent bool
}

type JoinResult struct {
	Room        domain.Room
	Participant domain.Participant
	Messages    []domain.Message
	Created     bool
}

// CreateOrJoin admits a participant into the room, creating it with the
// default lifetime if the id is unknown. Other members are notified;
// delivering the join confirmation (with the room snapshot and message
// history from the result) to the caller is the transport's job.
func (m *Manager) CreateOrJoin(ctx context.Context, in JoinInput) (JoinResult, error) {
	if in.RoomID == "" || len(in.RoomID) > maxRoomIDLen {
		return JoinResult{}, fmt.Errorf("%w: roomId", ErrInvalidInput)
	}
	if in.Nickname == "" || len(in.Nickname) > maxNicknameLen {
		return JoinResult{}, fmt.Errorf("%w: nickname", ErrInvalidInput)
	}
	if len(in.PublicKey) > maxPublicKeyLen {
		return JoinResult{}, fmt.Errorf("%w: publicKey", ErrInvalidInput)
	}
	if in.Role == "" {
		in.Role = domain.RoleUser
	}

	now := m.now().UTC()
	p := domain.Participant{
		ID:        in.ParticipantID,
		Nickname:  in.Nickname,
		PublicKey: in.PublicKey,
		Role:      in.Role,
		JoinedAt:  now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	var (
		room    domain.Room
		created bool
	)
	for {
		updated, err := m.store.Update(ctx, in.RoomID, func(r *domain.Room) error {
			if r.Terminal() {
				return domain.ErrRoomTerminal
			}
			r.Participants = append(r.Participants, p)
			return nil
		})
		if err == nil {
			room = updated
			break
		}
		if !errors.Is(err, store.ErrRoomAbsent) {
			return JoinResult{}, err
		}

		fresh := domain.Room{
			ID:                in.RoomID,
			CreatedAt:         now,
			ExpiresAt:         now.Add(m.cfg.RoomLifetime),
			Status:            domain.RoomActive,
			SupervisorConsent: in.SupervisorConsent,
			Participants:      []domain.Participant{p},
		}
		err = m.store.Put(ctx, fresh, m.cfg.RoomLifetime)
		if errors.Is(err, store.ErrRoomExists) {
			// Lost the creation race; join the winner's room.
			continue
		}
		if err != nil {
			return JoinResult{}, err
		}
		room = fresh
		created = true
		m.armTimer(room.ID, room.ExpiresAt)
		metrics.RoomsCreatedTotal.Inc()
		m.log.Info("room created", "room_id", room.ID, "expires_at", room.ExpiresAt)
		break
	}

	msgs, err := m.store.Messages(ctx, in.RoomID)
	if err != nil && !errors.Is(err, store.ErrRoomAbsent) {
		return JoinResult{}, err
	}

	metrics.ParticipantsJoinedTotal.Inc()
	m.relay.Broadcast(room.ID, EventParticipantJoined, ParticipantJoined{RoomID: room.ID, Participant: p}, p.ID)
	m.log.Info("participant joined", "room_id", room.ID, "participant_id", p.ID, "nickname", p.Nickname)

	return JoinResult{Room: room, Participant: p, Messages: msgs, Created: created}, nil
}

// Leave removes the participant and notifies the rest of the room. Leaving
// twice, or a room the participant never joined, is a no-op.
func (m *Manager) Leave(ctx context.Context, roomID, participantID string) error {
	var removed bool
	_, err := m.store.Update(ctx, roomID, func(r *domain.Room) error {
		removed = r.RemoveParticipant(participantID)
		return nil
	})
	if errors.Is(err, store.ErrRoomAbsent) {
		return nil
	}
	if err != nil {
		return err
	}
	if removed {
		m.relay.Broadcast(roomID, EventParticipantLeft, ParticipantLeft{
			RoomID:        roomID,
			ParticipantID: participantID,
			LeftAt:        m.now().UTC(),
		}, participantID)
		m.log.Info("participant left", "room_id", roomID, "participant_id", participantID)
	}
	return nil
}

// Extend pushes the expiry to max(current expiry, now) + additional; it can
// never shorten the remaining time. The TTL timer is re-armed, and Expire's
// own deadline re-check makes a stale timer firing after extension a no-op.
func (m *Manager) Extend(ctx context.Context, roomID string, additional time.Duration) (time.Time, error) {
	if additional <= 0 {
		return time.Time{}, fmt.Errorf("%w: additional duration must be positive", ErrInvalidInput)
	}
	now := m.now().UTC()
	room, err := m.store.Update(ctx, roomID, func(r *domain.Room) error {
		if r.Terminal() {
			return domain.ErrRoomTerminal
		}
		base := r.ExpiresAt
		if base.Before(now) {
			base = now
		}
		r.ExpiresAt = base.Add(additional)
		return nil
	})
	if err != nil {
		return time.Time{}, mapStoreErr(err)
	}
	m.armTimer(roomID, room.ExpiresAt)
	m.relay.Broadcast(roomID, EventRoomExtended, RoomExtended{RoomID: roomID, NewExpiresAt: room.ExpiresAt}, "")
	m.log.Info("room extended", "room_id", roomID, "new_expires_at", room.ExpiresAt)
	return room.ExpiresAt, nil
}

// End transitions an Active room to Ended, notifies everyone, and schedules
// the deferred purge.
func (m *Manager) End(ctx context.Context, roomID string, reason domain.EndReason) error {
	_, err := m.store.Update(ctx, roomID, func(r *domain.Room) error {
		if r.Terminal() {
			return domain.ErrRoomTerminal
		}
		r.Status = domain.RoomEnded
		return nil
	})
	if err != nil {
		return mapStoreErr(err)
	}
	m.cancelTimer(roomID)
	metrics.RoomsClosedTotal.WithLabelValues(string(domain.RoomEnded)).Inc()
	m.relay.Broadcast(roomID, EventRoomEnded, RoomEnded{RoomID: roomID, Reason: reason, EndedAt: m.now().UTC()}, "")
	m.log.Info("room ended", "room_id", roomID, "reason", reason)
	m.scheduleCleanup(roomID)
	return nil
}

// Expire is the timer-driven twin of End. It only acts on a room that is
// still Active and actually past its deadline, which makes a stale timer
// fire after an Extend or an explicit End harmless.
func (m *Manager) Expire(ctx context.Context, roomID string) error {
	now := m.now().UTC()
	_, err := m.store.Update(ctx, roomID, func(r *domain.Room) error {
		if r.Terminal() {
			return errAlreadyTerminal
		}
		if r.ExpiresAt.After(now) {
			return errNotYetExpired
		}
		r.Status = domain.RoomExpired
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyTerminal), errors.Is(err, errNotYetExpired), errors.Is(err, store.ErrRoomAbsent):
		return nil
	case err != nil:
		return err
	}
	m.cancelTimer(roomID)
	metrics.RoomsClosedTotal.WithLabelValues(string(domain.RoomExpired)).Inc()
	m.relay.Broadcast(roomID, EventRoomExpired, RoomExpired{RoomID: roomID, ExpiredAt: now}, "")
	m.log.Info("room expired", "room_id", roomID)
	m.scheduleCleanup(roomID)
	return nil
}

type MessageInput struct {
	Type       domain.MessageType
	Ciphertext string
	Metadata   *domain.EncryptionMetadata
}

// SendMessage persists the ciphertext into the room's buffer and then fans
// it out to every connected member, sender included. The payload is never
// inspected.
func (m *Manager) SendMessage(ctx context.Context, roomID, senderID string, in MessageInput) (domain.Message, error) {
	if in.Type == "" {
		in.Type = domain.MessageText
	}
	switch in.Type {
	case domain.MessageText, domain.MessageImage, domain.MessageFile, domain.MessageSystem:
	default:
		return domain.Message{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, in.Type)
	}
	if in.Ciphertext == "" {
		return domain.Message{}, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	if in.Type != domain.MessageSystem {
		md := in.Metadata
		if md == nil || md.IV == "" || md.Tag == "" || md.KeyID == "" {
			return domain.Message{}, fmt.Errorf("%w: missing encryption metadata", ErrInvalidInput)
		}
	}

	room, err := m.store.Get(ctx, roomID)
	if err != nil {
		return domain.Message{}, mapStoreErr(err)
	}
	if room.Terminal() {
		return domain.Message{}, domain.ErrRoomTerminal
	}
	sender, ok := room.Participant(senderID)
	if !ok {
		return domain.Message{}, domain.ErrParticipantNotFound
	}

	msg := domain.Message{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		SenderID:       sender.ID,
		SenderNickname: sender.Nickname,
		Type:           in.Type,
		Ciphertext:     in.Ciphertext,
		Metadata:       in.Metadata,
		SentAt:         m.now().UTC(),
	}
	// Persist before broadcast so a joiner fetching history mid-broadcast
	// sees consistent state.
	if err := m.store.AppendMessage(ctx, roomID, msg); err != nil {
		return domain.Message{}, mapStoreErr(err)
	}
	metrics.MessagesRelayedTotal.Inc()
	m.relay.Broadcast(roomID, EventMessageReceived, msg, "")
	return msg, nil
}

// Typing relays a transient typing indicator to the other members. Nothing
// is persisted.
func (m *Manager) Typing(ctx context.Context, roomID, senderID string, isTyping bool) error {
	room, err := m.store.Get(ctx, roomID)
	if err != nil {
		return mapStoreErr(err)
	}
	if _, ok := room.Participant(senderID); !ok {
		return domain.ErrParticipantNotFound
	}
	m.relay.Broadcast(roomID, EventTyping, Typing{RoomID: roomID, ParticipantID: senderID, IsTyping: isTyping}, senderID)
	return nil
}

// HandleDisconnect runs the leave path for every room the dropped
// connection belonged to. The transport guarantees it is invoked at most
// once per connection; Leave itself is idempotent in case the participant
// already left explicitly.
func (m *Manager) HandleDisconnect(ctx context.Context, participantID string, roomIDs []string) {
	for _, roomID := range roomIDs {
		if err := m.Leave(ctx, roomID, participantID); err != nil {
			m.log.Warn("disconnect leave failed", "room_id", roomID, "participant_id", participantID, "error", err)
		}
	}
}

// Room returns a snapshot for the monitoring surface.
func (m *Manager) Room(ctx context.Context, roomID string) (domain.Room, error) {
	room, err := m.store.Get(ctx, roomID)
	if err != nil {
		return domain.Room{}, mapStoreErr(err)
	}
	return room, nil
}

// ActiveRooms lists rooms that have not reached a terminal state.
func (m *Manager) ActiveRooms(ctx context.Context) ([]domain.Room, error) {
	return m.store.ListActive(ctx)
}

// Run drives the periodic expiry sweep until ctx is cancelled. The sweep
// backs up the per-room timers: rooms loaded from a persistent store after
// a restart have no timer armed, and the sweep still retires them. It also
// re-arms timers for rooms found active at startup.
func (m *Manager) Run(ctx context.Context) {
	if rooms, err := m.store.ListActive(ctx); err == nil {
		for _, room := range rooms {
			m.armTimer(room.ID, room.ExpiresAt)
		}
	} else {
		m.log.Warn("startup room scan failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// SweepExpired expires every room whose deadline has passed.
func (m *Manager) SweepExpired(ctx context.Context) {
	ids, err := m.store.ListExpired(ctx, m.now().UTC())
	if err != nil {
		m.log.Warn("expiry sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := m.Expire(ctx, id); err != nil {
			m.log.Warn("expire failed", "room_id", id, "error", err)
		}
	}
}

// Close stops all outstanding timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) armTimer(roomID string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[roomID]; ok {
		t.Stop()
	}
	d := expiresAt.Sub(m.now())
	if d < 0 {
		d = 0
	}
	m.timers[roomID] = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Expire(ctx, roomID); err != nil {
			m.log.Warn("timer expire failed", "room_id", roomID, "error", err)
		}
	})
}

func (m *Manager) cancelTimer(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[roomID]; ok {
		t.Stop()
		delete(m.timers, roomID)
	}
}

func (m *Manager) scheduleCleanup(roomID string) {
	time.AfterFunc(m.cfg.CleanupGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.cleanupRoom(ctx, roomID)
	})
}

// cleanupRoom purges everything the room owned: store state and message
// buffer, the fan-out group, and the object-store namespace (which also
// voids any outstanding file tokens). Idempotent; both the End and Expire
// paths land here.
func (m *Manager) cleanupRoom(ctx context.Context, roomID string) {
	if err := m.store.Delete(ctx, roomID); err != nil {
		m.log.Warn("room purge failed", "room_id", roomID, "error", err)
	}
	m.relay.CloseRoom(roomID)
	if m.objects != nil {
		if err := m.objects.PurgeRoom(ctx, roomID); err != nil {
			m.log.Warn("object purge failed", "room_id", roomID, "error", err)
		}
	}
	m.cancelTimer(roomID)
	m.log.Info("room cleaned up", "room_id", roomID)
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrRoomAbsent) {
		return domain.ErrRoomNotFound
	}
	return err
}
