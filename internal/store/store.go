package store

import (
	"context"
	"errors"
	"time"

	"e2ee-sessions/internal/domain"
)

var (
	// ErrRoomAbsent means the room id is not in the store. It is distinct
	// from ErrUnavailable: an unreachable backend never reads as empty.
	ErrRoomAbsent = errors.New("store: room absent")
	// ErrRoomExists is returned by Put when the room id is already taken.
	ErrRoomExists = errors.New("store: room exists")
	// ErrUnavailable wraps backend outages. Callers may retry with backoff.
	ErrUnavailable = errors.New("store: unavailable")
)

// RoomStore persists room state and the room-scoped message buffer. All
// operations are atomic per room id. Implementations must be swappable
// without affecting callers: the in-memory store backs a single-process
// deployment, the gorm store adds restart tolerance.
//
// The ttl passed to Put records the initial expiry deadline; actual expiry
// is driven by the session manager's timers plus the ListExpired sweep, and
// both paths converge on the same idempotent Delete.
type RoomStore interface {
	Put(ctx context.Context, room domain.Room, ttl time.Duration) error
	Get(ctx context.Context, roomID string) (domain.Room, error)
	// Update applies fn to the current room state under the room's lock and
	// persists the result. An error from fn aborts the update and is
	// returned unchanged.
	Update(ctx context.Context, roomID string, fn func(*domain.Room) error) (domain.Room, error)
	// Delete purges the room and its message buffer. Deleting an absent
	// room is a no-op.
	Delete(ctx context.Context, roomID string) error
	// ListExpired returns ids of still-Active rooms whose expiry deadline
	// has passed.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	// ListActive returns all rooms that have not reached a terminal state,
	// for the monitoring surface and timer re-arming after restart.
	ListActive(ctx context.Context) ([]domain.Room, error)

	AppendMessage(ctx context.Context, roomID string, msg domain.Message) error
	Messages(ctx context.Context, roomID string) ([]domain.Message, error)

	Healthy(ctx context.Context) error
}
