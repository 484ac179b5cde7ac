package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"e2ee-sessions/internal/domain"
)

// flakyStore fails Get with ErrUnavailable a fixed number of times before
// delegating to the inner store.
type flakyStore struct {
	RoomStore
	failures int
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, roomID string) (domain.Room, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.Room{}, fmt.Errorf("%w: injected", ErrUnavailable)
	}
	return f.RoomStore.Get(ctx, roomID)
}

func TestRetryRecoversFromTransientOutage(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	room := testRoom("r1", time.Now().UTC().Add(time.Minute))
	if err := inner.Put(ctx, room, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	flaky := &flakyStore{RoomStore: inner, failures: 2}
	st := WithRetry(flaky, 3)

	got, err := st.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get through retry: %v", err)
	}
	if got.ID != "r1" {
		t.Fatalf("unexpected room: %+v", got)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{RoomStore: NewMemoryStore(), failures: 100}
	st := WithRetry(flaky, 2)

	_, err := st.Get(ctx, "r1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected initial try plus 2 retries, got %d calls", flaky.calls)
	}
}

func TestRetryDoesNotRetryAbsentRooms(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{RoomStore: NewMemoryStore(), failures: 0}
	st := WithRetry(flaky, 5)

	_, err := st.Get(ctx, "missing")
	if !errors.Is(err, ErrRoomAbsent) {
		t.Fatalf("expected ErrRoomAbsent, got %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("absent room should not be retried, got %d calls", flaky.calls)
	}
}
