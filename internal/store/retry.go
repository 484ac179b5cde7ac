package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"e2ee-sessions/internal/domain"
)

// retryStore decorates a RoomStore with exponential backoff on
// ErrUnavailable. Any other error, including ErrRoomAbsent, is permanent
// for the attempt and surfaces immediately.
type retryStore struct {
	inner       RoomStore
	maxAttempts uint64
	maxInterval time.Duration
}

// WithRetry wraps st so transient backend outages are retried before the
// error reaches the caller.
func WithRetry(st RoomStore, maxAttempts uint64) RoomStore {
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &retryStore{inner: st, maxAttempts: maxAttempts, maxInterval: 2 * time.Second}
}

func (r *retryStore) do(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = r.maxInterval
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, r.maxAttempts), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (r *retryStore) Put(ctx context.Context, room domain.Room, ttl time.Duration) error {
	return r.do(ctx, func() error { return r.inner.Put(ctx, room, ttl) })
}

func (r *retryStore) Get(ctx context.Context, roomID string) (domain.Room, error) {
	var out domain.Room
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.Get(ctx, roomID)
		return err
	})
	return out, err
}

func (r *retryStore) Update(ctx context.Context, roomID string, fn func(*domain.Room) error) (domain.Room, error) {
	var out domain.Room
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.Update(ctx, roomID, fn)
		return err
	})
	return out, err
}

func (r *retryStore) Delete(ctx context.Context, roomID string) error {
	return r.do(ctx, func() error { return r.inner.Delete(ctx, roomID) })
}

func (r *retryStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var out []string
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.ListExpired(ctx, now)
		return err
	})
	return out, err
}

func (r *retryStore) ListActive(ctx context.Context) ([]domain.Room, error) {
	var out []domain.Room
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.ListActive(ctx)
		return err
	})
	return out, err
}

func (r *retryStore) AppendMessage(ctx context.Context, roomID string, msg domain.Message) error {
	return r.do(ctx, func() error { return r.inner.AppendMessage(ctx, roomID, msg) })
}

func (r *retryStore) Messages(ctx context.Context, roomID string) ([]domain.Message, error) {
	var out []domain.Message
	err := r.do(ctx, func() error {
		var err error
		out, err = r.inner.Messages(ctx, roomID)
		return err
	})
	return out, err
}

func (r *retryStore) Healthy(ctx context.Context) error {
	return r.inner.Healthy(ctx)
}
