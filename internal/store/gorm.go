package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/storejson"
)

// RoomRecord is the persisted shape of a room. Participants are kept as a
// JSON document because they are only ever read and written as a unit,
// under the room's lock.
type RoomRecord struct {
	ID                string         `gorm:"primaryKey"`
	CreatedAt         time.Time      `gorm:"not null"`
	ExpiresAt         time.Time      `gorm:"not null;index"`
	Status            string         `gorm:"not null"`
	SupervisorConsent bool           `gorm:"not null"`
	Participants      storejson.JSON `gorm:"not null"`
}

func (RoomRecord) TableName() string { return "rooms" }

type MessageRecord struct {
	ID      string         `gorm:"primaryKey"`
	RoomID  string         `gorm:"not null;index"`
	Payload storejson.JSON `gorm:"not null"`
	SentAt  time.Time      `gorm:"not null"`
}

func (MessageRecord) TableName() string { return "room_messages" }

const lockStripes = 64

// GormStore persists rooms through gorm (Postgres in deployment, sqlite in
// tests) so room state survives a process restart. Per-room serialization
// is in-process: a deployment runs a single authoritative instance, so
// striped mutexes are sufficient and keep the sqlite test backend on the
// same code path as Postgres.
type GormStore struct {
	db    *gorm.DB
	locks [lockStripes]sync.Mutex
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&RoomRecord{}, &MessageRecord{})
}

func (s *GormStore) lock(roomID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *GormStore) Put(ctx context.Context, room domain.Room, ttl time.Duration) error {
	mu := s.lock(room.ID)
	mu.Lock()
	defer mu.Unlock()

	var existing RoomRecord
	err := s.db.WithContext(ctx).First(&existing, "id = ?", room.ID).Error
	if err == nil {
		return ErrRoomExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapBackend(err)
	}
	rec, err := toRecord(room)
	if err != nil {
		return err
	}
	return wrapBackend(s.db.WithContext(ctx).Create(&rec).Error)
}

func (s *GormStore) Get(ctx context.Context, roomID string) (domain.Room, error) {
	var rec RoomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Room{}, ErrRoomAbsent
		}
		return domain.Room{}, wrapBackend(err)
	}
	return fromRecord(rec)
}

func (s *GormStore) Update(ctx context.Context, roomID string, fn func(*domain.Room) error) (domain.Room, error) {
	mu := s.lock(roomID)
	mu.Lock()
	defer mu.Unlock()

	room, err := s.Get(ctx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := fn(&room); err != nil {
		return domain.Room{}, err
	}
	rec, err := toRecord(room)
	if err != nil {
		return domain.Room{}, err
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return domain.Room{}, wrapBackend(err)
	}
	return room, nil
}

func (s *GormStore) Delete(ctx context.Context, roomID string) error {
	mu := s.lock(roomID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.WithContext(ctx).Delete(&RoomRecord{}, "id = ?", roomID).Error; err != nil {
		return wrapBackend(err)
	}
	return wrapBackend(s.db.WithContext(ctx).Delete(&MessageRecord{}, "room_id = ?", roomID).Error)
}

func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&RoomRecord{}).
		Where("status = ? AND expires_at <= ?", string(domain.RoomActive), now).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrapBackend(err)
	}
	return ids, nil
}

func (s *GormStore) ListActive(ctx context.Context) ([]domain.Room, error) {
	var recs []RoomRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.RoomActive)).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, wrapBackend(err)
	}
	rooms := make([]domain.Room, 0, len(recs))
	for _, rec := range recs {
		room, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, roomID string, msg domain.Message) error {
	if _, err := s.Get(ctx, roomID); err != nil {
		return err
	}
	payload, err := storejson.From(msg)
	if err != nil {
		return err
	}
	rec := MessageRecord{ID: msg.ID, RoomID: roomID, Payload: payload, SentAt: msg.SentAt}
	return wrapBackend(s.db.WithContext(ctx).Create(&rec).Error)
}

func (s *GormStore) Messages(ctx context.Context, roomID string) ([]domain.Message, error) {
	if _, err := s.Get(ctx, roomID); err != nil {
		return nil, err
	}
	var recs []MessageRecord
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sent_at asc").
		Find(&recs).Error; err != nil {
		return nil, wrapBackend(err)
	}
	msgs := make([]domain.Message, 0, len(recs))
	for _, rec := range recs {
		var msg domain.Message
		if err := rec.Payload.Decode(&msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", rec.ID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *GormStore) Healthy(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapBackend(err)
	}
	return wrapBackend(sqlDB.PingContext(ctx))
}

func toRecord(room domain.Room) (RoomRecord, error) {
	participants, err := storejson.From(room.Participants)
	if err != nil {
		return RoomRecord{}, err
	}
	return RoomRecord{
		ID:                room.ID,
		CreatedAt:         room.CreatedAt,
		ExpiresAt:         room.ExpiresAt,
		Status:            string(room.Status),
		SupervisorConsent: room.SupervisorConsent,
		Participants:      participants,
	}, nil
}

func fromRecord(rec RoomRecord) (domain.Room, error) {
	room := domain.Room{
		ID:                rec.ID,
		CreatedAt:         rec.CreatedAt,
		ExpiresAt:         rec.ExpiresAt,
		Status:            domain.RoomStatus(rec.Status),
		SupervisorConsent: rec.SupervisorConsent,
	}
	if err := rec.Participants.Decode(&room.Participants); err != nil {
		return domain.Room{}, fmt.Errorf("decode participants for %s: %w", rec.ID, err)
	}
	return room, nil
}

func wrapBackend(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
