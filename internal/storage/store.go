package storage

import (
	"context"
	"time"

	"github.com/cascowatch/internal/model"
)

// SessionStore — сессии с TTL. Реализации: redis.Client, memory.Client (для -dev без Redis).
// Отсутствующая сессия читается как (nil, nil).
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	// TouchSession обновляет lastUsed, не продлевая TTL. Отсутствующая сессия: не ошибка.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	// DeleteSession идемпотентна.
	DeleteSession(ctx context.Context, sessionID string) error
	// ListUserSessions — живые сессии пользователя, от самой старой к самой новой (по createdAt).
	ListUserSessions(ctx context.Context, userID string) ([]model.Session, error)
}

// RecentReadingsCache — скользящее окно последних показаний по датчику.
type RecentReadingsCache interface {
	PushRecent(ctx context.Context, r *model.SensorReading) error
	// Recent — показания датчика внутри окна, по возрастанию времени события.
	Recent(ctx context.Context, sensorID string) ([]model.SensorReading, error)
}

// PushTokenStore — push-токены устройств пользователя (подписки Web Push в JSON).
type PushTokenStore interface {
	AddPushToken(ctx context.Context, userID, token string) error
	ListPushTokens(ctx context.Context, userID string) ([]string, error)
	RemovePushToken(ctx context.Context, userID, token string) error
}

// Store — всё вместе; так устроены обе реализации.
type Store interface {
	SessionStore
	RecentReadingsCache
	PushTokenStore
	Close() error
}

// Лимиты, общие для реализаций.
const (
	MaxPushTokensPerUser = 10
	PushTokenTTL         = 30 * 24 * time.Hour
)
