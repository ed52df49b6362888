package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/storage"
)

// Ключи:
//
//	session:{id}           JSON сессии, TTL сессии
//	user_sessions:{userId} ZSET id сессий, score = createdAt (ns)
//	recent:{sensorId}      ZSET показаний (JSON), score = timestamp (ms), TTL = окно
//	push:tokens:{userId}   LIST push-токенов, TTL 30 дней
const (
	sessionPrefix      = "session:"
	userSessionsPrefix = "user_sessions:"
	recentPrefix       = "recent:"
	pushTokensPrefix   = "push:tokens:"
)

type Client struct {
	cli       *redis.Client
	window    time.Duration
	recentMax int
}

var _ storage.Store = (*Client)(nil)

// New подключается к Redis и проверяет соединение.
func New(ctx context.Context, url string, window time.Duration, recentMax int) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Client{cli: cli, window: window, recentMax: recentMax}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping — проверка для /health.
func (c *Client) Ping(ctx context.Context) error {
	return c.cli.Ping(ctx).Err()
}

func (c *Client) CreateSession(ctx context.Context, s *model.Session, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis CreateSession marshal: %w", err)
	}
	idx := userSessionsPrefix + s.UserID
	pipe := c.cli.TxPipeline()
	pipe.Set(ctx, sessionPrefix+s.ID, raw, ttl)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(s.CreatedAt.UnixNano()), Member: s.ID})
	pipe.Expire(ctx, idx, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis CreateSession: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	raw, err := c.cli.Get(ctx, sessionPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GetSession: %w", err)
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("redis GetSession decode: %w", err)
	}
	s.ID = sessionID
	return &s, nil
}

// TouchSession перезаписывает запись с XX + KEEPTTL: истёкшая сессия не воскрешается, TTL не продлевается.
func (c *Client) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	s, err := c.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return err
	}
	s.LastUsed = at
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	err = c.cli.SetArgs(ctx, sessionPrefix+sessionID, raw, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis TouchSession: %w", err)
	}
	return nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	s, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := c.cli.TxPipeline()
	pipe.Del(ctx, sessionPrefix+sessionID)
	if s != nil {
		pipe.ZRem(ctx, userSessionsPrefix+s.UserID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis DeleteSession: %w", err)
	}
	return nil
}

// ListUserSessions читает индекс пользователя и чистит в нём id истёкших сессий.
func (c *Client) ListUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	idx := userSessionsPrefix + userID
	ids, err := c.cli.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ListUserSessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionPrefix + id
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ListUserSessions mget: %w", err)
	}
	list := make([]model.Session, 0, len(ids))
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s model.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			logger.Errorf("redis ListUserSessions decode session=%s***: %v", ids[i][:min(4, len(ids[i]))], err)
			continue
		}
		s.ID = ids[i]
		list = append(list, s)
	}
	if len(stale) > 0 {
		if err := c.cli.ZRem(ctx, idx, stale...).Err(); err != nil {
			logger.Errorf("redis ListUserSessions cleanup user=%s: %v", userID, err)
		}
	}
	return list, nil
}

func (c *Client) PushRecent(ctx context.Context, r *model.SensorReading) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis PushRecent marshal: %w", err)
	}
	key := recentPrefix + r.SensorID
	cutoff := time.Now().Add(-c.window).UnixMilli()
	pipe := c.cli.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(r.Timestamp.UnixMilli()), Member: raw})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	if c.recentMax > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-c.recentMax-1))
	}
	pipe.Expire(ctx, key, c.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis PushRecent: %w", err)
	}
	return nil
}

func (c *Client) Recent(ctx context.Context, sensorID string) ([]model.SensorReading, error) {
	cutoff := time.Now().Add(-c.window).UnixMilli()
	vals, err := c.cli.ZRangeByScore(ctx, recentPrefix+sensorID, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis Recent: %w", err)
	}
	out := make([]model.SensorReading, 0, len(vals))
	for _, v := range vals {
		var r model.SensorReading
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Client) AddPushToken(ctx context.Context, userID, token string) error {
	key := pushTokensPrefix + userID
	pipe := c.cli.TxPipeline()
	pipe.LRem(ctx, key, 0, token)
	pipe.RPush(ctx, key, token)
	pipe.LTrim(ctx, key, -storage.MaxPushTokensPerUser, -1)
	pipe.Expire(ctx, key, storage.PushTokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis AddPushToken: %w", err)
	}
	return nil
}

func (c *Client) ListPushTokens(ctx context.Context, userID string) ([]string, error) {
	list, err := c.cli.LRange(ctx, pushTokensPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ListPushTokens: %w", err)
	}
	return list, nil
}

func (c *Client) RemovePushToken(ctx context.Context, userID, token string) error {
	if err := c.cli.LRem(ctx, pushTokensPrefix+userID, 0, token).Err(); err != nil {
		return fmt.Errorf("redis RemovePushToken: %w", err)
	}
	return nil
}
