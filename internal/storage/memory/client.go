package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/storage"
)

type sessionItem struct {
	s   model.Session
	exp time.Time
}

type tokenList struct {
	tokens []string
	exp    time.Time
}

// Client — хранилище в памяти процесса для -dev и тестов. Семантика совпадает с redis.Client.
type Client struct {
	mu        sync.RWMutex
	sessions  map[string]sessionItem
	recent    map[string][]model.SensorReading
	tokens    map[string]tokenList
	window    time.Duration
	recentMax int
	now       func() time.Time
}

// New создаёт клиент. window: ширина окна последних показаний, recentMax: лимит на датчик.
func New(window time.Duration, recentMax int) *Client {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Client{
		sessions:  make(map[string]sessionItem),
		recent:    make(map[string][]model.SensorReading),
		tokens:    make(map[string]tokenList),
		window:    window,
		recentMax: recentMax,
		now:       time.Now,
	}
}

// SetClock подменяет часы (тесты TTL и окна).
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Client) Close() error { return nil }

var _ storage.Store = (*Client)(nil)

func (c *Client) CreateSession(ctx context.Context, s *model.Session, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.ID] = sessionItem{s: *s, exp: c.now().Add(ttl)}
	return nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.sessions[sessionID]
	if !ok || !c.now().Before(it.exp) {
		return nil, nil
	}
	s := it.s
	return &s, nil
}

func (c *Client) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.sessions[sessionID]
	if !ok || !c.now().Before(it.exp) {
		return nil
	}
	it.s.LastUsed = at
	c.sessions[sessionID] = it
	return nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

func (c *Client) ListUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var list []model.Session
	for id, it := range c.sessions {
		if !now.Before(it.exp) {
			delete(c.sessions, id)
			continue
		}
		if it.s.UserID == userID {
			list = append(list, it.s)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (c *Client) PushRecent(ctx context.Context, r *model.SensorReading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.recent[r.SensorID], *r)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	c.recent[r.SensorID] = c.trim(list)
	return nil
}

func (c *Client) Recent(ctx context.Context, sensorID string) ([]model.SensorReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.trim(c.recent[sensorID])
	if len(list) == 0 {
		delete(c.recent, sensorID)
		return nil, nil
	}
	c.recent[sensorID] = list
	out := make([]model.SensorReading, len(list))
	copy(out, list)
	return out, nil
}

// trim отбрасывает показания старше окна и сверх лимита (старые первыми).
func (c *Client) trim(list []model.SensorReading) []model.SensorReading {
	cut := c.now().Add(-c.window)
	i := 0
	for i < len(list) && list[i].Timestamp.Before(cut) {
		i++
	}
	list = list[i:]
	if c.recentMax > 0 && len(list) > c.recentMax {
		list = list[len(list)-c.recentMax:]
	}
	return list
}

func (c *Client) AddPushToken(ctx context.Context, userID, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl := c.tokens[userID]
	kept := tl.tokens[:0:0]
	for _, t := range tl.tokens {
		if t != token {
			kept = append(kept, t)
		}
	}
	kept = append(kept, token)
	if len(kept) > storage.MaxPushTokensPerUser {
		kept = kept[len(kept)-storage.MaxPushTokensPerUser:]
	}
	c.tokens[userID] = tokenList{tokens: kept, exp: c.now().Add(storage.PushTokenTTL)}
	return nil
}

func (c *Client) ListPushTokens(ctx context.Context, userID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.tokens[userID]
	if !ok || !c.now().Before(tl.exp) {
		return nil, nil
	}
	out := make([]string, len(tl.tokens))
	copy(out, tl.tokens)
	return out, nil
}

func (c *Client) RemovePushToken(ctx context.Context, userID, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.tokens[userID]
	if !ok {
		return nil
	}
	kept := tl.tokens[:0:0]
	for _, t := range tl.tokens {
		if t != token {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(c.tokens, userID)
		return nil
	}
	tl.tokens = kept
	c.tokens[userID] = tl
	return nil
}
