package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/repository"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newFakeUsers(users ...*model.User) *fakeUsers {
	f := &fakeUsers{users: map[string]*model.User{}}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func ptr[T any](v T) *T { return &v }

type fakeSensors struct {
	sensors map[string]*model.Sensor
	cascos  map[string]*model.Casco
	err     error
}

func (f *fakeSensors) GetByID(_ context.Context, id string) (*model.Sensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.sensors[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSensors) GetCasco(_ context.Context, id string) (*model.Casco, error) {
	if c, ok := f.cascos[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSensors) ListByCasco(_ context.Context, cascoID string) ([]model.Sensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Sensor
	for _, s := range f.sensors {
		if s.CascoID == cascoID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeReadings struct {
	mu        sync.Mutex
	inserted  []model.SensorReading
	insertErr error
}

func (f *fakeReadings) Insert(_ context.Context, r *model.SensorReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *r)
	return nil
}

func (f *fakeReadings) List(context.Context, model.ReadingFilter) ([]model.SensorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SensorReading(nil), f.inserted...), nil
}

func (f *fakeReadings) Latest(context.Context, string) ([]model.SensorReading, error) {
	return nil, nil
}

func (f *fakeReadings) AggregateTimeSeries(_ context.Context, flt model.ReadingFilter, _ model.Bucket, _ model.Aggregator, _ string) ([]model.SeriesPoint, error) {
	return []model.SeriesPoint{{Value: float64(len(flt.SensorType)), Count: 1}}, nil
}

type fakeAlerts struct {
	mu    sync.Mutex
	calls []model.SensorReading
	err   error
}

func (f *fakeAlerts) SendSensorAlert(_ context.Context, r *model.SensorReading, _ *model.Sensor) (*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *r)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Notification{ID: "n-" + r.ID, UserID: r.MinerID}, nil
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	types []model.SensorType
}

func (f *fakeBroadcaster) BroadcastReading(_ *model.SensorReading, t model.SensorType) {
	f.mu.Lock()
	f.types = append(f.types, t)
	f.mu.Unlock()
}

type fakeNotifications struct {
	mu        sync.Mutex
	rows      map[string]*model.Notification
	order     []string
	createErr error
}

func newFakeNotifications() *fakeNotifications {
	return &fakeNotifications{rows: map[string]*model.Notification{}}
}

func (f *fakeNotifications) get(id string) model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeNotifications) Create(_ context.Context, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *n
	f.rows[n.ID] = &cp
	f.order = append(f.order, n.ID)
	return nil
}

func (f *fakeNotifications) GetByID(_ context.Context, id string) (*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.rows[id]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeNotifications) ListByUser(_ context.Context, userID string, unreadOnly bool, _, _ int) ([]model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Notification
	for _, id := range f.order {
		n, ok := f.rows[id]
		if ok && n.UserID == userID && (!unreadOnly || !n.IsRead) {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (f *fakeNotifications) CountUnread(ctx context.Context, userID string) (int, error) {
	list, _ := f.ListByUser(ctx, userID, true, 0, 0)
	return len(list), nil
}

func (f *fakeNotifications) MarkRead(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rows[id]
	if !ok || n.UserID != userID {
		return repository.ErrNotFound
	}
	n.IsRead = true
	return nil
}

func (f *fakeNotifications) MarkAllRead(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c int64
	for _, n := range f.rows {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			c++
		}
	}
	return c, nil
}

func (f *fakeNotifications) Delete(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rows[id]
	if !ok || n.UserID != userID {
		return repository.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeNotifications) DeleteAllForUser(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c int64
	for id, n := range f.rows {
		if n.UserID == userID {
			delete(f.rows, id)
			c++
		}
	}
	return c, nil
}

func (f *fakeNotifications) SetEmailSent(_ context.Context, id string, sent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.rows[id]; ok {
		n.EmailSent = sent
	}
	return nil
}

func (f *fakeNotifications) SetPushSent(_ context.Context, id string, sent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.rows[id]; ok {
		n.PushSent = sent
	}
	return nil
}

func (f *fakeNotifications) pending(since time.Time, ch model.Channel, sent func(*model.Notification) bool) []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Notification
	for _, id := range f.order {
		n, ok := f.rows[id]
		if ok && n.HasChannel(ch) && !sent(n) && !n.CreatedAt.Before(since) {
			out = append(out, *n)
		}
	}
	return out
}

func (f *fakeNotifications) ListPendingEmail(_ context.Context, since time.Time, _ int) ([]model.Notification, error) {
	return f.pending(since, model.ChannelEmail, func(n *model.Notification) bool { return n.EmailSent }), nil
}

func (f *fakeNotifications) ListPendingPush(_ context.Context, since time.Time, _ int) ([]model.Notification, error) {
	return f.pending(since, model.ChannelPush, func(n *model.Notification) bool { return n.PushSent }), nil
}
