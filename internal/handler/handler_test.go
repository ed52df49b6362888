package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/middleware"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/service"
	"github.com/cascowatch/internal/storage/memory"
)

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func as(user *model.User) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &service.Principal{User: user, Claims: &service.Claims{UserID: user.ID, SessionID: "sess-" + user.ID}}
			next.ServeHTTP(w, r.WithContext(middleware.WithPrincipal(r.Context(), p)))
		})
	}
}

var (
	miner      = &model.User{ID: "m1", Role: model.RoleMiner, Active: true}
	supervisor = &model.User{ID: "s1", Role: model.RoleSupervisor, Active: true}
)

type fakeReadings struct {
	lastFilter model.ReadingFilter
	lastToken  string
	lastCasco  string
	ingestErr  error
	batch      *service.BatchResult
	recent     []model.SensorReading
}

func (f *fakeReadings) Ingest(_ context.Context, in model.ReadingInput) (*model.SensorReading, error) {
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return &model.SensorReading{ID: "r1", SensorID: in.SensorID, Value: *in.Value}, nil
}

func (f *fakeReadings) IngestBatch(context.Context, []model.ReadingInput) (*service.BatchResult, error) {
	return f.batch, nil
}

func (f *fakeReadings) DeviceIngest(_ context.Context, cascoID, token string, in model.ReadingInput) (*model.SensorReading, error) {
	f.lastCasco, f.lastToken = cascoID, token
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return &model.SensorReading{ID: "r1", SensorID: in.SensorID, CascoID: cascoID}, nil
}

func (f *fakeReadings) DeviceIngestBatch(_ context.Context, cascoID, token string, _ []model.ReadingInput) (*service.BatchResult, error) {
	f.lastCasco, f.lastToken = cascoID, token
	return f.batch, nil
}

func (f *fakeReadings) Recent(context.Context, string) ([]model.SensorReading, error) {
	return f.recent, nil
}

func (f *fakeReadings) List(_ context.Context, filter model.ReadingFilter) ([]model.SensorReading, error) {
	f.lastFilter = filter
	return nil, nil
}

func (f *fakeReadings) Latest(context.Context, string) ([]model.SensorReading, error) {
	return f.recent, nil
}

func (f *fakeReadings) CascoSensors(_ context.Context, cascoID string) ([]model.Sensor, error) {
	if cascoID != "C1" {
		return nil, apperr.NotFound("casco not found")
	}
	return []model.Sensor{{ID: "S1", CascoID: "C1", Type: model.SensorGas}}, nil
}

func (f *fakeReadings) Aggregate(_ context.Context, filter model.ReadingFilter, _ model.Bucket, _ model.Aggregator, _ string) ([]model.SeriesPoint, error) {
	f.lastFilter = filter
	return []model.SeriesPoint{{Value: 1, Count: 1}}, nil
}

func (f *fakeReadings) TriSeries(_ context.Context, minerID string, _, _ *time.Time, _ model.Bucket, _ string) (map[model.SensorType][]model.SeriesPoint, error) {
	f.lastFilter = model.ReadingFilter{MinerID: minerID}
	return map[model.SensorType][]model.SeriesPoint{model.SensorGas: {}}, nil
}

func readingRouter(f *fakeReadings, user *model.User) http.Handler {
	h := NewReadingHandler(f)
	r := chi.NewRouter()
	r.Post("/api/devices/cascos/{cascoId}/readings", h.DeviceCreate)
	r.Post("/api/devices/cascos/{cascoId}/readings/batch", h.DeviceCreateBatch)
	r.Group(func(r chi.Router) {
		r.Use(as(user))
		r.Post("/api/readings", h.Create)
		r.Post("/api/readings/batch", h.CreateBatch)
		r.Get("/api/readings", h.List)
		r.Get("/api/readings/aggregate", h.Aggregate)
		r.Get("/api/sensors/{id}/recent", h.Recent)
		r.Get("/api/cascos/{id}/latest", h.Latest)
		r.Get("/api/cascos/{id}/sensors", h.Sensors)
		r.Get("/api/miners/{id}/series", h.Series)
	})
	return r
}

func TestCreateReading(t *testing.T) {
	f := &fakeReadings{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/readings", strings.NewReader(`{"sensorId":"hr-1","value":72}`))
	readingRouter(f, supervisor).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	resp := decode(t, rec)
	assert.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), `"sensorId":"hr-1"`)
}

func TestCreateReadingErrors(t *testing.T) {
	f := &fakeReadings{ingestErr: apperr.NotFound("sensor not found")}
	rec := httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/readings", strings.NewReader(`{"sensorId":"x","value":1}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "sensor not found", resp.Message)

	rec = httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/readings", strings.NewReader(`{bad`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.ingestErr = apperr.Persistence("failed to store reading", assert.AnError)
	rec = httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/readings", strings.NewReader(`{"sensorId":"x","value":1}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestBatchStatus(t *testing.T) {
	assert.Equal(t, http.StatusCreated, batchStatus(&service.BatchResult{Total: 2, Succeeded: 2}))
	assert.Equal(t, http.StatusMultiStatus, batchStatus(&service.BatchResult{Total: 2, Succeeded: 1, Failed: 1}))
	assert.Equal(t, http.StatusBadRequest, batchStatus(&service.BatchResult{Total: 2, Failed: 2}))
}

func TestDeviceReadingPassesToken(t *testing.T) {
	f := &fakeReadings{batch: &service.BatchResult{Total: 1, Succeeded: 1}}
	req := httptest.NewRequest(http.MethodPost, "/api/devices/cascos/c-7/readings", strings.NewReader(`{"sensorId":"hr-1","value":72}`))
	req.Header.Set(middleware.DeviceTokenHeader, " tok ")
	rec := httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "c-7", f.lastCasco)
	assert.Equal(t, "tok", f.lastToken)

	f.ingestErr = apperr.Unauthorized("invalid device token")
	req = httptest.NewRequest(http.MethodPost, "/api/devices/cascos/c-7/readings", strings.NewReader(`{"sensorId":"hr-1","value":72}`))
	rec = httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/devices/cascos/c-8/readings/batch", strings.NewReader(`{"readings":[{"sensorId":"hr-1","value":72}]}`))
	rec = httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "c-8", f.lastCasco)
}

func TestMinerScope(t *testing.T) {
	f := &fakeReadings{}
	rec := httptest.NewRecorder()
	readingRouter(f, miner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/readings?type=gas", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m1", f.lastFilter.MinerID)
	assert.Equal(t, model.SensorGas, f.lastFilter.SensorType)

	rec = httptest.NewRecorder()
	readingRouter(f, miner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/readings?minerId=m2", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	readingRouter(f, miner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/miners/m2/series", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/miners/m2/series", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m2", f.lastFilter.MinerID)

	f.recent = []model.SensorReading{{ID: "a", MinerID: "m1"}, {ID: "b", MinerID: "m2"}}
	rec = httptest.NewRecorder()
	readingRouter(f, miner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sensors/hr-1/recent", nil))
	var list []model.SensorReading
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
}

func TestUnknownRoleIsForbidden(t *testing.T) {
	guest := &model.User{ID: "g1", Role: "guest", Active: true}
	f := &fakeReadings{recent: []model.SensorReading{{ID: "a", MinerID: "m1"}}}
	for _, path := range []string{"/api/sensors/hr-1/recent", "/api/cascos/C1/latest", "/api/readings"} {
		rec := httptest.NewRecorder()
		readingRouter(f, guest).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.False(t, decode(t, rec).Success)
	}

	rec := httptest.NewRecorder()
	readingRouter(f, miner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cascos/C1/latest", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCascoSensors(t *testing.T) {
	f := &fakeReadings{}
	rec := httptest.NewRecorder()
	readingRouter(f, miner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cascos/C1/sensors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.Sensor
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "S1", list[0].ID)

	rec = httptest.NewRecorder()
	readingRouter(f, miner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cascos/C9/sensors", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTimeRange(t *testing.T) {
	f := &fakeReadings{}
	rec := httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/readings?from=2026-03-01T08:00:00Z&to=1772352000000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.lastFilter.From)
	require.NotNil(t, f.lastFilter.To)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), *f.lastFilter.From)

	rec = httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/readings?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	readingRouter(f, supervisor).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/readings?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeNotifications struct {
	NotificationAPI
	sent    []model.NotificationSpec
	readErr error
}

func (f *fakeNotifications) Send(_ context.Context, spec model.NotificationSpec) (*model.Notification, error) {
	f.sent = append(f.sent, spec)
	return &model.Notification{ID: "n1", UserID: spec.UserID}, nil
}

func (f *fakeNotifications) SendBulk(_ context.Context, specs []model.NotificationSpec) *service.BulkResult {
	f.sent = append(f.sent, specs...)
	return &service.BulkResult{FailedIndexes: []int{}}
}

func (f *fakeNotifications) MarkRead(context.Context, string, string) error { return f.readErr }

func (f *fakeNotifications) UnreadCount(context.Context, string) (int, error) { return 3, nil }

func TestNotificationHandlers(t *testing.T) {
	f := &fakeNotifications{readErr: apperr.NotFound("notification not found")}
	h := NewNotificationHandler(f)
	r := chi.NewRouter()
	r.Use(as(supervisor))
	r.Post("/api/notifications", h.Send)
	r.Post("/api/notifications/bulk", h.SendBulk)
	r.Put("/api/notifications/{id}/read", h.MarkRead)
	r.Get("/api/notifications/unread-count", h.UnreadCount)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(`{"userId":"m1","title":"t","message":"m","priority":"high"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.sent, 1)
	assert.Equal(t, model.PriorityHigh, f.sent[0].Priority)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notifications/bulk", strings.NewReader(`{"notifications":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notifications/bulk", strings.NewReader(`{"notifications":[{"userId":"a"},{"userId":"b"}]}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, f.sent, 3)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/notifications/zzz/read", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications/unread-count", nil))
	assert.JSONEq(t, `{"count":3}`, string(decode(t, rec).Data))
}

func TestPushSubscribeAndUnsubscribe(t *testing.T) {
	store := memory.New(time.Minute, 0)
	h := NewPushHandler(store)
	r := chi.NewRouter()
	r.Use(as(miner))
	r.Post("/api/push/subscribe", h.Subscribe)
	r.Delete("/api/push/subscribe", h.Unsubscribe)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(`{"subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"p","auth":"a"}}}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	tokens, _ := store.ListPushTokens(context.Background(), "m1")
	require.Len(t, tokens, 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(`{"subscription":{"endpoint":"https://push.example/1"}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/push/subscribe", strings.NewReader(`{"endpoint":"https://push.example/1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	tokens, _ = store.ListPushTokens(context.Background(), "m1")
	assert.Empty(t, tokens)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(map[string]HealthCheck{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return assert.AnError },
	})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"db":"ok","redis":"down"}`, string(decode(t, rec).Data))
}

func TestPushConfig(t *testing.T) {
	rec := httptest.NewRecorder()
	NewConfigHandler("").GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
	assert.JSONEq(t, `{"enabled":false}`, string(decode(t, rec).Data))

	rec = httptest.NewRecorder()
	NewConfigHandler("BPub").GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
	assert.JSONEq(t, `{"enabled":true,"vapid_public_key":"BPub"}`, string(decode(t, rec).Data))
}

func TestEnvelopeAlwaysHasAllKeys(t *testing.T) {
	keys := func(rec *httptest.ResponseRecorder) map[string]json.RawMessage {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
		return m
	}

	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "sensor not found")
	m := keys(rec)
	assert.JSONEq(t, `false`, string(m["success"]))
	assert.JSONEq(t, `"sensor not found"`, string(m["message"]))
	require.Contains(t, m, "data")
	assert.Equal(t, "null", string(m["data"]))

	rec = httptest.NewRecorder()
	writeOK(rec, http.StatusOK, "", []int{1})
	m = keys(rec)
	require.Contains(t, m, "message")
	assert.JSONEq(t, `""`, string(m["message"]))
	assert.JSONEq(t, `[1]`, string(m["data"]))
}
