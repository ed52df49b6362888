package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/middleware"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/service"
)

// ReadingAPI — приём и выборка показаний (service.IngestService).
type ReadingAPI interface {
	Ingest(ctx context.Context, in model.ReadingInput) (*model.SensorReading, error)
	IngestBatch(ctx context.Context, inputs []model.ReadingInput) (*service.BatchResult, error)
	DeviceIngest(ctx context.Context, cascoID, token string, in model.ReadingInput) (*model.SensorReading, error)
	DeviceIngestBatch(ctx context.Context, cascoID, token string, inputs []model.ReadingInput) (*service.BatchResult, error)
	Recent(ctx context.Context, sensorID string) ([]model.SensorReading, error)
	List(ctx context.Context, f model.ReadingFilter) ([]model.SensorReading, error)
	Latest(ctx context.Context, cascoID string) ([]model.SensorReading, error)
	CascoSensors(ctx context.Context, cascoID string) ([]model.Sensor, error)
	Aggregate(ctx context.Context, f model.ReadingFilter, bucket model.Bucket, agg model.Aggregator, tz string) ([]model.SeriesPoint, error)
	TriSeries(ctx context.Context, minerID string, from, to *time.Time, bucket model.Bucket, tz string) (map[model.SensorType][]model.SeriesPoint, error)
}

type ReadingHandler struct {
	readings ReadingAPI
}

func NewReadingHandler(readings ReadingAPI) *ReadingHandler {
	return &ReadingHandler{readings: readings}
}

type batchRequest struct {
	Readings []model.ReadingInput `json:"readings"`
}

// minerScope — шахтёр видит только свои показания; супервайзер и админ — любые.
type minerScope struct{ user *model.User }

func (s minerScope) Admin() (string, error)      { return "", nil }
func (s minerScope) Supervisor() (string, error) { return "", nil }
func (s minerScope) Miner() (string, error)      { return s.user.ID, nil }

// scopeFilter ограничивает фильтр шахтёра его собственным id.
func scopeFilter(r *http.Request, f *model.ReadingFilter) error {
	user := middleware.GetUser(r.Context())
	if user == nil {
		return apperr.Unauthorized("unauthorized")
	}
	own, err := model.VisitRole[string](user.Role, minerScope{user: user})
	if err != nil {
		return apperr.Forbidden("unknown role")
	}
	if own == "" {
		return nil
	}
	if f.MinerID != "" && f.MinerID != own {
		return apperr.Forbidden("miners can only read their own readings")
	}
	f.MinerID = own
	return nil
}

// Create принимает одно показание.
func (h *ReadingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in model.ReadingInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeAppError(w, r, "readings create", err)
		return
	}
	reading, err := h.readings.Ingest(r.Context(), in)
	if err != nil {
		writeAppError(w, r, "readings create", err)
		return
	}
	writeOK(w, http.StatusCreated, "reading stored", reading)
}

// CreateBatch принимает пачку показаний, ошибки считаются по элементам.
func (h *ReadingHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, "readings batch", err)
		return
	}
	res, err := h.readings.IngestBatch(r.Context(), req.Readings)
	if err != nil {
		writeAppError(w, r, "readings batch", err)
		return
	}
	writeOK(w, batchStatus(res), "batch processed", res)
}

// batchStatus: 201 если всё принято, 207 при частичном успехе, 400 если не принято ничего.
func batchStatus(res *service.BatchResult) int {
	switch {
	case res.Failed == 0:
		return http.StatusCreated
	case res.Succeeded == 0:
		return http.StatusBadRequest
	default:
		return http.StatusMultiStatus
	}
}

// DeviceCreate принимает показание от каски по X-Device-Token.
func (h *ReadingHandler) DeviceCreate(w http.ResponseWriter, r *http.Request) {
	var in model.ReadingInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeAppError(w, r, "device reading", err)
		return
	}
	reading, err := h.readings.DeviceIngest(r.Context(), chi.URLParam(r, "cascoId"), middleware.DeviceToken(r), in)
	if err != nil {
		writeAppError(w, r, "device reading", err)
		return
	}
	writeOK(w, http.StatusCreated, "reading stored", reading)
}

// DeviceCreateBatch принимает пачку показаний от каски.
func (h *ReadingHandler) DeviceCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, "device batch", err)
		return
	}
	res, err := h.readings.DeviceIngestBatch(r.Context(), chi.URLParam(r, "cascoId"), middleware.DeviceToken(r), req.Readings)
	if err != nil {
		writeAppError(w, r, "device batch", err)
		return
	}
	writeOK(w, batchStatus(res), "batch processed", res)
}

func readingFilter(r *http.Request) (model.ReadingFilter, error) {
	q := r.URL.Query()
	f := model.ReadingFilter{
		SensorID:   strings.TrimSpace(q.Get("sensorId")),
		CascoID:    strings.TrimSpace(q.Get("cascoId")),
		MinerID:    strings.TrimSpace(q.Get("minerId")),
		SensorType: model.SensorType(strings.TrimSpace(q.Get("type"))),
		OnlyAlerts: queryBool(r, "alerts"),
		Limit:      queryInt(r, "limit", 0),
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, apperr.Validation("to must not be before from")
	}
	return f, scopeFilter(r, &f)
}

// List возвращает показания по фильтру.
func (h *ReadingHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := readingFilter(r)
	if err != nil {
		writeAppError(w, r, "readings list", err)
		return
	}
	list, err := h.readings.List(r.Context(), f)
	if err != nil {
		writeAppError(w, r, "readings list", err)
		return
	}
	writeOK(w, http.StatusOK, "", nonNil(list))
}

// Aggregate строит ряд по интервалам (?bucket=hour&agg=avg&tz=America/Santiago).
func (h *ReadingHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	f, err := readingFilter(r)
	if err != nil {
		writeAppError(w, r, "readings aggregate", err)
		return
	}
	q := r.URL.Query()
	bucket := model.Bucket(q.Get("bucket"))
	if bucket == "" {
		bucket = model.BucketHour
	}
	agg := model.Aggregator(q.Get("agg"))
	if agg == "" {
		agg = model.AggAvg
	}
	points, err := h.readings.Aggregate(r.Context(), f, bucket, agg, q.Get("tz"))
	if err != nil {
		writeAppError(w, r, "readings aggregate", err)
		return
	}
	if points == nil {
		points = []model.SeriesPoint{}
	}
	writeOK(w, http.StatusOK, "", points)
}

// Recent отдаёт последние показания датчика из кеша.
func (h *ReadingHandler) Recent(w http.ResponseWriter, r *http.Request) {
	list, err := h.readings.Recent(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		list, err = scopeList(r, list)
	}
	if err != nil {
		writeAppError(w, r, "readings recent", err)
		return
	}
	writeOK(w, http.StatusOK, "", nonNil(list))
}

// Latest отдаёт последнее показание каждого датчика каски.
func (h *ReadingHandler) Latest(w http.ResponseWriter, r *http.Request) {
	list, err := h.readings.Latest(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		list, err = scopeList(r, list)
	}
	if err != nil {
		writeAppError(w, r, "readings latest", err)
		return
	}
	writeOK(w, http.StatusOK, "", nonNil(list))
}

// Sensors отдаёт конфигурацию датчиков каски.
func (h *ReadingHandler) Sensors(w http.ResponseWriter, r *http.Request) {
	list, err := h.readings.CascoSensors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, "casco sensors", err)
		return
	}
	if list == nil {
		list = []model.Sensor{}
	}
	writeOK(w, http.StatusOK, "", list)
}

// Series отдаёт пульс, температуру и газ шахтёра одним ответом.
func (h *ReadingHandler) Series(w http.ResponseWriter, r *http.Request) {
	f := model.ReadingFilter{MinerID: chi.URLParam(r, "id")}
	if err := scopeFilter(r, &f); err != nil {
		writeAppError(w, r, "readings series", err)
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		writeAppError(w, r, "readings series", err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeAppError(w, r, "readings series", err)
		return
	}
	bucket := model.Bucket(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = model.BucketHour
	}
	series, err := h.readings.TriSeries(r.Context(), f.MinerID, from, to, bucket, r.URL.Query().Get("tz"))
	if err != nil {
		writeAppError(w, r, "readings series", err)
		return
	}
	writeOK(w, http.StatusOK, "", series)
}

// scopeList оставляет шахтёру только его показания. Неизвестная роль: 403.
func scopeList(r *http.Request, list []model.SensorReading) ([]model.SensorReading, error) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		return nil, apperr.Unauthorized("unauthorized")
	}
	own, err := model.VisitRole[string](user.Role, minerScope{user: user})
	if err != nil {
		return nil, apperr.Forbidden("unknown role")
	}
	if own == "" {
		return list, nil
	}
	return onlyMiner(list, own), nil
}

func onlyMiner(list []model.SensorReading, minerID string) []model.SensorReading {
	out := list[:0:0]
	for _, r := range list {
		if r.MinerID == minerID {
			out = append(out, r)
		}
	}
	return out
}

func nonNil(list []model.SensorReading) []model.SensorReading {
	if list == nil {
		return []model.SensorReading{}
	}
	return list
}
