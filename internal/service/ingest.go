package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/relvacode/iso8601"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/evaluator"
	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/repository"
	"github.com/cascowatch/internal/storage"
)

// SensorDirectory — конфигурация касок и датчиков (только чтение).
type SensorDirectory interface {
	GetByID(ctx context.Context, id string) (*model.Sensor, error)
	GetCasco(ctx context.Context, id string) (*model.Casco, error)
	ListByCasco(ctx context.Context, cascoID string) ([]model.Sensor, error)
}

// ReadingStore — запись и выборки временного ряда.
type ReadingStore interface {
	Insert(ctx context.Context, r *model.SensorReading) error
	List(ctx context.Context, f model.ReadingFilter) ([]model.SensorReading, error)
	Latest(ctx context.Context, cascoID string) ([]model.SensorReading, error)
	AggregateTimeSeries(ctx context.Context, f model.ReadingFilter, bucket model.Bucket, agg model.Aggregator, tz string) ([]model.SeriesPoint, error)
}

// AlertNotifier создаёт уведомление о сенсорной тревоге.
type AlertNotifier interface {
	SendSensorAlert(ctx context.Context, r *model.SensorReading, sensor *model.Sensor) (*model.Notification, error)
}

// ReadingBroadcaster рассылает показание подписчикам в реальном времени.
type ReadingBroadcaster interface {
	BroadcastReading(r *model.SensorReading, sensorType model.SensorType)
}

const DefaultBatchMax = 500

type IngestService struct {
	sensors     SensorDirectory
	readings    ReadingStore
	cache       storage.RecentReadingsCache
	alerts      AlertNotifier
	broadcaster ReadingBroadcaster
	batchMax    int
	now         func() time.Time
}

func NewIngestService(sensors SensorDirectory, readings ReadingStore, cache storage.RecentReadingsCache, alerts AlertNotifier, batchMax int) *IngestService {
	if batchMax <= 0 {
		batchMax = DefaultBatchMax
	}
	return &IngestService{sensors: sensors, readings: readings, cache: cache, alerts: alerts, batchMax: batchMax, now: time.Now}
}

// SetBroadcaster подключает realtime-рассылку (hub создаётся после сервиса).
func (s *IngestService) SetBroadcaster(b ReadingBroadcaster) {
	s.broadcaster = b
}

// Ingest: датчик -> оценка -> запись -> кеш -> тревога. Ошибка уведомления не откатывает запись.
func (s *IngestService) Ingest(ctx context.Context, in model.ReadingInput) (*model.SensorReading, error) {
	if in.SensorID == "" {
		return nil, apperr.Validation("sensorId is required")
	}
	if in.Value == nil || math.IsNaN(*in.Value) || math.IsInf(*in.Value, 0) {
		return nil, apperr.Validation("value must be a number")
	}
	sensor, err := s.sensors.GetByID(ctx, in.SensorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("sensor not found")
		}
		return nil, apperr.Persistence("sensor lookup failed", err)
	}
	if in.CascoID != "" && in.CascoID != sensor.CascoID {
		return nil, apperr.Validation("sensor does not belong to casco")
	}
	ts, err := parseTimestamp(in.Timestamp)
	if err != nil {
		return nil, err
	}
	receivedAt := s.now()
	if ts.IsZero() {
		ts = receivedAt
	}

	result := evaluator.Evaluate(*in.Value, *sensor)
	r := &model.SensorReading{
		ID:             uuid.NewString(),
		SensorID:       sensor.ID,
		CascoID:        sensor.CascoID,
		MinerID:        in.MinerID,
		Value:          *in.Value,
		Unit:           in.Unit,
		Timestamp:      ts.UTC(),
		ReceivedAt:     receivedAt.UTC(),
		IsNormal:       result.IsNormal,
		IsAlert:        result.IsAlert,
		BatteryLevel:   in.BatteryLevel,
		SignalStrength: in.SignalStrength,
		Location:       parseLocation(in.Location, sensor.ID),
		Metadata:       parseMetadata(in.Metadata, sensor.ID),
	}
	if r.Unit == "" {
		r.Unit = sensor.Unit
	}

	if err := s.readings.Insert(ctx, r); err != nil {
		return nil, apperr.Persistence("failed to store reading", err)
	}
	if err := s.cache.PushRecent(ctx, r); err != nil {
		logger.Warnf("ingest: recent cache sensor=%s: %v", r.SensorID, err)
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastReading(r, sensor.Type)
	}
	if r.IsAlert && r.MinerID != "" && sensor.AlertThreshold != nil && s.alerts != nil {
		if _, err := s.alerts.SendSensorAlert(ctx, r, sensor); err != nil {
			logger.Errorf("ingest: sensor alert reading=%s miner=%s: %v", r.ID, r.MinerID, err)
		}
	}
	return r, nil
}

// BatchItemError — ошибка одного элемента пакета.
type BatchItemError struct {
	Index    int    `json:"index"`
	SensorID string `json:"sensorId"`
	Error    string `json:"error"`
}

type BatchResult struct {
	Total     int                   `json:"total"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Readings  []model.SensorReading `json:"readings"`
	Errors    []BatchItemError      `json:"errors"`
}

func (s *IngestService) checkBatch(n int) error {
	if n == 0 {
		return apperr.Validation("readings must be a non-empty array")
	}
	if n > s.batchMax {
		return apperr.Validationf("batch too large: %d readings, max %d", n, s.batchMax)
	}
	return nil
}

// IngestBatch обрабатывает элементы по порядку и независимо; ошибка элемента не прерывает пакет.
func (s *IngestService) IngestBatch(ctx context.Context, inputs []model.ReadingInput) (*BatchResult, error) {
	if err := s.checkBatch(len(inputs)); err != nil {
		return nil, err
	}
	return s.runBatch(ctx, inputs, func(ctx context.Context, in model.ReadingInput) (*model.SensorReading, error) {
		return s.Ingest(ctx, in)
	}), nil
}

func (s *IngestService) runBatch(ctx context.Context, inputs []model.ReadingInput, one func(context.Context, model.ReadingInput) (*model.SensorReading, error)) *BatchResult {
	res := &BatchResult{Total: len(inputs), Readings: make([]model.SensorReading, 0, len(inputs)), Errors: []BatchItemError{}}
	for i, in := range inputs {
		r, err := one(ctx, in)
		if err != nil {
			if !apperr.Is(err, apperr.KindValidation) && !apperr.Is(err, apperr.KindNotFound) {
				logger.Errorf("ingest batch: item %d sensor=%s: %v", i, in.SensorID, err)
			}
			res.Failed++
			res.Errors = append(res.Errors, BatchItemError{Index: i, SensorID: in.SensorID, Error: apperr.PublicMessage(err)})
			continue
		}
		res.Succeeded++
		res.Readings = append(res.Readings, *r)
	}
	return res
}

// Токен устройства: 32..256 символов из [A-Za-z0-9._~-].
var deviceTokenRe = regexp.MustCompile(`^[A-Za-z0-9._~-]{32,256}$`)

// HashDeviceToken — хранимая форма токена каски (sha256, hex).
func HashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AuthenticateDevice проверяет токен каски. Порядок: формат токена (401), каска (404), совпадение (401).
func (s *IngestService) AuthenticateDevice(ctx context.Context, cascoID, token string) (*model.Casco, error) {
	if token == "" || !deviceTokenRe.MatchString(token) {
		return nil, apperr.Unauthorized("missing or malformed device token")
	}
	casco, err := s.sensors.GetCasco(ctx, cascoID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("casco not found")
		}
		return nil, apperr.Persistence("casco lookup failed", err)
	}
	if !casco.Active {
		return nil, apperr.NotFound("casco not found")
	}
	want := HashDeviceToken(token)
	if casco.DeviceTokenHash == "" || subtle.ConstantTimeCompare([]byte(want), []byte(casco.DeviceTokenHash)) != 1 {
		return nil, apperr.Unauthorized("invalid device token")
	}
	return casco, nil
}

// deviceInput проверяет принадлежность датчика каске и подставляет casco/miner из каски.
func (s *IngestService) deviceInput(ctx context.Context, casco *model.Casco, in model.ReadingInput) (model.ReadingInput, error) {
	if in.SensorID == "" {
		return in, apperr.Validation("sensorId is required")
	}
	sensor, err := s.sensors.GetByID(ctx, in.SensorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return in, apperr.NotFound("sensor not found")
		}
		return in, apperr.Persistence("sensor lookup failed", err)
	}
	if sensor.CascoID != casco.ID {
		return in, apperr.NotFound("sensor not found in casco")
	}
	in.CascoID = casco.ID
	if in.MinerID == "" && casco.MinerID != nil {
		in.MinerID = *casco.MinerID
	}
	return in, nil
}

// DeviceIngest — приём от каски: проверки устройства до любой записи, затем общий конвейер.
func (s *IngestService) DeviceIngest(ctx context.Context, cascoID, token string, in model.ReadingInput) (*model.SensorReading, error) {
	casco, err := s.AuthenticateDevice(ctx, cascoID, token)
	if err != nil {
		return nil, err
	}
	in, err = s.deviceInput(ctx, casco, in)
	if err != nil {
		return nil, err
	}
	return s.Ingest(ctx, in)
}

// DeviceIngestBatch: токен и каска проверяются один раз; датчик вне каски: ошибка элемента.
func (s *IngestService) DeviceIngestBatch(ctx context.Context, cascoID, token string, inputs []model.ReadingInput) (*BatchResult, error) {
	casco, err := s.AuthenticateDevice(ctx, cascoID, token)
	if err != nil {
		return nil, err
	}
	if err := s.checkBatch(len(inputs)); err != nil {
		return nil, err
	}
	return s.runBatch(ctx, inputs, func(ctx context.Context, in model.ReadingInput) (*model.SensorReading, error) {
		in, err := s.deviceInput(ctx, casco, in)
		if err != nil {
			return nil, err
		}
		return s.Ingest(ctx, in)
	}), nil
}

// maxTimestampMs: 9999-12-31T23:59:59.999Z, дальше int64(ms) теряет смысл.
const maxTimestampMs = 253402300799999

// parseTimestamp: строка ISO-8601 или число (unix ms). Пусто/null: нулевое время.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, apperr.Validation("timestamp must be ISO-8601 or unix milliseconds")
		}
		if str == "" {
			return time.Time{}, nil
		}
		t, err := iso8601.ParseString(str)
		if err != nil {
			if ms, perr := strconv.ParseInt(str, 10, 64); perr == nil && ms > 0 && ms <= maxTimestampMs {
				return time.UnixMilli(ms), nil
			}
			return time.Time{}, apperr.Validation("timestamp must be ISO-8601 or unix milliseconds")
		}
		return t, nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || ms <= 0 || ms > maxTimestampMs || math.IsNaN(ms) {
		return time.Time{}, apperr.Validation("timestamp must be ISO-8601 or unix milliseconds")
	}
	return time.UnixMilli(int64(ms)), nil
}

// unwrapJSONString: blob приходит объектом или JSON-строкой с объектом внутри.
func unwrapJSONString(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if json.Unmarshal(raw, &inner) == nil {
			return json.RawMessage(inner)
		}
	}
	return raw
}

// parseLocation разбирает геопозицию; битая или вне диапазона отбрасывается с предупреждением.
func parseLocation(raw json.RawMessage, sensorID string) *model.Location {
	raw = unwrapJSONString(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var v struct {
		Lat      *float64 `json:"lat"`
		Lon      *float64 `json:"lon"`
		Lng      *float64 `json:"lng"`
		Accuracy *float64 `json:"accuracy"`
		Altitude *float64 `json:"altitude"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warnf("ingest: malformed location dropped sensor=%s: %v", sensorID, err)
		return nil
	}
	lon := v.Lon
	if lon == nil {
		lon = v.Lng
	}
	if v.Lat == nil || lon == nil || *v.Lat < -90 || *v.Lat > 90 || *lon < -180 || *lon > 180 {
		logger.Warnf("ingest: invalid location dropped sensor=%s", sensorID)
		return nil
	}
	return &model.Location{Lat: *v.Lat, Lon: *lon, Accuracy: v.Accuracy, Altitude: v.Altitude}
}

func parseMetadata(raw json.RawMessage, sensorID string) map[string]any {
	raw = unwrapJSONString(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		logger.Warnf("ingest: malformed metadata dropped sensor=%s: %v", sensorID, err)
		return nil
	}
	return m
}
