package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/storage/memory"
)

const deviceToken = "helmet-token-0123456789abcdefghijklmnop"

type ingestFixture struct {
	svc       *IngestService
	sensors   *fakeSensors
	readings  *fakeReadings
	alerts    *fakeAlerts
	cache     *memory.Client
	broadcast *fakeBroadcaster
}

func newIngestFixture() *ingestFixture {
	sensors := &fakeSensors{
		sensors: map[string]*model.Sensor{
			"S1":  {ID: "S1", CascoID: "C1", Type: model.SensorHeartRate, MinValue: ptr(60.0), MaxValue: ptr(100.0), AlertThreshold: ptr(120.0), Unit: "bpm"},
			"S2":  {ID: "S2", CascoID: "C1", Type: model.SensorGas, MinValue: ptr(0.0), MaxValue: ptr(100.0), AlertThreshold: ptr(50.0), Unit: "ppm"},
			"GPS": {ID: "GPS", CascoID: "C1", Type: model.SensorGPS},
			"X1":  {ID: "X1", CascoID: "C2", Type: model.SensorGas, AlertThreshold: ptr(50.0)},
		},
		cascos: map[string]*model.Casco{
			"C1": {ID: "C1", MinerID: ptr("miner-1"), DeviceTokenHash: HashDeviceToken(deviceToken), Active: true},
			"C2": {ID: "C2", DeviceTokenHash: HashDeviceToken(deviceToken), Active: true},
		},
	}
	f := &ingestFixture{
		sensors:   sensors,
		readings:  &fakeReadings{},
		alerts:    &fakeAlerts{},
		cache:     memory.New(5*time.Minute, 100),
		broadcast: &fakeBroadcaster{},
	}
	f.svc = NewIngestService(f.sensors, f.readings, f.cache, f.alerts, 0)
	f.svc.SetBroadcaster(f.broadcast)
	return f
}

func TestIngestHeartRateAlertScenario(t *testing.T) {
	f := newIngestFixture()
	r, err := f.svc.Ingest(context.Background(), model.ReadingInput{SensorID: "S1", MinerID: "miner-1", Value: ptr(125.0)})
	require.NoError(t, err)

	assert.False(t, r.IsNormal)
	assert.True(t, r.IsAlert)
	assert.Equal(t, "C1", r.CascoID, "casco taken from sensor")
	assert.Equal(t, "bpm", r.Unit)
	require.Len(t, f.alerts.calls, 1)
	assert.Equal(t, "miner-1", f.alerts.calls[0].MinerID)
	require.Len(t, f.readings.inserted, 1)

	recent, err := f.svc.Recent(context.Background(), "S1")
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Equal(t, []model.SensorType{model.SensorHeartRate}, f.broadcast.types)
}

func TestIngestRejectsForeignCasco(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, model.ReadingInput{SensorID: "S1", CascoID: "C2", Value: ptr(80.0)})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
	assert.Empty(t, f.readings.inserted)

	r, err := f.svc.Ingest(ctx, model.ReadingInput{SensorID: "S1", CascoID: "C1", Value: ptr(80.0)})
	require.NoError(t, err)
	assert.Equal(t, "C1", r.CascoID)
}

func TestIngestTimestampOutOfRange(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()
	for _, raw := range []string{`1e300`, `-5`, `253402300800000`} {
		_, err := f.svc.Ingest(ctx, model.ReadingInput{SensorID: "S1", Value: ptr(70.0), Timestamp: json.RawMessage(raw)})
		assert.True(t, apperr.Is(err, apperr.KindValidation), "timestamp %s: got %v", raw, err)
	}
	assert.Empty(t, f.readings.inserted)

	r, err := f.svc.Ingest(ctx, model.ReadingInput{SensorID: "S1", Value: ptr(70.0), Timestamp: json.RawMessage(`253402300799999`)})
	require.NoError(t, err)
	assert.Equal(t, 9999, r.Timestamp.Year())
}

func TestIngestGasBelowThresholdNoAlert(t *testing.T) {
	f := newIngestFixture()
	r, err := f.svc.Ingest(context.Background(), model.ReadingInput{SensorID: "S2", MinerID: "miner-1", Value: ptr(30.0)})
	require.NoError(t, err)
	assert.True(t, r.IsNormal)
	assert.False(t, r.IsAlert)
	assert.Empty(t, f.alerts.calls)
}

func TestIngestAlertWithoutMinerSkipsNotification(t *testing.T) {
	f := newIngestFixture()
	r, err := f.svc.Ingest(context.Background(), model.ReadingInput{SensorID: "S2", Value: ptr(80.0)})
	require.NoError(t, err)
	assert.True(t, r.IsAlert)
	assert.Empty(t, f.alerts.calls)
}

func TestIngestNotificationFailureKeepsReading(t *testing.T) {
	f := newIngestFixture()
	f.alerts.err = errors.New("smtp down")
	r, err := f.svc.Ingest(context.Background(), model.ReadingInput{SensorID: "S2", MinerID: "miner-1", Value: ptr(80.0)})
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Len(t, f.readings.inserted, 1)
}

func TestIngestValidation(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, model.ReadingInput{Value: ptr(1.0)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Ingest(ctx, model.ReadingInput{SensorID: "S1"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Ingest(ctx, model.ReadingInput{SensorID: "nope", Value: ptr(1.0)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.svc.Ingest(ctx, model.ReadingInput{SensorID: "S1", Value: ptr(70.0), Timestamp: json.RawMessage(`"yesterday"`)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, f.readings.inserted)
}

func TestIngestPersistenceFailure(t *testing.T) {
	f := newIngestFixture()
	f.readings.insertErr = errors.New("connection refused")
	_, err := f.svc.Ingest(context.Background(), model.ReadingInput{SensorID: "S1", Value: ptr(70.0)})
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
	assert.Empty(t, f.alerts.calls)
}

func TestIngestParsesBlobs(t *testing.T) {
	f := newIngestFixture()
	r, err := f.svc.Ingest(context.Background(), model.ReadingInput{
		SensorID:  "GPS",
		Value:     ptr(0.0),
		Location:  json.RawMessage(`"{\"lat\":-12.05,\"lng\":-77.04,\"accuracy\":5}"`),
		Metadata:  json.RawMessage(`{"firmware":"1.2"}`),
		Timestamp: json.RawMessage(`"2026-03-01T08:00:00-05:00"`),
	})
	require.NoError(t, err)
	require.NotNil(t, r.Location)
	assert.Equal(t, -77.04, r.Location.Lon)
	assert.Equal(t, 5.0, *r.Location.Accuracy)
	assert.Equal(t, "1.2", r.Metadata["firmware"])
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), r.Timestamp)
	assert.True(t, r.IsNormal)
	assert.False(t, r.IsAlert)
}

func TestIngestDropsMalformedLocation(t *testing.T) {
	f := newIngestFixture()
	r, err := f.svc.Ingest(context.Background(), model.ReadingInput{
		SensorID:  "S1",
		Value:     ptr(70.0),
		Location:  json.RawMessage(`"not json"`),
		Timestamp: json.RawMessage(`1767225600000`),
	})
	require.NoError(t, err)
	assert.Nil(t, r.Location)
	assert.Equal(t, int64(1767225600000), r.Timestamp.UnixMilli())
}

func TestIngestBatchIsolatesFailures(t *testing.T) {
	f := newIngestFixture()
	inputs := make([]model.ReadingInput, 10)
	for i := range inputs {
		inputs[i] = model.ReadingInput{SensorID: "S1", Value: ptr(70.0)}
	}
	inputs[3].SensorID = "missing"

	res, err := f.svc.IngestBatch(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 9, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Index)
	assert.Equal(t, "missing", res.Errors[0].SensorID)
	assert.Equal(t, "sensor not found", res.Errors[0].Error)
}

func TestIngestBatchLimits(t *testing.T) {
	f := newIngestFixture()
	_, err := f.svc.IngestBatch(context.Background(), nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	f.svc.batchMax = 2
	_, err = f.svc.IngestBatch(context.Background(), make([]model.ReadingInput, 3))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDeviceIngestChecks(t *testing.T) {
	ctx := context.Background()
	in := model.ReadingInput{SensorID: "S1", Value: ptr(70.0)}

	cases := []struct {
		name  string
		casco string
		token string
		input model.ReadingInput
		kind  apperr.Kind
	}{
		{"missing token", "C1", "", in, apperr.KindAuth},
		{"malformed token", "C1", "short", in, apperr.KindAuth},
		{"unknown casco", "C9", deviceToken, in, apperr.KindNotFound},
		{"wrong token", "C1", deviceToken + "x", in, apperr.KindAuth},
		{"sensor of other casco", "C1", deviceToken, model.ReadingInput{SensorID: "X1", Value: ptr(1.0)}, apperr.KindNotFound},
		{"unknown sensor", "C1", deviceToken, model.ReadingInput{SensorID: "zz", Value: ptr(1.0)}, apperr.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newIngestFixture()
			_, err := f.svc.DeviceIngest(ctx, tc.casco, tc.token, tc.input)
			assert.True(t, apperr.Is(err, tc.kind), "got %v", err)
			assert.Empty(t, f.readings.inserted, "nothing persisted")
		})
	}
}

func TestDeviceIngestFillsMinerFromCasco(t *testing.T) {
	f := newIngestFixture()
	r, err := f.svc.DeviceIngest(context.Background(), "C1", deviceToken, model.ReadingInput{SensorID: "S1", Value: ptr(130.0)})
	require.NoError(t, err)
	assert.Equal(t, "miner-1", r.MinerID)
	assert.Equal(t, "C1", r.CascoID)
	assert.Len(t, f.alerts.calls, 1)
}

func TestDeviceIngestBatch(t *testing.T) {
	f := newIngestFixture()
	res, err := f.svc.DeviceIngestBatch(context.Background(), "C1", deviceToken, []model.ReadingInput{
		{SensorID: "S1", Value: ptr(70.0)},
		{SensorID: "X1", Value: ptr(1.0)},
		{SensorID: "S2", Value: ptr(10.0)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)

	_, err = f.svc.DeviceIngestBatch(context.Background(), "C1", "", nil)
	assert.True(t, apperr.Is(err, apperr.KindAuth), "token checked before batch shape")
}

func TestAggregateValidation(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()
	_, err := f.svc.Aggregate(ctx, model.ReadingFilter{}, "week", model.AggAvg, "UTC")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.svc.Aggregate(ctx, model.ReadingFilter{}, model.BucketDay, model.AggAvg, "Mars/Olympus")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	points, err := f.svc.Aggregate(ctx, model.ReadingFilter{}, model.BucketDay, model.AggMax, "")
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestTriSeries(t *testing.T) {
	f := newIngestFixture()
	series, err := f.svc.TriSeries(context.Background(), "miner-1", nil, nil, model.BucketHour, "America/Lima")
	require.NoError(t, err)
	assert.Len(t, series, 3)
	assert.Contains(t, series, model.SensorGas)

	_, err = f.svc.TriSeries(context.Background(), "", nil, nil, model.BucketHour, "UTC")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCascoSensors(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	list, err := f.svc.CascoSensors(ctx, "C1")
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"GPS", "S1", "S2"}, ids)

	_, err = f.svc.CascoSensors(ctx, "C9")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
