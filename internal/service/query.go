package service

import (
	"context"
	"errors"
	"time"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/repository"
)

// Recent — показания датчика из кеша скользящего окна, без обращения к временному ряду.
func (s *IngestService) Recent(ctx context.Context, sensorID string) ([]model.SensorReading, error) {
	list, err := s.cache.Recent(ctx, sensorID)
	if err != nil {
		return nil, apperr.Persistence("recent readings unavailable", err)
	}
	if list == nil {
		list = []model.SensorReading{}
	}
	return list, nil
}

func (s *IngestService) List(ctx context.Context, f model.ReadingFilter) ([]model.SensorReading, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, apperr.Validation("to must not be before from")
	}
	list, err := s.readings.List(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("failed to query readings", err)
	}
	return list, nil
}

func (s *IngestService) Latest(ctx context.Context, cascoID string) ([]model.SensorReading, error) {
	list, err := s.readings.Latest(ctx, cascoID)
	if err != nil {
		return nil, apperr.Persistence("failed to query readings", err)
	}
	return list, nil
}

// CascoSensors — датчики каски; отсутствующая каска: NotFound.
func (s *IngestService) CascoSensors(ctx context.Context, cascoID string) ([]model.Sensor, error) {
	if _, err := s.sensors.GetCasco(ctx, cascoID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("casco not found")
		}
		return nil, apperr.Persistence("casco lookup failed", err)
	}
	list, err := s.sensors.ListByCasco(ctx, cascoID)
	if err != nil {
		return nil, apperr.Persistence("failed to list sensors", err)
	}
	return list, nil
}

// ValidateSeriesParams проверяет бакет, агрегатор и часовой пояс (IANA).
func ValidateSeriesParams(bucket model.Bucket, agg model.Aggregator, tz string) error {
	switch bucket {
	case model.BucketMinute, model.BucketHour, model.BucketDay:
	default:
		return apperr.Validationf("bucket must be minute, hour or day, got %q", bucket)
	}
	switch agg {
	case model.AggAvg, model.AggMin, model.AggMax, model.AggSum, model.AggCount:
	default:
		return apperr.Validationf("aggregator must be avg, min, max, sum or count, got %q", agg)
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return apperr.Validationf("unknown timezone %q", tz)
	}
	return nil
}

// Aggregate — агрегированный временной ряд по фильтру.
func (s *IngestService) Aggregate(ctx context.Context, f model.ReadingFilter, bucket model.Bucket, agg model.Aggregator, tz string) ([]model.SeriesPoint, error) {
	if tz == "" {
		tz = "UTC"
	}
	if err := ValidateSeriesParams(bucket, agg, tz); err != nil {
		return nil, err
	}
	points, err := s.readings.AggregateTimeSeries(ctx, f, bucket, agg, tz)
	if err != nil {
		return nil, apperr.Persistence("failed to aggregate readings", err)
	}
	return points, nil
}

// TriSeriesTypes — ряды панели шахтёра.
var TriSeriesTypes = []model.SensorType{model.SensorHeartRate, model.SensorBodyTemperature, model.SensorGas}

// TriSeries — средние по бакетам для пульса, температуры тела и газа шахтёра.
func (s *IngestService) TriSeries(ctx context.Context, minerID string, from, to *time.Time, bucket model.Bucket, tz string) (map[model.SensorType][]model.SeriesPoint, error) {
	if minerID == "" {
		return nil, apperr.Validation("minerId is required")
	}
	out := make(map[model.SensorType][]model.SeriesPoint, len(TriSeriesTypes))
	for _, typ := range TriSeriesTypes {
		points, err := s.Aggregate(ctx, model.ReadingFilter{MinerID: minerID, SensorType: typ, From: from, To: to}, bucket, model.AggAvg, tz)
		if err != nil {
			return nil, err
		}
		out[typ] = points
	}
	return out, nil
}
