package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
)

const (
	readingCols = `r.id, r.sensor_id, r.casco_id, COALESCE(r.miner_id,''), r.value, r.unit, r.ts, r.received_at,
		r.is_normal, r.is_alert, r.battery_level, r.signal_strength, r.location, r.metadata`

	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ReadingRepository — временной ряд показаний (только вставка и чтение).
type ReadingRepository struct {
	pool *pgxpool.Pool
}

func NewReadingRepository(pool *pgxpool.Pool) *ReadingRepository {
	return &ReadingRepository{pool: pool}
}

func (r *ReadingRepository) Insert(ctx context.Context, rd *model.SensorReading) error {
	defer logger.DeferLogDuration("reading.Insert", time.Now())()
	var loc, meta []byte
	if rd.Location != nil {
		loc, _ = json.Marshal(rd.Location)
	}
	if len(rd.Metadata) > 0 {
		meta, _ = json.Marshal(rd.Metadata)
	}
	var minerID *string
	if rd.MinerID != "" {
		minerID = &rd.MinerID
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sensor_readings (id, sensor_id, casco_id, miner_id, value, unit, ts, received_at,
		   is_normal, is_alert, battery_level, signal_strength, location, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rd.ID, rd.SensorID, rd.CascoID, minerID, rd.Value, rd.Unit, rd.Timestamp, rd.ReceivedAt,
		rd.IsNormal, rd.IsAlert, rd.BatteryLevel, rd.SignalStrength, loc, meta,
	)
	if err != nil {
		return fmt.Errorf("readingRepo.Insert: %w", err)
	}
	return nil
}

func scanReading(s interface{ Scan(dest ...any) error }, rd *model.SensorReading) error {
	var loc, meta []byte
	if err := s.Scan(&rd.ID, &rd.SensorID, &rd.CascoID, &rd.MinerID, &rd.Value, &rd.Unit, &rd.Timestamp, &rd.ReceivedAt,
		&rd.IsNormal, &rd.IsAlert, &rd.BatteryLevel, &rd.SignalStrength, &loc, &meta); err != nil {
		return err
	}
	if len(loc) > 0 {
		var l model.Location
		if err := json.Unmarshal(loc, &l); err == nil {
			rd.Location = &l
		}
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &rd.Metadata)
	}
	return nil
}

// whereClause собирает условия выборки по фильтру. Аргументы нумеруются с 1.
type whereClause struct {
	conds []string
	args  []any
	join  bool
}

func (w *whereClause) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *whereClause) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereClause) from() string {
	if w.join {
		return ` FROM sensor_readings r JOIN sensors s ON s.id = r.sensor_id`
	}
	return ` FROM sensor_readings r`
}

func buildWhere(f model.ReadingFilter) *whereClause {
	w := &whereClause{}
	if f.SensorID != "" {
		w.add("r.sensor_id = ?", f.SensorID)
	}
	if f.CascoID != "" {
		w.add("r.casco_id = ?", f.CascoID)
	}
	if f.MinerID != "" {
		w.add("r.miner_id = ?", f.MinerID)
	}
	if f.SensorType != "" {
		w.join = true
		w.add("s.type = ?", string(f.SensorType))
	}
	if f.From != nil {
		w.add("r.ts >= ?", *f.From)
	}
	if f.To != nil {
		w.add("r.ts <= ?", *f.To)
	}
	if f.OnlyAlerts {
		w.conds = append(w.conds, "r.is_alert")
	}
	return w
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}

// List возвращает показания по фильтру, новые первыми.
func (r *ReadingRepository) List(ctx context.Context, f model.ReadingFilter) ([]model.SensorReading, error) {
	defer logger.DeferLogDuration("reading.List", time.Now())()
	w := buildWhere(f)
	q := `SELECT ` + readingCols + w.from() + w.String() +
		` ORDER BY r.ts DESC LIMIT ` + strconv.Itoa(clampLimit(f.Limit))
	rows, err := r.pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("readingRepo.List: %w", err)
	}
	defer rows.Close()
	list := make([]model.SensorReading, 0)
	for rows.Next() {
		var rd model.SensorReading
		if err := scanReading(rows, &rd); err != nil {
			return nil, fmt.Errorf("readingRepo.List scan: %w", err)
		}
		list = append(list, rd)
	}
	return list, rows.Err()
}

// Latest — последнее показание каждого датчика каски.
func (r *ReadingRepository) Latest(ctx context.Context, cascoID string) ([]model.SensorReading, error) {
	defer logger.DeferLogDuration("reading.Latest", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (r.sensor_id) `+readingCols+`
		 FROM sensor_readings r WHERE r.casco_id = $1
		 ORDER BY r.sensor_id, r.ts DESC`, cascoID)
	if err != nil {
		return nil, fmt.Errorf("readingRepo.Latest: %w", err)
	}
	defer rows.Close()
	list := make([]model.SensorReading, 0)
	for rows.Next() {
		var rd model.SensorReading
		if err := scanReading(rows, &rd); err != nil {
			return nil, fmt.Errorf("readingRepo.Latest scan: %w", err)
		}
		list = append(list, rd)
	}
	return list, rows.Err()
}

var (
	bucketUnits = map[model.Bucket]string{
		model.BucketMinute: "minute",
		model.BucketHour:   "hour",
		model.BucketDay:    "day",
	}
	aggFuncs = map[model.Aggregator]string{
		model.AggAvg:   "AVG(r.value)",
		model.AggMin:   "MIN(r.value)",
		model.AggMax:   "MAX(r.value)",
		model.AggSum:   "SUM(r.value)",
		model.AggCount: "COUNT(*)::double precision",
	}
)

// aggregateQuery строит SQL агрегации. Бакет и функция берутся только из белых списков.
func aggregateQuery(f model.ReadingFilter, bucket model.Bucket, agg model.Aggregator, tz string) (string, []any, error) {
	unit, ok := bucketUnits[bucket]
	if !ok {
		return "", nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	fn, ok := aggFuncs[agg]
	if !ok {
		return "", nil, fmt.Errorf("unknown aggregator %q", agg)
	}
	w := buildWhere(f)
	w.args = append(w.args, tz)
	tzArg := "$" + strconv.Itoa(len(w.args))
	b := `(date_trunc('` + unit + `', r.ts AT TIME ZONE ` + tzArg + `) AT TIME ZONE ` + tzArg + `)`
	q := `SELECT ` + b + ` AS bucket, ` + fn + `, COUNT(*)` + w.from() + w.String() +
		` GROUP BY bucket ORDER BY bucket`
	return q, w.args, nil
}

// AggregateTimeSeries усекает время события до бакета в часовом поясе tz и агрегирует значения.
func (r *ReadingRepository) AggregateTimeSeries(ctx context.Context, f model.ReadingFilter, bucket model.Bucket, agg model.Aggregator, tz string) ([]model.SeriesPoint, error) {
	defer logger.DeferLogDuration("reading.AggregateTimeSeries", time.Now())()
	q, args, err := aggregateQuery(f, bucket, agg, tz)
	if err != nil {
		return nil, fmt.Errorf("readingRepo.AggregateTimeSeries: %w", err)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("readingRepo.AggregateTimeSeries: %w", err)
	}
	defer rows.Close()
	points := make([]model.SeriesPoint, 0)
	for rows.Next() {
		var p model.SeriesPoint
		if err := rows.Scan(&p.Bucket, &p.Value, &p.Count); err != nil {
			return nil, fmt.Errorf("readingRepo.AggregateTimeSeries scan: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeleteOlderThan удаляет показания старше t (срок хранения). Возвращает число удалённых строк.
func (r *ReadingRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	defer logger.DeferLogDuration("reading.DeleteOlderThan", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM sensor_readings WHERE ts < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("readingRepo.DeleteOlderThan: %w", err)
	}
	return tag.RowsAffected(), nil
}
