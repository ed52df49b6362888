package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
)

const sensorCols = `id, casco_id, type, min_value, max_value, unit, sample_rate, alert_threshold, active`

// SensorRepository — конфигурация касок и датчиков, только чтение.
type SensorRepository struct {
	pool *pgxpool.Pool
}

func NewSensorRepository(pool *pgxpool.Pool) *SensorRepository {
	return &SensorRepository{pool: pool}
}

func scanSensor(s interface{ Scan(dest ...any) error }, sn *model.Sensor) error {
	var typ string
	if err := s.Scan(&sn.ID, &sn.CascoID, &typ, &sn.MinValue, &sn.MaxValue, &sn.Unit, &sn.SampleRate, &sn.AlertThreshold, &sn.Active); err != nil {
		return err
	}
	sn.Type = model.SensorType(typ)
	return nil
}

func (r *SensorRepository) GetByID(ctx context.Context, id string) (*model.Sensor, error) {
	defer logger.DeferLogDuration("sensor.GetByID", time.Now())()
	sn := &model.Sensor{}
	if err := scanSensor(r.pool.QueryRow(ctx, `SELECT `+sensorCols+` FROM sensors WHERE id = $1`, id), sn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sensorRepo.GetByID: %w", err)
	}
	return sn, nil
}

func (r *SensorRepository) ListByCasco(ctx context.Context, cascoID string) ([]model.Sensor, error) {
	defer logger.DeferLogDuration("sensor.ListByCasco", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT `+sensorCols+` FROM sensors WHERE casco_id = $1 ORDER BY type, id`, cascoID)
	if err != nil {
		return nil, fmt.Errorf("sensorRepo.ListByCasco: %w", err)
	}
	defer rows.Close()
	var list []model.Sensor
	for rows.Next() {
		var sn model.Sensor
		if err := scanSensor(rows, &sn); err != nil {
			return nil, fmt.Errorf("sensorRepo.ListByCasco scan: %w", err)
		}
		list = append(list, sn)
	}
	return list, rows.Err()
}

func (r *SensorRepository) GetCasco(ctx context.Context, id string) (*model.Casco, error) {
	defer logger.DeferLogDuration("sensor.GetCasco", time.Now())()
	c := &model.Casco{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, serial, miner_id, team_id, device_token_hash, active, created_at FROM cascos WHERE id = $1`, id,
	).Scan(&c.ID, &c.Serial, &c.MinerID, &c.TeamID, &c.DeviceTokenHash, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sensorRepo.GetCasco: %w", err)
	}
	return c, nil
}
