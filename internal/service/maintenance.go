package service

import (
	"context"
	"time"

	"github.com/cascowatch/internal/logger"
)

// ReadingPurger удаляет показания старше срока хранения.
type ReadingPurger interface {
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// Maintenance — фоновые задачи: повторная доставка уведомлений и срок хранения показаний.
type Maintenance struct {
	dispatcher    *Dispatcher
	purger        ReadingPurger
	sweepInterval time.Duration
	retention     time.Duration
	now           func() time.Time
}

func NewMaintenance(d *Dispatcher, purger ReadingPurger, sweepInterval time.Duration, retentionDays int) *Maintenance {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Maintenance{
		dispatcher:    d,
		purger:        purger,
		sweepInterval: sweepInterval,
		retention:     time.Duration(retentionDays) * 24 * time.Hour,
		now:           time.Now,
	}
}

// PurgeExpiredReadings — один проход удаления по сроку хранения.
func (m *Maintenance) PurgeExpiredReadings(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.retention)
	n, err := m.purger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Infof("retention: deleted %d readings older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Run выполняет проход повторной доставки каждые sweepInterval и очистку раз в час до отмены ctx.
func (m *Maintenance) Run(ctx context.Context) {
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	m.runPurge(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if m.dispatcher == nil {
				continue
			}
			if _, err := m.dispatcher.ProcessPendingNotifications(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("notify sweep: %v", err)
			}
		case <-purge.C:
			m.runPurge(ctx)
		}
	}
}

func (m *Maintenance) runPurge(ctx context.Context) {
	if m.purger == nil {
		return
	}
	if _, err := m.PurgeExpiredReadings(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("retention: %v", err)
	}
}
