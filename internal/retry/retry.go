// Package retry: ограниченные повторы с фиксированной паузой для внешних провайдеров.
package retry

import (
	"context"
	"time"

	"github.com/cascowatch/internal/logger"
)

// Task выполняет одну попытку. retryable=false прекращает повторы сразу.
type Task func(ctx context.Context) (retryable bool, err error)

// Fixed — не более MaxAttempts попыток с паузой Delay между ними.
type Fixed struct {
	MaxAttempts int
	Delay       time.Duration

	// sleep подменяется в тестах.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFixed создаёт политику; attempts <= 0 означает одну попытку.
func NewFixed(attempts int, delay time.Duration) Fixed {
	if attempts <= 0 {
		attempts = 1
	}
	return Fixed{MaxAttempts: attempts, Delay: delay}
}

// Do выполняет task до успеха, неповторяемой ошибки, исчерпания попыток или отмены ctx.
// Возвращает последнюю ошибку.
func (f Fixed) Do(ctx context.Context, name string, task Task) error {
	attempts := f.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := f.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 1; ; attempt++ {
		var retryable bool
		retryable, err = task(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Infof("retry %s: succeeded on attempt %d", name, attempt)
			}
			return nil
		}
		if !retryable || attempt >= attempts || ctx.Err() != nil {
			logger.Errorf("retry %s: giving up after attempt %d: %v", name, attempt, err)
			return err
		}
		logger.Debugf("retry %s: attempt %d failed: %v", name, attempt, err)
		if serr := sleep(ctx, f.Delay); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
