package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cascowatch/internal/logger"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// untilReady повторяет attempt с удвоением паузы, пока не выйдет maxWait или не отменят ctx.
// Сервисы стартуют раньше БД/Redis в docker-compose; процесс не падает сразу.
func untilReady(ctx context.Context, what string, maxWait time.Duration, attempt func(context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := initialBackoff
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
