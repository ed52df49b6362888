package startup

import (
	"context"
	"time"

	redisstorage "github.com/cascowatch/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// window и recentMax: параметры кеша последних показаний.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, window time.Duration, recentMax int, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := untilReady(ctx, "redis connect", maxWait, func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL, window, recentMax)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}
