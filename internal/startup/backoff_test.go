package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilReadySucceedsImmediately(t *testing.T) {
	calls := 0
	err := untilReady(context.Background(), "x", time.Minute, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestUntilReadyGivesUpAfterDeadline(t *testing.T) {
	boom := errors.New("refused")
	err := untilReady(context.Background(), "db connect", 0, func(context.Context) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "db connect")
}

func TestUntilReadyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := untilReady(ctx, "redis connect", time.Hour, func(context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}
