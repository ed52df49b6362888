package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"))

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.allow("a"))
}

func TestMaskSessionID(t *testing.T) {
	assert.Equal(t, "****", MaskSessionID("abc"))
	assert.Equal(t, "abcd***", MaskSessionID("abcdef0123"))
}
