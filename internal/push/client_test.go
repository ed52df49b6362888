package push

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascowatch/internal/model"
)

const validToken = `{"endpoint":"https://push.example/abc","keys":{"p256dh":"key","auth":"secret"}}`

func providerWithStatus(status int, got *webpush.Options) *Provider {
	p := NewProvider(&VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}, "ops@example.com")
	p.send = func(_ context.Context, _ []byte, _ *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		if got != nil {
			*got = *opts
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return p
}

func TestSendTerminalStatuses(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		err := providerWithStatus(status, nil).Send(context.Background(), validToken, Message{Title: "t"})
		assert.True(t, errors.Is(err, ErrTerminal), "status %d", status)
	}
}

func TestSendTransientFailure(t *testing.T) {
	err := providerWithStatus(http.StatusServiceUnavailable, nil).Send(context.Background(), validToken, Message{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTerminal))
}

func TestSendUrgencyFromPriority(t *testing.T) {
	var opts webpush.Options
	require.NoError(t, providerWithStatus(http.StatusCreated, &opts).Send(context.Background(), validToken, Message{Priority: model.PriorityCritical}))
	assert.Equal(t, webpush.UrgencyHigh, opts.Urgency)
	assert.Equal(t, 3600, opts.TTL)
}

func TestMalformedTokenIsTerminal(t *testing.T) {
	err := providerWithStatus(http.StatusCreated, nil).Send(context.Background(), "not-json", Message{})
	assert.True(t, errors.Is(err, ErrTerminal))
}

func TestDisabledProvider(t *testing.T) {
	p := NewProvider(nil, "")
	assert.ErrorIs(t, p.Send(context.Background(), validToken, Message{}), ErrDisabled)
	assert.Empty(t, p.PublicKey())
}
