package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/cascowatch/internal/model"
)

// ErrTerminal — токен больше не принимает сообщения (отписан, истёк, повреждён). Его надо удалить.
var ErrTerminal = errors.New("push: terminal token error")

// ErrDisabled — VAPID-ключи не заданы.
var ErrDisabled = errors.New("push: not configured")

// Subscription — подписка из браузера; хранится как токен (JSON) в storage.PushTokenStore.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// ParseToken разбирает токен устройства. Ошибка: ErrTerminal.
func ParseToken(token string) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil || sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, fmt.Errorf("%w: malformed subscription", ErrTerminal)
	}
	return &sub, nil
}

// Message — полезная нагрузка push.
type Message struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Priority model.Priority `json:"priority"`
	Sound    string         `json:"sound,omitempty"`
}

// Provider отправляет Web Push через VAPID.
type Provider struct {
	vapid *webpush.Options
	// send подменяется в тестах.
	send func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
}

// NewProvider создаёт провайдер. Пустые ключи: Send всегда ErrDisabled.
func NewProvider(keys *VAPIDKeys, subscriber string) *Provider {
	p := &Provider{send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		p.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return p
}

func urgency(p model.Priority) webpush.Urgency {
	switch p {
	case model.PriorityCritical, model.PriorityHigh:
		return webpush.UrgencyHigh
	case model.PriorityLow:
		return webpush.UrgencyLow
	}
	return webpush.UrgencyNormal
}

// Send отправляет сообщение на один токен. 404/410 от push-сервиса и битый токен: ErrTerminal.
func (p *Provider) Send(ctx context.Context, token string, msg Message) error {
	if p.vapid == nil {
		return ErrDisabled
	}
	sub, err := ParseToken(token)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	opts := *p.vapid
	opts.Urgency = urgency(msg.Priority)
	if msg.Priority == model.PriorityCritical {
		opts.TTL = 3600
	}
	resp, err := p.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &opts)
	if err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrTerminal, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("push send: status %d", resp.StatusCode)
	}
	return nil
}

// PublicKey — ключ для клиента (GET /api/config/push).
func (p *Provider) PublicKey() string {
	if p.vapid == nil {
		return ""
	}
	return p.vapid.VAPIDPublicKey
}
