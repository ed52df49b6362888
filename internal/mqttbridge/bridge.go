// Package mqttbridge принимает показания касок через MQTT и передаёт их в тот же
// конвейер, что и HTTP-эндпоинты устройств.
//
// Топики:
//
//	<prefix>/<cascoId>/readings        одно показание (JSON)
//	<prefix>/<cascoId>/readings/batch  пакет: {"readings":[...]} или массив
//
// Токен устройства передаётся в user property "device-token" (MQTT v5).
package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/config"
	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/service"
)

const (
	DeviceTokenProperty = "device-token"
	handleTimeout       = 10 * time.Second
	keepAlive           = 30
)

// DeviceIngester — приём показаний устройства (service.IngestService).
type DeviceIngester interface {
	DeviceIngest(ctx context.Context, cascoID, token string, in model.ReadingInput) (*model.SensorReading, error)
	DeviceIngestBatch(ctx context.Context, cascoID, token string, inputs []model.ReadingInput) (*service.BatchResult, error)
}

type Bridge struct {
	cfg    config.MQTTConfig
	ingest DeviceIngester
}

func New(cfg config.MQTTConfig, ingest DeviceIngester) *Bridge {
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cascos"
	}
	return &Bridge{cfg: cfg, ingest: ingest}
}

// Topics — фильтры подписки.
func (b *Bridge) Topics() []string {
	return []string{b.cfg.TopicPrefix + "/+/readings", b.cfg.TopicPrefix + "/+/readings/batch"}
}

// parseTopic возвращает id каски и признак пакета. ok=false: топик не наш.
func (b *Bridge) parseTopic(topic string) (cascoID string, batch bool, ok bool) {
	rest, found := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !found {
		return "", false, false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "readings":
	case len(parts) == 3 && parts[1] == "readings" && parts[2] == "batch":
		batch = true
	default:
		return "", false, false
	}
	if parts[0] == "" {
		return "", false, false
	}
	return parts[0], batch, true
}

// Handle обрабатывает одно сообщение. Ошибка возвращается для лога; ответа устройству нет.
func (b *Bridge) Handle(ctx context.Context, topic string, props paho.UserProperties, payload []byte) error {
	cascoID, batch, ok := b.parseTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	token := strings.TrimSpace(props.Get(DeviceTokenProperty))

	if !batch {
		var in model.ReadingInput
		if err := json.Unmarshal(payload, &in); err != nil {
			return apperr.Validation("invalid reading payload")
		}
		_, err := b.ingest.DeviceIngest(ctx, cascoID, token, in)
		return err
	}

	inputs, err := decodeBatch(payload)
	if err != nil {
		return err
	}
	res, err := b.ingest.DeviceIngestBatch(ctx, cascoID, token, inputs)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		logger.Warnf("mqtt batch casco=%s: %d/%d failed", cascoID, res.Failed, res.Total)
	}
	return nil
}

// decodeBatch принимает {"readings":[...]} или голый массив.
func decodeBatch(payload []byte) ([]model.ReadingInput, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var inputs []model.ReadingInput
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, apperr.Validation("invalid batch payload")
		}
		return inputs, nil
	}
	var wrapped struct {
		Readings []model.ReadingInput `json:"readings"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, apperr.Validation("invalid batch payload")
	}
	return wrapped.Readings, nil
}

func (b *Bridge) onPublish(ctx context.Context) func(paho.PublishReceived) (bool, error) {
	return func(pr paho.PublishReceived) (bool, error) {
		p := pr.Packet
		var props paho.UserProperties
		if p.Properties != nil {
			props = p.Properties.User
		}
		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		defer cancel()
		if err := b.Handle(hctx, p.Topic, props, p.Payload); err != nil {
			if apperr.StatusOf(err) >= 500 {
				logger.Errorf("mqtt %s: %v", p.Topic, err)
			} else {
				logger.Warnf("mqtt %s rejected: %v", p.Topic, err)
			}
		}
		return true, nil
	}
}

// Run подключается к брокеру, подписывается и держит соединение до отмены ctx.
// Переподключение и повторная подписка: на стороне autopaho.
func (b *Bridge) Run(ctx context.Context) error {
	if b.cfg.BrokerURL == "" {
		return errors.New("mqtt broker url is empty")
	}
	u, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt broker url: %w", err)
	}
	subs := make([]paho.SubscribeOptions, 0, 2)
	for _, t := range b.Topics() {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 1})
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Infof("mqtt connected to %s", u.Host)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
				logger.Errorf("mqtt subscribe: %v", err)
				return
			}
			logger.Infof("mqtt subscribed: %s", strings.Join(b.Topics(), ", "))
		},
		OnConnectError: func(err error) {
			logger.Errorf("mqtt connect: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:          b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){b.onPublish(ctx)},
			OnClientError: func(err error) {
				logger.Errorf("mqtt client error: %v", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				logger.Warnf("mqtt server disconnect reason=%d", d.ReasonCode)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.Disconnect(shutdownCtx); err != nil {
		logger.Errorf("mqtt disconnect: %v", err)
	}
	<-cm.Done()
	return nil
}
