package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/email"
	"github.com/cascowatch/internal/evaluator"
	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/push"
	"github.com/cascowatch/internal/repository"
	"github.com/cascowatch/internal/retry"
	"github.com/cascowatch/internal/storage"
)

// NotificationStore — строки уведомлений. Меняются только флаги прочтения и доставки.
type NotificationStore interface {
	Create(ctx context.Context, n *model.Notification) error
	GetByID(ctx context.Context, id string) (*model.Notification, error)
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, id, userID string) error
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	SetEmailSent(ctx context.Context, id string, sent bool) error
	SetPushSent(ctx context.Context, id string, sent bool) error
	ListPendingEmail(ctx context.Context, since time.Time, limit int) ([]model.Notification, error)
	ListPendingPush(ctx context.Context, since time.Time, limit int) ([]model.Notification, error)
}

// Mailer — email-провайдер {to, subject, html}.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// PushSender — отправка на один токен; push.ErrTerminal означает, что токен надо удалить.
type PushSender interface {
	Send(ctx context.Context, token string, msg push.Message) error
}

// RealtimeNotifier доставляет созданное уведомление в канал пользователя.
type RealtimeNotifier interface {
	NotifyUser(userID string, n *model.Notification)
}

type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type DispatcherConfig struct {
	RetryAttempts int
	RetryDelay    time.Duration
	SweepBatch    int
	SweepMaxAge   time.Duration
	// BulkConcurrency ограничивает параллельные доставки в SendBulk.
	BulkConcurrency int
}

type Dispatcher struct {
	store    NotificationStore
	users    UserLookup
	tokens   storage.PushTokenStore
	mailer   Mailer
	pusher   PushSender
	realtime RealtimeNotifier
	retry    retry.Fixed
	cfg      DispatcherConfig
	now      func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, store NotificationStore, users UserLookup, tokens storage.PushTokenStore, mailer Mailer, pusher PushSender) *Dispatcher {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.SweepMaxAge <= 0 {
		cfg.SweepMaxAge = 24 * time.Hour
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 8
	}
	return &Dispatcher{
		store: store, users: users, tokens: tokens, mailer: mailer, pusher: pusher,
		retry: retry.NewFixed(cfg.RetryAttempts, cfg.RetryDelay),
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetRealtime подключает рассылку в websocket (hub создаётся после диспетчера).
func (d *Dispatcher) SetRealtime(r RealtimeNotifier) {
	d.realtime = r
}

// EligibleChannels — каналы, допустимые для приоритета. database есть всегда.
func EligibleChannels(p model.Priority) []model.Channel {
	switch p {
	case model.PriorityCritical:
		return []model.Channel{model.ChannelDatabase, model.ChannelPush, model.ChannelEmail}
	case model.PriorityHigh, model.PriorityMedium:
		return []model.Channel{model.ChannelDatabase, model.ChannelPush}
	}
	return []model.Channel{model.ChannelDatabase}
}

// ResolveChannels пересекает запрошенные каналы с допустимыми. Пустой запрос: все допустимые.
func ResolveChannels(p model.Priority, requested []model.Channel) []model.Channel {
	eligible := EligibleChannels(p)
	if len(requested) == 0 {
		return eligible
	}
	want := make(map[model.Channel]bool, len(requested))
	for _, c := range requested {
		want[c] = true
	}
	out := []model.Channel{model.ChannelDatabase}
	for _, c := range eligible[1:] {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher) build(spec model.NotificationSpec) (*model.Notification, error) {
	if spec.UserID == "" {
		return nil, apperr.Validation("userId is required")
	}
	if spec.Title == "" || spec.Message == "" {
		return nil, apperr.Validation("title and message are required")
	}
	switch spec.Type {
	case "":
		spec.Type = model.NotificationGeneral
	case model.NotificationSensor, model.NotificationSupervisor, model.NotificationGeneral:
	default:
		return nil, apperr.Validationf("unknown notification type %q", spec.Type)
	}
	if spec.Priority == "" {
		spec.Priority = model.PriorityMedium
	}
	if !spec.Priority.Valid() {
		return nil, apperr.Validationf("unknown priority %q", spec.Priority)
	}
	for _, c := range spec.Channels {
		switch c {
		case model.ChannelDatabase, model.ChannelPush, model.ChannelEmail:
		default:
			return nil, apperr.Validationf("unknown delivery channel %q", c)
		}
	}
	return &model.Notification{
		ID:               uuid.NewString(),
		UserID:           spec.UserID,
		Type:             spec.Type,
		Title:            spec.Title,
		Message:          spec.Message,
		Priority:         spec.Priority,
		Data:             spec.Data,
		DeliveryChannels: ResolveChannels(spec.Priority, spec.Channels),
		CreatedAt:        d.now().UTC(),
	}, nil
}

// persist сохраняет строку раньше любой доставки: уведомление не теряется при сбое провайдера.
func (d *Dispatcher) persist(ctx context.Context, spec model.NotificationSpec) (*model.Notification, error) {
	n, err := d.build(spec)
	if err != nil {
		return nil, err
	}
	if err := d.store.Create(ctx, n); err != nil {
		return nil, apperr.Persistence("failed to store notification", err)
	}
	if d.realtime != nil {
		d.realtime.NotifyUser(n.UserID, n)
	}
	return n, nil
}

// Send сохраняет уведомление и доставляет его по каналам. Сбой канала не влияет на другие и на результат.
func (d *Dispatcher) Send(ctx context.Context, spec model.NotificationSpec) (*model.Notification, error) {
	n, err := d.persist(ctx, spec)
	if err != nil {
		return nil, err
	}
	d.deliver(context.WithoutCancel(ctx), n)
	return n, nil
}

// BulkResult — итог SendBulk.
type BulkResult struct {
	Created       []*model.Notification `json:"created"`
	Failed        int                   `json:"failed"`
	FailedIndexes []int                 `json:"failedIndexes"`
}

// SendBulk: сначала сохраняются все, затем доставка параллельно. Целиком не падает никогда.
func (d *Dispatcher) SendBulk(ctx context.Context, specs []model.NotificationSpec) *BulkResult {
	res := &BulkResult{Created: make([]*model.Notification, 0, len(specs)), FailedIndexes: []int{}}
	for i, spec := range specs {
		n, err := d.persist(ctx, spec)
		if err != nil {
			logger.Errorf("notify bulk: item %d user=%s: %v", i, spec.UserID, err)
			res.Failed++
			res.FailedIndexes = append(res.FailedIndexes, i)
			continue
		}
		res.Created = append(res.Created, n)
	}
	var g errgroup.Group
	g.SetLimit(d.cfg.BulkConcurrency)
	deliverCtx := context.WithoutCancel(ctx)
	for _, n := range res.Created {
		g.Go(func() error {
			d.deliver(deliverCtx, n)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// deliver запускает email и push параллельно и ждёт оба. Ошибки каналов только логируются.
func (d *Dispatcher) deliver(ctx context.Context, n *model.Notification) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if n.HasChannel(model.ChannelEmail) && !n.EmailSent {
		g.Go(func() error {
			err := d.deliverEmail(ctx, n)
			mu.Lock()
			n.EmailSent = err == nil
			mu.Unlock()
			if err != nil {
				logger.Errorf("notify: email notification=%s: %v", n.ID, err)
			}
			return nil
		})
	}
	if n.HasChannel(model.ChannelPush) && !n.PushSent {
		g.Go(func() error {
			err := d.deliverPush(ctx, n)
			mu.Lock()
			n.PushSent = err == nil
			mu.Unlock()
			if err != nil {
				logger.Errorf("notify: push notification=%s: %v", n.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliverEmail(ctx context.Context, n *model.Notification) error {
	if d.mailer == nil {
		return apperr.Delivery("email disabled", nil)
	}
	user, err := d.users.GetByID(ctx, n.UserID)
	if err != nil {
		return apperr.Delivery("recipient lookup failed", err)
	}
	html, err := email.RenderNotification(email.NotificationView{
		Title:    n.Title,
		Message:  n.Message,
		Priority: string(n.Priority),
		Details:  n.Data,
		At:       n.CreatedAt.Format(time.RFC1123),
	})
	if err != nil {
		return apperr.Internal("render email", err)
	}
	subject := n.Title
	if n.Priority == model.PriorityCritical {
		subject = "[CRÍTICO] " + subject
	}
	err = d.retry.Do(ctx, "email "+n.ID, func(ctx context.Context) (bool, error) {
		err := d.mailer.Send(ctx, user.Email, subject, html)
		return !errors.Is(err, email.ErrNotConfigured), err
	})
	if err != nil {
		return apperr.Delivery("email provider failed", err)
	}
	if err := d.store.SetEmailSent(ctx, n.ID, true); err != nil {
		return apperr.Persistence("failed to flag email sent", err)
	}
	return nil
}

// deliverPush пробует каждый токен. Успех: хотя бы один токен принял сообщение.
// Токены с терминальной ошибкой удаляются.
func (d *Dispatcher) deliverPush(ctx context.Context, n *model.Notification) error {
	if d.pusher == nil {
		return apperr.Delivery("push disabled", nil)
	}
	tokens, err := d.tokens.ListPushTokens(ctx, n.UserID)
	if err != nil {
		return apperr.Delivery("push tokens unavailable", err)
	}
	if len(tokens) == 0 {
		return apperr.Delivery("no push tokens", nil)
	}
	msg := push.Message{Title: n.Title, Body: n.Message, Data: pushData(n), Priority: n.Priority}
	if n.Priority == model.PriorityCritical {
		msg.Sound = "alarm"
	}
	delivered := 0
	var lastErr error
	for i, token := range tokens {
		err := d.retry.Do(ctx, "push "+n.ID+" #"+strconv.Itoa(i), func(ctx context.Context) (bool, error) {
			err := d.pusher.Send(ctx, token, msg)
			return !errors.Is(err, push.ErrTerminal) && !errors.Is(err, push.ErrDisabled), err
		})
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, push.ErrTerminal):
			if rmErr := d.tokens.RemovePushToken(ctx, n.UserID, token); rmErr != nil {
				logger.Errorf("notify: remove push token user=%s: %v", n.UserID, rmErr)
			} else {
				logger.Infof("notify: removed dead push token user=%s", n.UserID)
			}
			lastErr = err
		default:
			lastErr = err
		}
	}
	if delivered == 0 {
		return apperr.Delivery("push provider failed", lastErr)
	}
	if err := d.store.SetPushSent(ctx, n.ID, true); err != nil {
		return apperr.Persistence("failed to flag push sent", err)
	}
	return nil
}

func pushData(n *model.Notification) map[string]any {
	data := map[string]any{"notificationId": n.ID, "type": string(n.Type)}
	for k, v := range n.Data {
		data[k] = v
	}
	return data
}

var sensorAlertTitles = map[model.SensorType]string{
	model.SensorHeartRate:       "Alerta de ritmo cardíaco",
	model.SensorBodyTemperature: "Alerta de temperatura corporal",
	model.SensorGas:             "Alerta de gas",
	model.SensorGPS:             "Alerta de ubicación",
}

// SendSensorAlert — уведомление шахтёру о тревожном показании. Приоритет — по отклонению от порога.
func (d *Dispatcher) SendSensorAlert(ctx context.Context, r *model.SensorReading, sensor *model.Sensor) (*model.Notification, error) {
	if r.MinerID == "" {
		return nil, apperr.Validation("reading has no minerId")
	}
	priority := evaluator.AlertPriority(r.Value, *sensor)
	title, ok := sensorAlertTitles[sensor.Type]
	if !ok {
		title = "Alerta de sensor"
	}
	data := map[string]any{
		"readingId":  r.ID,
		"sensorId":   r.SensorID,
		"cascoId":    r.CascoID,
		"sensorType": string(sensor.Type),
		"value":      r.Value,
		"unit":       r.Unit,
		"timestamp":  r.Timestamp.Format(time.RFC3339),
	}
	if sensor.AlertThreshold != nil {
		data["threshold"] = *sensor.AlertThreshold
	}
	return d.Send(ctx, model.NotificationSpec{
		UserID:   r.MinerID,
		Type:     model.NotificationSensor,
		Title:    title,
		Message:  fmt.Sprintf("Lectura %.2f %s fuera de umbral en casco %s", r.Value, r.Unit, r.CascoID),
		Priority: priority,
		Data:     data,
	})
}

// PendingResult — итог прохода повторной доставки.
type PendingResult struct {
	EmailAttempted int `json:"emailAttempted"`
	EmailSent      int `json:"emailSent"`
	PushAttempted  int `json:"pushAttempted"`
	PushSent       int `json:"pushSent"`
}

func (d *Dispatcher) sweepSince() time.Time {
	return d.now().Add(-d.cfg.SweepMaxAge)
}

// PendingEmail — уведомления с каналом email, ещё не отправленные.
func (d *Dispatcher) PendingEmail(ctx context.Context, limit int) ([]model.Notification, error) {
	list, err := d.store.ListPendingEmail(ctx, d.sweepSince(), limit)
	if err != nil {
		return nil, apperr.Persistence("failed to list pending notifications", err)
	}
	return list, nil
}

// PendingPush — то же для push.
func (d *Dispatcher) PendingPush(ctx context.Context, limit int) ([]model.Notification, error) {
	list, err := d.store.ListPendingPush(ctx, d.sweepSince(), limit)
	if err != nil {
		return nil, apperr.Persistence("failed to list pending notifications", err)
	}
	return list, nil
}

// ProcessPendingNotifications повторяет доставку по каналам, где флаг sent ещё false.
// Старше SweepMaxAge не берутся.
func (d *Dispatcher) ProcessPendingNotifications(ctx context.Context) (*PendingResult, error) {
	defer logger.DeferLogDuration("notify.ProcessPending", time.Now())()
	res := &PendingResult{}
	emails, err := d.PendingEmail(ctx, d.cfg.SweepBatch)
	if err != nil {
		return nil, err
	}
	for i := range emails {
		res.EmailAttempted++
		if err := d.deliverEmail(ctx, &emails[i]); err != nil {
			logger.Debugf("notify sweep: email notification=%s: %v", emails[i].ID, err)
			continue
		}
		res.EmailSent++
	}
	pushes, err := d.PendingPush(ctx, d.cfg.SweepBatch)
	if err != nil {
		return nil, err
	}
	for i := range pushes {
		res.PushAttempted++
		if err := d.deliverPush(ctx, &pushes[i]); err != nil {
			logger.Debugf("notify sweep: push notification=%s: %v", pushes[i].ID, err)
			continue
		}
		res.PushSent++
	}
	if res.EmailAttempted+res.PushAttempted > 0 {
		logger.Infof("notify sweep: email %d/%d push %d/%d", res.EmailSent, res.EmailAttempted, res.PushSent, res.PushAttempted)
	}
	return res, nil
}

func (d *Dispatcher) List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error) {
	list, err := d.store.ListByUser(ctx, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, apperr.Persistence("failed to list notifications", err)
	}
	return list, nil
}

func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := d.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, apperr.Persistence("failed to count notifications", err)
	}
	return n, nil
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("notification not found")
	}
	return apperr.Persistence(msg, err)
}

func (d *Dispatcher) MarkRead(ctx context.Context, id, userID string) error {
	if err := d.store.MarkRead(ctx, id, userID); err != nil {
		return notFoundOr(err, "failed to update notification")
	}
	return nil
}

func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := d.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, apperr.Persistence("failed to update notifications", err)
	}
	return n, nil
}

func (d *Dispatcher) Delete(ctx context.Context, id, userID string) error {
	if err := d.store.Delete(ctx, id, userID); err != nil {
		return notFoundOr(err, "failed to delete notification")
	}
	return nil
}

func (d *Dispatcher) Clear(ctx context.Context, userID string) (int64, error) {
	n, err := d.store.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, apperr.Persistence("failed to delete notifications", err)
	}
	return n, nil
}

// Get — уведомление пользователя; чужое читается как отсутствующее.
func (d *Dispatcher) Get(ctx context.Context, id, userID string) (*model.Notification, error) {
	n, err := d.store.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "failed to load notification")
	}
	if n.UserID != userID {
		return nil, apperr.NotFound("notification not found")
	}
	return n, nil
}
