package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
)

const notificationCols = `id, user_id, type, title, message, priority, is_read, data, delivery_channels, email_sent, push_sent, created_at`

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func scanNotification(s interface{ Scan(dest ...any) error }, n *model.Notification) error {
	var (
		typ, prio string
		data      []byte
		channels  []string
	)
	if err := s.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &prio, &n.IsRead, &data, &channels, &n.EmailSent, &n.PushSent, &n.CreatedAt); err != nil {
		return err
	}
	n.Type = model.NotificationType(typ)
	n.Priority = model.Priority(prio)
	n.DeliveryChannels = make([]model.Channel, len(channels))
	for i, c := range channels {
		n.DeliveryChannels[i] = model.Channel(c)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &n.Data)
	}
	return nil
}

func (r *NotificationRepository) collect(rows pgx.Rows, op string) ([]model.Notification, error) {
	defer rows.Close()
	list := make([]model.Notification, 0)
	for rows.Next() {
		var n model.Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, fmt.Errorf("notificationRepo.%s scan: %w", op, err)
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// Create сохраняет строку уведомления. Флаги доставки всегда стартуют с false.
func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	defer logger.DeferLogDuration("notification.Create", time.Now())()
	var data []byte
	if len(n.Data) > 0 {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return fmt.Errorf("notificationRepo.Create marshal: %w", err)
		}
	}
	channels := make([]string, len(n.DeliveryChannels))
	for i, c := range n.DeliveryChannels {
		channels[i] = string(c)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, priority, is_read, data, delivery_channels, email_sent, push_sent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, string(n.Priority), n.IsRead, data, channels, n.EmailSent, n.PushSent, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notificationRepo.Create: %w", err)
	}
	return nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*model.Notification, error) {
	defer logger.DeferLogDuration("notification.GetByID", time.Now())()
	n := &model.Notification{}
	if err := scanNotification(r.pool.QueryRow(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = $1`, id), n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("notificationRepo.GetByID: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notification.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE user_id = $1 AND (NOT $2 OR NOT is_read)
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		userID, unreadOnly, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("notificationRepo.ListByUser: %w", err)
	}
	return r.collect(rows, "ListByUser")
}

func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("notification.CountUnread", time.Now())()
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("notificationRepo.CountUnread: %w", err)
	}
	return n, nil
}

// MarkRead отмечает уведомление пользователя прочитанным; чужое или отсутствующее: ErrNotFound.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("notification.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("notificationRepo.MarkRead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	defer logger.DeferLogDuration("notification.MarkAllRead", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, fmt.Errorf("notificationRepo.MarkAllRead: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) Delete(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("notification.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("notificationRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	defer logger.DeferLogDuration("notification.DeleteAllForUser", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("notificationRepo.DeleteAllForUser: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) SetEmailSent(ctx context.Context, id string, sent bool) error {
	defer logger.DeferLogDuration("notification.SetEmailSent", time.Now())()
	if _, err := r.pool.Exec(ctx, `UPDATE notifications SET email_sent = $2 WHERE id = $1`, id, sent); err != nil {
		return fmt.Errorf("notificationRepo.SetEmailSent: %w", err)
	}
	return nil
}

func (r *NotificationRepository) SetPushSent(ctx context.Context, id string, sent bool) error {
	defer logger.DeferLogDuration("notification.SetPushSent", time.Now())()
	if _, err := r.pool.Exec(ctx, `UPDATE notifications SET push_sent = $2 WHERE id = $1`, id, sent); err != nil {
		return fmt.Errorf("notificationRepo.SetPushSent: %w", err)
	}
	return nil
}

// ListPendingEmail — уведомления с каналом email и email_sent = false, созданные не раньше since.
func (r *NotificationRepository) ListPendingEmail(ctx context.Context, since time.Time, limit int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notification.ListPendingEmail", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE NOT email_sent AND 'email' = ANY(delivery_channels) AND created_at >= $1
		 ORDER BY created_at LIMIT $2`, since, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("notificationRepo.ListPendingEmail: %w", err)
	}
	return r.collect(rows, "ListPendingEmail")
}

// ListPendingPush — то же для push.
func (r *NotificationRepository) ListPendingPush(ctx context.Context, since time.Time, limit int) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notification.ListPendingPush", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE NOT push_sent AND 'push' = ANY(delivery_channels) AND created_at >= $1
		 ORDER BY created_at LIMIT $2`, since, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("notificationRepo.ListPendingPush: %w", err)
	}
	return r.collect(rows, "ListPendingPush")
}
