package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/middleware"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/service"
)

// maxBulkNotifications — предел одной рассылки.
const maxBulkNotifications = 1000

// NotificationAPI — операции service.Dispatcher для HTTP.
type NotificationAPI interface {
	Send(ctx context.Context, spec model.NotificationSpec) (*model.Notification, error)
	SendBulk(ctx context.Context, specs []model.NotificationSpec) *service.BulkResult
	List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	Get(ctx context.Context, id, userID string) (*model.Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, id, userID string) error
	Clear(ctx context.Context, userID string) (int64, error)
}

type NotificationHandler struct {
	notifications NotificationAPI
}

func NewNotificationHandler(notifications NotificationAPI) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// List возвращает уведомления пользователя (?unread=true&limit=50&offset=0).
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	list, err := h.notifications.List(r.Context(), middleware.GetUserID(r.Context()), queryBool(r, "unread"), limit, offset)
	if err != nil {
		writeAppError(w, r, "notifications list", err)
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	writeOK(w, http.StatusOK, "", list)
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.UnreadCount(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, "notifications unread-count", err)
		return
	}
	writeOK(w, http.StatusOK, "", map[string]int{"count": n})
}

func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, "notifications get", err)
		return
	}
	writeOK(w, http.StatusOK, "", n)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.MarkRead(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeAppError(w, r, "notifications read", err)
		return
	}
	writeOK(w, http.StatusOK, "notification marked as read", nil)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.MarkAllRead(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, "notifications read-all", err)
		return
	}
	writeOK(w, http.StatusOK, "notifications marked as read", map[string]int64{"updated": n})
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.Delete(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeAppError(w, r, "notifications delete", err)
		return
	}
	writeOK(w, http.StatusOK, "notification deleted", nil)
}

func (h *NotificationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.Clear(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, "notifications clear", err)
		return
	}
	writeOK(w, http.StatusOK, "notifications deleted", map[string]int64{"deleted": n})
}

// Send создаёт и доставляет одно уведомление (supervisor/admin).
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var spec model.NotificationSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeAppError(w, r, "notifications send", err)
		return
	}
	n, err := h.notifications.Send(r.Context(), spec)
	if err != nil {
		writeAppError(w, r, "notifications send", err)
		return
	}
	writeOK(w, http.StatusCreated, "notification sent", n)
}

type bulkRequest struct {
	Notifications []model.NotificationSpec `json:"notifications"`
}

// SendBulk создаёт пачку уведомлений. Ошибки отдельных элементов в failedIndexes.
func (h *NotificationHandler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, "notifications bulk", err)
		return
	}
	if len(req.Notifications) == 0 {
		writeAppError(w, r, "notifications bulk", apperr.Validation("notifications must be a non-empty array"))
		return
	}
	if len(req.Notifications) > maxBulkNotifications {
		writeAppError(w, r, "notifications bulk", apperr.Validationf("too many notifications, max %d", maxBulkNotifications))
		return
	}
	res := h.notifications.SendBulk(r.Context(), req.Notifications)
	writeOK(w, http.StatusCreated, "bulk processed", res)
}
