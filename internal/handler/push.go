package handler

import (
	"encoding/json"
	"net/http"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/middleware"
	"github.com/cascowatch/internal/push"
	"github.com/cascowatch/internal/storage"
)

// PushHandler обрабатывает подписку на пуш-уведомления (сессия обязательна).
type PushHandler struct {
	tokens storage.PushTokenStore
}

func NewPushHandler(tokens storage.PushTokenStore) *PushHandler {
	return &PushHandler{tokens: tokens}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

// Subscribe сохраняет подписку как push-токен текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, "push subscribe", err)
		return
	}
	sub := req.Subscription
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		writeAppError(w, r, "push subscribe", apperr.Internal("failed to encode subscription", err))
		return
	}
	if err := h.tokens.AddPushToken(r.Context(), middleware.GetUserID(r.Context()), string(raw)); err != nil {
		writeAppError(w, r, "push subscribe", apperr.Persistence("failed to subscribe", err))
		return
	}
	writeOK(w, http.StatusCreated, "subscribed", nil)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe удаляет все токены пользователя с этим endpoint.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, "push unsubscribe", err)
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	tokens, err := h.tokens.ListPushTokens(ctx, userID)
	if err != nil {
		writeAppError(w, r, "push unsubscribe", apperr.Persistence("failed to unsubscribe", err))
		return
	}
	removed := 0
	for _, token := range tokens {
		sub, err := push.ParseToken(token)
		if err != nil || sub.Endpoint != req.Endpoint {
			continue
		}
		if err := h.tokens.RemovePushToken(ctx, userID, token); err != nil {
			writeAppError(w, r, "push unsubscribe", apperr.Persistence("failed to unsubscribe", err))
			return
		}
		removed++
	}
	writeOK(w, http.StatusOK, "unsubscribed", map[string]int{"removed": removed})
}
