package handler

import "net/http"

// ConfigHandler отдаёт публичные параметры конфигурации.
type ConfigHandler struct {
	vapidPublicKey string
}

// NewConfigHandler создаёт обработчик конфигурации. Пустой ключ: push выключен.
func NewConfigHandler(vapidPublicKey string) *ConfigHandler {
	return &ConfigHandler{vapidPublicKey: vapidPublicKey}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeOK(w, http.StatusOK, "", map[string]any{"enabled": false})
		return
	}
	writeOK(w, http.StatusOK, "", map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPublicKey,
	})
}
