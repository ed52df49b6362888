package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/middleware"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/service"
)

// Authenticator — операции AuthService, которые нужны HTTP-слою.
type Authenticator interface {
	Login(ctx context.Context, email, password string, meta model.SessionMeta) (*service.LoginResult, error)
	RefreshWithToken(ctx context.Context, sessionID, refreshToken string) string
	RevokeSession(ctx context.Context, sessionID string) error
	RevokeAllSessions(ctx context.Context, userID string) (int, error)
	ListSessions(ctx context.Context, userID, currentSessionID string) ([]model.SessionPublic, error)
}

type AuthHandler struct {
	auth Authenticator
}

func NewAuthHandler(auth Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceInfo string `json:"deviceInfo"`
}

type refreshRequest struct {
	SessionID    string `json:"sessionId"`
	RefreshToken string `json:"refreshToken"`
}

func sessionMeta(r *http.Request, deviceInfo string) model.SessionMeta {
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx > 0 {
		ip = ip[:idx]
	}
	return model.SessionMeta{DeviceInfo: deviceInfo, IPAddress: ip, UserAgent: r.UserAgent()}
}

// Login проверяет email и пароль и выдаёт токены (POST /api/auth/login).
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, "auth login", err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	res, err := h.auth.Login(r.Context(), req.Email, req.Password, sessionMeta(r, req.DeviceInfo))
	if err != nil {
		writeAppError(w, r, "auth login", err)
		return
	}
	writeOK(w, http.StatusOK, "login successful", res)
}

// Refresh выдаёт новый access-токен по refresh-токену. Refresh-токен не ротируется.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, "auth refresh", err)
		return
	}
	token := h.auth.RefreshWithToken(r.Context(), req.SessionID, req.RefreshToken)
	if token == "" {
		writeAppError(w, r, "auth refresh", apperr.Unauthorized("session expired or refresh token invalid"))
		return
	}
	writeOK(w, http.StatusOK, "token refreshed", map[string]string{"accessToken": token})
}

// Logout отзывает текущую сессию.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.RevokeSession(r.Context(), middleware.GetSessionID(r.Context())); err != nil {
		writeAppError(w, r, "auth logout", err)
		return
	}
	writeOK(w, http.StatusOK, "logged out", nil)
}

// LogoutAll отзывает все сессии пользователя.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.auth.RevokeAllSessions(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, "auth logout-all", err)
		return
	}
	writeOK(w, http.StatusOK, "all sessions revoked", map[string]int{"revoked": n})
}

// Sessions возвращает активные сессии пользователя.
func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.auth.ListSessions(ctx, middleware.GetUserID(ctx), middleware.GetSessionID(ctx))
	if err != nil {
		writeAppError(w, r, "auth sessions", err)
		return
	}
	if list == nil {
		list = []model.SessionPublic{}
	}
	writeOK(w, http.StatusOK, "", list)
}

// Me возвращает текущего пользователя.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeOK(w, http.StatusOK, "", user.ToPublic())
}
