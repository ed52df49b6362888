package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/service"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	SessionIDKey contextKey = "session_id"
	PrincipalKey contextKey = "principal"
)

// DeviceTokenHeader — заголовок с токеном каски для приёма показаний без сессии.
const DeviceTokenHeader = "X-Device-Token"

// GetUserID возвращает user_id из контекста (устанавливается BearerAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

// GetPrincipal — пользователь и claims текущего запроса; nil вне BearerAuth.
func GetPrincipal(ctx context.Context) *service.Principal {
	v, _ := ctx.Value(PrincipalKey).(*service.Principal)
	return v
}

// GetUser — пользователь текущего запроса или nil.
func GetUser(ctx context.Context) *model.User {
	if p := GetPrincipal(ctx); p != nil {
		return p.User
	}
	return nil
}

// WithPrincipal кладёт principal в контекст (BearerAuth и тесты хендлеров).
func WithPrincipal(ctx context.Context, p *service.Principal) context.Context {
	ctx = context.WithValue(ctx, PrincipalKey, p)
	ctx = context.WithValue(ctx, UserIDKey, p.User.ID)
	if p.Claims != nil {
		ctx = context.WithValue(ctx, SessionIDKey, p.Claims.SessionID)
	}
	return ctx
}

// DeviceToken читает токен устройства из заголовка.
func DeviceToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(DeviceTokenHeader))
}
