package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/service"
)

// Заголовки тихого обновления access-токена.
const (
	SessionIDHeader    = "X-Session-Id"
	RefreshTokenHeader = "X-Refresh-Token"
	AccessTokenHeader  = "X-Access-Token"
)

// TokenAuthenticator — часть AuthService, нужная middleware.
type TokenAuthenticator interface {
	ValidateAccessToken(ctx context.Context, token string) *service.Principal
	RefreshWithToken(ctx context.Context, sessionID, refreshToken string) string
}

// BearerToken достаёт токен из Authorization: Bearer, для WebSocket: из ?token=.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// BearerAuth проверяет access-токен. Если он просрочен, но клиент прислал X-Session-Id и
// X-Refresh-Token, выпускается новый токен и отдаётся в X-Access-Token.
func BearerAuth(auth TokenAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal := auth.ValidateAccessToken(ctx, BearerToken(r))
			if principal == nil {
				sessionID := strings.TrimSpace(r.Header.Get(SessionIDHeader))
				refresh := strings.TrimSpace(r.Header.Get(RefreshTokenHeader))
				if sessionID != "" && refresh != "" {
					if fresh := auth.RefreshWithToken(ctx, sessionID, refresh); fresh != "" {
						principal = auth.ValidateAccessToken(ctx, fresh)
						if principal != nil {
							w.Header().Set(AccessTokenHeader, fresh)
							logger.Debugf("auth: silent refresh session=%s", MaskSessionID(sessionID))
						}
					}
				}
			}
			if principal == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
		})
	}
}

// RequireRole пропускает только перечисленные роли. Ставится после BearerAuth.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	allowed := make(map[model.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, ok := allowed[user.Role]; !ok {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
