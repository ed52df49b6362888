package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cascowatch/internal/apperr"
	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
	"github.com/cascowatch/internal/repository"
	"github.com/cascowatch/internal/storage"
)

const tokenTypeAccess = "access"

// SessionConfig — неизменяемые параметры сессий и токенов, передаются при создании сервиса.
type SessionConfig struct {
	Secret      []byte
	Issuer      string
	Audience    string
	AccessTTL   time.Duration
	SessionTTL  time.Duration
	MaxSessions int
}

// UserDirectory — внешний справочник пользователей (источник роли и идентичности).
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// Claims — набор утверждений access-токена.
type Claims struct {
	UserID    string     `json:"userId"`
	Role      model.Role `json:"role"`
	SessionID string     `json:"sessionId"`
	Type      string     `json:"type"`
	jwt.RegisteredClaims
}

// Principal — результат успешной проверки токена.
type Principal struct {
	User   *model.User
	Claims *Claims
}

// SessionTokens — выдаётся при создании сессии.
type SessionTokens struct {
	AccessToken  string `json:"accessToken"`
	SessionID    string `json:"sessionId"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type AuthService struct {
	cfg   SessionConfig
	users UserDirectory
	store storage.SessionStore
	now   func() time.Time
	// dummyHash сравнивается при неизвестном email, чтобы время ответа не выдавало наличие пользователя.
	dummyHash []byte
}

func NewAuthService(cfg SessionConfig, users UserDirectory, store storage.SessionStore) *AuthService {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 5
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("cascowatch-dummy"), bcrypt.MinCost)
	return &AuthService{cfg: cfg, users: users, store: store, now: time.Now, dummyHash: dummy}
}

func maskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateSession выдаёт sessionId (256 бит), refreshToken (512 бит) и access-токен.
// Перед вставкой удаляет самые старые сессии сверх MaxSessions-1.
func (s *AuthService) CreateSession(ctx context.Context, user *model.User, meta model.SessionMeta) (*SessionTokens, error) {
	sessionID, err := randomHex(32)
	if err != nil {
		return nil, apperr.Internal("session id", err)
	}
	refresh, err := randomHex(64)
	if err != nil {
		return nil, apperr.Internal("refresh token", err)
	}
	if err := s.evictOldest(ctx, user.ID); err != nil {
		return nil, err
	}
	now := s.now()
	sess := &model.Session{
		ID:           sessionID,
		UserID:       user.ID,
		RefreshToken: refresh,
		CreatedAt:    now,
		LastUsed:     now,
		DeviceInfo:   meta.DeviceInfo,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	}
	if err := s.store.CreateSession(ctx, sess, s.cfg.SessionTTL); err != nil {
		return nil, apperr.Persistence("session store unavailable", err)
	}
	token, err := s.issueAccessToken(user, sessionID)
	if err != nil {
		return nil, apperr.Internal("sign token", err)
	}
	logger.Infof("auth: session created user=%s session=%s", user.ID, maskSessionID(sessionID))
	return &SessionTokens{
		AccessToken:  token,
		SessionID:    sessionID,
		RefreshToken: refresh,
		ExpiresIn:    int(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func (s *AuthService) evictOldest(ctx context.Context, userID string) error {
	sessions, err := s.store.ListUserSessions(ctx, userID)
	if err != nil {
		return apperr.Persistence("session store unavailable", err)
	}
	excess := len(sessions) - (s.cfg.MaxSessions - 1)
	for i := 0; i < excess; i++ {
		if err := s.store.DeleteSession(ctx, sessions[i].ID); err != nil {
			return apperr.Persistence("session store unavailable", err)
		}
		logger.Infof("auth: evicted session=%s user=%s", maskSessionID(sessions[i].ID), userID)
	}
	return nil
}

func (s *AuthService) issueAccessToken(user *model.User, sessionID string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:    user.ID,
		Role:      user.Role,
		SessionID: sessionID,
		Type:      tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
}

func (s *AuthService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return s.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenTypeAccess || claims.SessionID == "" || claims.UserID == "" {
		return nil, errors.New("not an access token")
	}
	return claims, nil
}

// ValidateAccessToken возвращает nil при любой ошибке. Токен действителен, только пока жива его сессия.
// При успехе обновляет lastUsed сессии (TTL не продлевается).
func (s *AuthService) ValidateAccessToken(ctx context.Context, token string) *Principal {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	claims, err := s.parse(token)
	if err != nil {
		logger.Debugf("auth: token rejected: %v", err)
		return nil
	}
	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		logger.Errorf("auth: session lookup session=%s: %v", maskSessionID(claims.SessionID), err)
		return nil
	}
	if sess == nil || sess.UserID != claims.UserID {
		return nil
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil || !user.Active {
		return nil
	}
	if err := s.store.TouchSession(ctx, claims.SessionID, s.now()); err != nil {
		logger.Errorf("auth: touch session=%s: %v", maskSessionID(claims.SessionID), err)
	}
	return &Principal{User: user, Claims: claims}
}

// RefreshAccessToken перевыпускает access-токен для живой сессии. Refresh-токен не ротируется.
// Пустая строка: сессии нет.
func (s *AuthService) RefreshAccessToken(ctx context.Context, sessionID string) string {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		logger.Errorf("auth: refresh session=%s: %v", maskSessionID(sessionID), err)
		return ""
	}
	if sess == nil {
		return ""
	}
	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil || !user.Active {
		return ""
	}
	token, err := s.issueAccessToken(user, sessionID)
	if err != nil {
		logger.Errorf("auth: sign token: %v", err)
		return ""
	}
	if err := s.store.TouchSession(ctx, sessionID, s.now()); err != nil {
		logger.Errorf("auth: touch session=%s: %v", maskSessionID(sessionID), err)
	}
	return token
}

// RefreshWithToken — RefreshAccessToken после сравнения refresh-токена за постоянное время.
func (s *AuthService) RefreshWithToken(ctx context.Context, sessionID, refreshToken string) string {
	if sessionID == "" || refreshToken == "" {
		return ""
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return ""
	}
	if subtle.ConstantTimeCompare([]byte(sess.RefreshToken), []byte(refreshToken)) != 1 {
		logger.Infof("auth: refresh token mismatch session=%s", maskSessionID(sessionID))
		return ""
	}
	return s.RefreshAccessToken(ctx, sessionID)
}

// RevokeSession идемпотентна.
func (s *AuthService) RevokeSession(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return apperr.Persistence("session store unavailable", err)
	}
	return nil
}

// RevokeAllSessions удаляет все сессии пользователя; возвращает число удалённых.
func (s *AuthService) RevokeAllSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := s.store.ListUserSessions(ctx, userID)
	if err != nil {
		return 0, apperr.Persistence("session store unavailable", err)
	}
	for _, sess := range sessions {
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
			return 0, apperr.Persistence("session store unavailable", err)
		}
	}
	return len(sessions), nil
}

// ListSessions — живые сессии пользователя без refresh-токенов.
func (s *AuthService) ListSessions(ctx context.Context, userID, currentSessionID string) ([]model.SessionPublic, error) {
	sessions, err := s.store.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("session store unavailable", err)
	}
	out := make([]model.SessionPublic, len(sessions))
	for i := range sessions {
		out[i] = sessions[i].ToPublic(currentSessionID)
	}
	return out, nil
}

type LoginResult struct {
	SessionTokens
	User model.UserPublic `json:"user"`
}

// Login проверяет пароль (bcrypt) и создаёт сессию. Неверные данные: AuthError без сессии и токена.
func (s *AuthService) Login(ctx context.Context, email, password string, meta model.SessionMeta) (*LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Persistence("user directory unavailable", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, apperr.Unauthorized("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Unauthorized("invalid credentials")
	}
	if !user.Active {
		return nil, apperr.Unauthorized("account disabled")
	}
	tokens, err := s.CreateSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	return &LoginResult{SessionTokens: *tokens, User: user.ToPublic()}, nil
}

// HashPassword — bcrypt для сидов и тестов.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
