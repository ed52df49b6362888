package model

import "time"

// Session — запись в хранилище сессий (Redis), ключ — ID, живёт TTL.
type Session struct {
	ID           string    `json:"-"`
	UserID       string    `json:"userId"`
	RefreshToken string    `json:"refreshToken"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsed     time.Time `json:"lastUsed"`
	DeviceInfo   string    `json:"deviceInfo,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
}

// SessionPublic — сессия без refresh-токена (для списка устройств).
type SessionPublic struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
	DeviceInfo string    `json:"deviceInfo,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Current    bool      `json:"current"`
}

func (s *Session) ToPublic(currentID string) SessionPublic {
	return SessionPublic{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastUsed:   s.LastUsed,
		DeviceInfo: s.DeviceInfo,
		IPAddress:  s.IPAddress,
		UserAgent:  s.UserAgent,
		Current:    s.ID == currentID,
	}
}

// SessionMeta — данные клиента при входе.
type SessionMeta struct {
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}
