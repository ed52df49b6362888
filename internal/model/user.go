package model

import (
	"fmt"
	"time"
)

// Role — закрытый набор ролей. Ветвление по роли — только через VisitRole.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleMiner      Role = "minero"
)

// RoleVisitor — по одному методу на каждую роль. Новая роль добавляется сюда,
// и каждая реализация перестаёт компилироваться, пока её не обработают.
type RoleVisitor[T any] interface {
	Admin() (T, error)
	Supervisor() (T, error)
	Miner() (T, error)
}

// VisitRole выполняет ветку visitor для роли r. Неизвестная роль: ошибка.
func VisitRole[T any](r Role, v RoleVisitor[T]) (T, error) {
	switch r {
	case RoleAdmin:
		return v.Admin()
	case RoleSupervisor:
		return v.Supervisor()
	case RoleMiner:
		return v.Miner()
	}
	var zero T
	return zero, fmt.Errorf("unknown role %q", r)
}

// ParseRole принимает также английское "miner".
func ParseRole(s string) (Role, error) {
	switch s {
	case string(RoleAdmin):
		return RoleAdmin, nil
	case string(RoleSupervisor):
		return RoleSupervisor, nil
	case string(RoleMiner), "miner":
		return RoleMiner, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	TeamID       *string   `json:"teamId,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

type UserPublic struct {
	ID     string  `json:"id"`
	Email  string  `json:"email"`
	Name   string  `json:"name"`
	Role   Role    `json:"role"`
	TeamID *string `json:"teamId,omitempty"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, TeamID: u.TeamID}
}
