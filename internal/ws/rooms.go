package ws

import (
	"context"

	"github.com/cascowatch/internal/model"
)

const RoomSupervisors = "supervisors"

func MinerRoom(id string) string { return "miner:" + id }
func TeamRoom(id string) string  { return "team:" + id }
func UserRoom(id string) string  { return "user:" + id }

// TeamDirectory answers which teams and miners a supervisor manages.
type TeamDirectory interface {
	ManagedTeamIDs(ctx context.Context, supervisorID string) ([]string, error)
	ManagedMinerIDs(ctx context.Context, supervisorID string) ([]string, error)
}

// roomVisitor derives subscriptions from the role. Every role also gets its user room.
type roomVisitor struct {
	ctx   context.Context
	user  *model.User
	teams TeamDirectory
}

func (v roomVisitor) Admin() ([]string, error) {
	return []string{RoomSupervisors, UserRoom(v.user.ID)}, nil
}

func (v roomVisitor) Supervisor() ([]string, error) {
	teamIDs, err := v.teams.ManagedTeamIDs(v.ctx, v.user.ID)
	if err != nil {
		return nil, err
	}
	minerIDs, err := v.teams.ManagedMinerIDs(v.ctx, v.user.ID)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(teamIDs)+len(minerIDs)+2)
	for _, id := range teamIDs {
		rooms = append(rooms, TeamRoom(id))
	}
	for _, id := range minerIDs {
		rooms = append(rooms, MinerRoom(id))
	}
	return append(rooms, RoomSupervisors, UserRoom(v.user.ID)), nil
}

func (v roomVisitor) Miner() ([]string, error) {
	rooms := []string{MinerRoom(v.user.ID), UserRoom(v.user.ID)}
	if v.user.TeamID != nil {
		rooms = append(rooms, TeamRoom(*v.user.TeamID))
	}
	return rooms, nil
}

// RoomsFor returns the rooms a user joins on connect.
func RoomsFor(ctx context.Context, user *model.User, teams TeamDirectory) ([]string, error) {
	return model.VisitRole[[]string](user.Role, roomVisitor{ctx: ctx, user: user, teams: teams})
}
