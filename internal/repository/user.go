package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cascowatch/internal/logger"
	"github.com/cascowatch/internal/model"
)

var ErrNotFound = errors.New("not found")

const userCols = `id, email, name, role, password_hash, team_id, active, created_at`

// UserRepository — справочник пользователей. Роль и идентичность берутся только отсюда.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	var role string
	if err := s.Scan(&u.ID, &u.Email, &u.Name, &role, &u.PasswordHash, &u.TeamID, &u.Active, &u.CreatedAt); err != nil {
		return err
	}
	u.Role = model.Role(role)
	return nil
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, password_hash, team_id, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Name, string(u.Role), u.PasswordHash, u.TeamID, u.Active, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByEmail", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByEmail: %w", err)
	}
	return u, nil
}

func (r *UserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	defer logger.DeferLogDuration("user.EmailExists", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1))`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("userRepo.EmailExists: %w", err)
	}
	return exists, nil
}

// ManagedTeamIDs — бригады, где пользователь назначен супервайзером.
func (r *UserRepository) ManagedTeamIDs(ctx context.Context, supervisorID string) ([]string, error) {
	defer logger.DeferLogDuration("user.ManagedTeamIDs", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT id FROM teams WHERE supervisor_id = $1 ORDER BY id`, supervisorID)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ManagedTeamIDs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("userRepo.ManagedTeamIDs scan: %w", err)
	}
	return ids, nil
}

// ManagedMinerIDs — шахтёры из бригад супервайзера.
func (r *UserRepository) ManagedMinerIDs(ctx context.Context, supervisorID string) ([]string, error) {
	defer logger.DeferLogDuration("user.ManagedMinerIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id FROM users u
		 JOIN teams t ON t.id = u.team_id
		 WHERE t.supervisor_id = $1 AND u.role = 'minero' AND u.active
		 ORDER BY u.id`, supervisorID)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ManagedMinerIDs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("userRepo.ManagedMinerIDs scan: %w", err)
	}
	return ids, nil
}
