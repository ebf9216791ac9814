package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists directory users.
type Repository interface {
	Upsert(ctx context.Context, user User) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	// BindIssuer sets the user's issuer when unset, equal, or when reassign is true.
	BindIssuer(ctx context.Context, userID, issuerID string, reassign bool) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert inserts the user or refreshes name and role. The issuer binding is kept.
func (r *PostgresRepository) Upsert(ctx context.Context, user User) (User, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO users (id, display_name, role, assigned_issuer_id, created_at)
        VALUES ($1, $2, $3, '', $4)
        ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role
        RETURNING id, display_name, role, assigned_issuer_id, created_at`,
		user.ID, user.DisplayName, user.Role, user.CreatedAt.UTC())
	return scanUser(row)
}

// FindByID fetches a user by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT id, display_name, role, assigned_issuer_id, created_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// BindIssuer updates the binding with a conditional write so concurrent issuers cannot both claim a student.
func (r *PostgresRepository) BindIssuer(ctx context.Context, userID, issuerID string, reassign bool) error {
	cmd, err := r.db.Exec(ctx, `UPDATE users SET assigned_issuer_id = $1
        WHERE id = $2 AND (assigned_issuer_id = '' OR assigned_issuer_id = $1 OR $3)`, issuerID, userID, reassign)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.FindByID(ctx, userID); err != nil {
			return err
		}
		return ErrIssuerConflict
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user      User
		createdAt time.Time
	)
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Role, &user.AssignedIssuerID, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	user.CreatedAt = createdAt.UTC()
	return user, nil
}
