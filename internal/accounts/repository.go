package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory is the explicit owner lookup used by sweeps and services.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	Create(ctx context.Context, a *Account) error
}

// Repository stores accounts in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const accountCols = `id, email, username, display_name, created_at`

// Create inserts a new account. Sets ID (when zero) and CreatedAt.
func (r *Repository) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	a.CreatedAt = time.Now().UTC()

	q := `INSERT INTO accounts (` + accountCols + `) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Exec(ctx, q, a.ID, a.Email, a.Username, a.DisplayName, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetByID retrieves an account by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.scanOne(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, id)
}

// GetByEmail retrieves an account by email address.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.scanOne(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
}

func (r *Repository) scanOne(ctx context.Context, q string, args ...any) (*Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, q, args...).Scan(&a.ID, &a.Email, &a.Username, &a.DisplayName, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}
