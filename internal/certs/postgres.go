package certs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectCols = `
	SELECT id, owner_id, domains, issued_at, expires_at, free_trial_ends_at,
	       payment_status, notified_expiry_soon, storage_path, version, created_at, updated_at
	FROM certificates`

// PostgresStore persists certificates to PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, c *Certificate) error {
	if len(c.Domains) == 0 {
		return errors.New("certificate has no domains")
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	q := `
		INSERT INTO certificates (id, owner_id, domains, issued_at, expires_at, free_trial_ends_at,
		                          payment_status, notified_expiry_soon, storage_path, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.Exec(ctx, q,
		c.ID, c.OwnerID, c.Domains, c.IssuedAt, c.ExpiresAt, c.FreeTrialEndsAt,
		string(c.PaymentStatus), c.NotifiedExpirySoon, c.StoragePath, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	rows, err := s.db.Query(ctx, selectCols+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query certificate: %w", err)
	}
	list, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// ListCandidates implements Store.
func (s *PostgresStore) ListCandidates(ctx context.Context, p Predicate, now time.Time) ([]*Certificate, error) {
	col := "expires_at"
	if p.Window == WindowFreeTrial {
		col = "free_trial_ends_at"
	}
	q := selectCols + fmt.Sprintf(` WHERE %s > $1 AND %s <= $2`, col, col)
	args := []any{now, now.Add(p.Horizon)}
	if p.PaymentStatus != "" {
		args = append(args, string(p.PaymentStatus))
		q += fmt.Sprintf(` AND payment_status = $%d`, len(args))
	}
	if p.OnlyUnnotified {
		q += ` AND notified_expiry_soon = false`
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	return scanAll(rows)
}

// ListByOwner implements Store.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Certificate, error) {
	rows, err := s.db.Query(ctx, selectCols+` WHERE owner_id = $1 ORDER BY issued_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query certificates by owner: %w", err)
	}
	return scanAll(rows)
}

// Save implements Store. The monotonic rules are expressed in SQL so that
// the row itself can never move backwards.
func (s *PostgresStore) Save(ctx context.Context, c *Certificate) error {
	q := `
		UPDATE certificates SET
			expires_at           = GREATEST(expires_at, $2),
			payment_status       = CASE WHEN payment_status = 'paid' THEN 'paid' ELSE $3 END,
			notified_expiry_soon = notified_expiry_soon OR $4,
			storage_path         = COALESCE(NULLIF($5::text, ''), storage_path),
			version              = version + 1,
			updated_at           = $6
		WHERE id = $1 AND version = $7
		RETURNING id, owner_id, domains, issued_at, expires_at, free_trial_ends_at,
		          payment_status, notified_expiry_soon, storage_path, version, created_at, updated_at`
	rows, err := s.db.Query(ctx, q,
		c.ID, c.ExpiresAt, string(c.PaymentStatus), c.NotifiedExpirySoon, c.StoragePath,
		time.Now().UTC(), c.Version,
	)
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	list, err := scanAll(rows)
	if err != nil {
		return err
	}
	if len(list) == 1 {
		*c = *list[0]
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM certificates WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check certificate: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanAll(rows pgx.Rows) ([]*Certificate, error) {
	defer rows.Close()
	var out []*Certificate
	for rows.Next() {
		c := &Certificate{}
		var status string
		if err := rows.Scan(
			&c.ID, &c.OwnerID, &c.Domains, &c.IssuedAt, &c.ExpiresAt, &c.FreeTrialEndsAt,
			&status, &c.NotifiedExpirySoon, &c.StoragePath, &c.Version, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		c.PaymentStatus = PaymentStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return out, nil
}
