package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists payment orders.
//
// Transition moves an order from one status to another only if it is still
// in from. It reports false when another writer got there first.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByOrderID(ctx context.Context, orderID string) (*Order, error)
	Transition(ctx context.Context, orderID string, from, to Status, transactionID string, at time.Time) (bool, error)
}

// PostgresRepository stores orders in the payment_orders table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderCols = `id, order_id, owner_id, certificate_id, amount_cents, method, status,
	COALESCE(transaction_id, ''), created_at, paid_at`

// Create inserts a pending order.
func (r *PostgresRepository) Create(ctx context.Context, o *Order) error {
	q := `
		INSERT INTO payment_orders
			(id, order_id, owner_id, certificate_id, amount_cents, method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, q,
		o.ID, o.OrderID, o.OwnerID, o.CertificateID, o.AmountCents,
		string(o.Method), string(o.Status), o.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("order %s already exists", o.OrderID)
		}
		return fmt.Errorf("insert payment order: %w", err)
	}
	return nil
}

// GetByOrderID returns the order with the given merchant reference.
func (r *PostgresRepository) GetByOrderID(ctx context.Context, orderID string) (*Order, error) {
	q := `SELECT ` + orderCols + ` FROM payment_orders WHERE order_id = $1`
	var (
		o              Order
		method, status string
	)
	err := r.db.QueryRow(ctx, q, orderID).Scan(
		&o.ID, &o.OrderID, &o.OwnerID, &o.CertificateID, &o.AmountCents,
		&method, &status, &o.TransactionID, &o.CreatedAt, &o.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get payment order: %w", err)
	}
	o.Method = Method(method)
	o.Status = Status(status)
	return &o, nil
}

// Transition applies a conditional status change. paid_at is only set when
// moving to paid.
func (r *PostgresRepository) Transition(ctx context.Context, orderID string, from, to Status, transactionID string, at time.Time) (bool, error) {
	q := `
		UPDATE payment_orders SET
			status         = $3,
			transaction_id = NULLIF($4, ''),
			paid_at        = CASE WHEN $3 = 'paid' THEN $5::timestamptz ELSE paid_at END
		WHERE order_id = $1 AND status = $2`
	tag, err := r.db.Exec(ctx, q, orderID, string(from), string(to), transactionID, at)
	if err != nil {
		return false, fmt.Errorf("update payment order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
