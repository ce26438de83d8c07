package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// appendLockKey serialises appends across every certd replica.
const appendLockKey = int64(7_310_442_118)

const entryCols = `idx, recorded_at, certificate_id, action, actor, data_hash, prev_hash, hash`

// PostgresLedger stores the chain in the audit_ledger table.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger. The genesis row is inserted by
// the initial migration.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Append implements Ledger. The tail read and insert run under a
// transaction-scoped advisory lock.
func (l *PostgresLedger) Append(ctx context.Context, certID uuid.UUID, action, actor string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return nil, fmt.Errorf("acquire audit lock: %w", err)
	}

	var tailIdx int
	var tailHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM audit_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&tailIdx, &tailHash); err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}

	e := &Entry{
		Index:         tailIdx + 1,
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		CertificateID: certID,
		Action:        action,
		Actor:         actor,
		DataHash:      digest(raw),
		PrevHash:      tailHash,
	}
	e.Hash = hashEntry(e)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_ledger (`+entryCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, e.Timestamp, e.CertificateID, e.Action, e.Actor, e.DataHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit entry: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int("idx", e.Index),
		zap.String("action", e.Action),
		zap.String("cert_id", certID.String()),
	)
	return e, nil
}

// List implements Ledger.
func (l *PostgresLedger) List(ctx context.Context, certID uuid.UUID) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryCols+` FROM audit_ledger WHERE certificate_id = $1 ORDER BY idx ASC`, certID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return collect(rows)
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Verify implements Ledger. It reads the whole table.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `SELECT `+entryCols+` FROM audit_ledger ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query audit ledger: %w", err)
	}
	entries, err := collect(rows)
	if err != nil {
		return err
	}
	var prev *Entry
	for _, curr := range entries {
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("read audit root: %w", err)
	}
	return hash, nil
}

func collect(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var e Entry
		var certID *uuid.UUID
		if err := rows.Scan(&e.Index, &e.Timestamp, &certID, &e.Action, &e.Actor,
			&e.DataHash, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if certID != nil {
			e.CertificateID = *certID
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
