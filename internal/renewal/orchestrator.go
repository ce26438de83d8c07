// Package renewal runs the scheduled certificate sweeps: expiry notices,
// free-trial notices and automatic renewal of paid certificates.
//
// Every sweep lists its candidates, processes each one independently with
// bounded concurrency and returns a Summary. A failing certificate is logged
// and counted; it never stops the rest of the batch. All writes go through
// the store's optimistic Save with a bounded re-read-and-retry loop.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/accounts"
	"github.com/jmerrifield20/freessl/internal/archive"
	"github.com/jmerrifield20/freessl/internal/audit"
	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/notify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sweep names, also used as scheduler job names and metric labels.
const (
	SweepExpiryNotices    = "expiry_notices"
	SweepFreeTrialNotices = "free_trial_notices"
	SweepAutoRenewals     = "auto_renewals"
)

// ErrUnknownSweep is returned by RunSweep for an unrecognised name.
var ErrUnknownSweep = errors.New("unknown sweep")

// Renewer renews an existing certificate and returns its new expiry.
// *issuer.Adapter satisfies it.
type Renewer interface {
	Renew(ctx context.Context, c *certs.Certificate) (time.Time, error)
}

// OwnerDirectory resolves a certificate's owner.
type OwnerDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*accounts.Account, error)
}

// Config tunes an Orchestrator.
type Config struct {
	// Workers bounds how many candidates a sweep processes at once.
	Workers int
	// IssuerRPS paces calls to the issuer; zero or less disables pacing.
	IssuerRPS float64
	// SaveAttempts bounds re-read-and-retry on a Save conflict.
	SaveAttempts int
	// Horizon is how far ahead sweeps look. Defaults to 30 days.
	Horizon time.Duration
}

// Summary is the outcome of one sweep pass.
type Summary struct {
	Sweep      string        `json:"sweep"`
	Candidates int           `json:"candidates"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	// Error is set when the candidate list could not be read.
	Error string `json:"error,omitempty"`

	listErr error
}

// ResultRecordFunc is an optional callback invoked once per processed
// candidate with result "succeeded", "skipped" or "failed".
type ResultRecordFunc func(sweep, result string)

// SweepRecordFunc is an optional callback invoked when a sweep completes.
type SweepRecordFunc func(Summary)

// Orchestrator drives certificate state transitions and their side effects.
type Orchestrator struct {
	store    certs.Store
	owners   OwnerDirectory
	notifier notify.Notifier
	renewer  Renewer
	ledger   audit.Ledger
	archiver archive.Archiver
	limiter  *rate.Limiter
	cfg      Config
	now      func() time.Time
	onResult ResultRecordFunc
	onSweep  SweepRecordFunc
	logger   *zap.Logger
}

// New creates an Orchestrator.
func New(store certs.Store, owners OwnerDirectory, notifier notify.Notifier, renewer Renewer, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SaveAttempts <= 0 {
		cfg.SaveAttempts = 3
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30 * 24 * time.Hour
	}
	limit := rate.Inf
	if cfg.IssuerRPS > 0 {
		limit = rate.Limit(cfg.IssuerRPS)
	}
	return &Orchestrator{
		store:    store,
		owners:   owners,
		notifier: notifier,
		renewer:  renewer,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// SetLedger enables audit entries for lifecycle events.
func (o *Orchestrator) SetLedger(l audit.Ledger) {
	o.ledger = l
}

// SetArchiver enables off-host copies after successful renewals.
func (o *Orchestrator) SetArchiver(a archive.Archiver) {
	o.archiver = a
}

// SetClock overrides the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetResultRecorder configures the per-candidate metrics callback.
func (o *Orchestrator) SetResultRecorder(fn ResultRecordFunc) {
	o.onResult = fn
}

// SetSweepRecorder configures the per-sweep metrics callback.
func (o *Orchestrator) SetSweepRecorder(fn SweepRecordFunc) {
	o.onSweep = fn
}

// SweepNames lists the sweeps RunSweep accepts.
func SweepNames() []string {
	return []string{SweepExpiryNotices, SweepFreeTrialNotices, SweepAutoRenewals}
}

// RunSweep runs the named sweep.
// A sweep that could not list its candidates returns its summary together
// with the list error.
func (o *Orchestrator) RunSweep(ctx context.Context, name string) (Summary, error) {
	var sum Summary
	switch name {
	case SweepExpiryNotices:
		sum = o.SweepExpiryNotices(ctx)
	case SweepFreeTrialNotices:
		sum = o.SweepFreeTrialNotices(ctx)
	case SweepAutoRenewals:
		sum = o.SweepAutoRenewals(ctx)
	default:
		return Summary{}, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
	}
	if sum.listErr != nil {
		return sum, fmt.Errorf("sweep %s: %w", name, sum.listErr)
	}
	return sum, nil
}

func (o *Orchestrator) recordAudit(ctx context.Context, certID uuid.UUID, action, actor string, payload any) {
	if o.ledger == nil {
		return
	}
	if _, err := o.ledger.Append(ctx, certID, action, actor, payload); err != nil {
		o.logger.Warn("audit append failed",
			zap.String("cert_id", certID.String()),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) archive(ctx context.Context, c *certs.Certificate) {
	if o.archiver == nil || c.StoragePath == "" {
		return
	}
	if err := o.archiver.Archive(ctx, c.ID, c.StoragePath); err != nil {
		o.logger.Warn("archive failed",
			zap.String("cert_id", c.ID.String()),
			zap.String("domain", c.PrimaryDomain()),
			zap.Error(err),
		)
	}
}
