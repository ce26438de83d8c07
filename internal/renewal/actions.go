package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/audit"
	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/issuer"
	"github.com/jmerrifield20/freessl/internal/lifecycle"
	"github.com/jmerrifield20/freessl/internal/notify"
	"go.uber.org/zap"
)

// notifyExpiry sends the expiring-soon notice once and records it.
func (o *Orchestrator) notifyExpiry(ctx context.Context, c *certs.Certificate, now time.Time) (outcome, error) {
	fresh, err := o.store.Get(ctx, c.ID)
	if errors.Is(err, certs.ErrNotFound) {
		return skipped, nil
	}
	if err != nil {
		return failed, err
	}
	if !o.expiryNoticeWindow().Match(fresh, now) {
		return skipped, nil
	}

	to, err := o.recipient(ctx, fresh)
	if err != nil {
		return failed, err
	}
	if err := o.notifier.Send(ctx, notify.KindExpiringSoon, to, summaryOf(fresh)); err != nil {
		return failed, fmt.Errorf("send expiry notice: %w", err)
	}

	_, changed, err := o.update(ctx, fresh.ID, func(cur *certs.Certificate) bool {
		if cur.NotifiedExpirySoon {
			return false
		}
		cur.NotifiedExpirySoon = true
		return true
	})
	if err != nil {
		// Sent but not recorded: the next pass will notify again.
		return failed, fmt.Errorf("record expiry notice: %w", err)
	}
	if changed {
		o.recordAudit(ctx, fresh.ID, audit.ActionExpiryNotified, audit.SystemActor, map[string]any{
			"expires_at": fresh.ExpiresAt,
			"recipient":  to.Email,
		})
	}
	return succeeded, nil
}

// notifyFreeTrial sends the free-trial-ending notice. No state is written.
func (o *Orchestrator) notifyFreeTrial(ctx context.Context, c *certs.Certificate, now time.Time) (outcome, error) {
	fresh, err := o.store.Get(ctx, c.ID)
	if errors.Is(err, certs.ErrNotFound) {
		return skipped, nil
	}
	if err != nil {
		return failed, err
	}
	if !o.freeTrialWindow().Match(fresh, now) {
		return skipped, nil
	}

	to, err := o.recipient(ctx, fresh)
	if err != nil {
		return failed, err
	}
	if err := o.notifier.Send(ctx, notify.KindFreeTrialEnding, to, summaryOf(fresh)); err != nil {
		return failed, fmt.Errorf("send free trial notice: %w", err)
	}
	o.recordAudit(ctx, fresh.ID, audit.ActionTrialNotified, audit.SystemActor, map[string]any{
		"free_trial_ends_at": fresh.FreeTrialEndsAt,
		"recipient":          to.Email,
	})
	return succeeded, nil
}

// autoRenew renews a paid certificate.
func (o *Orchestrator) autoRenew(ctx context.Context, c *certs.Certificate, now time.Time) (outcome, error) {
	fresh, err := o.store.Get(ctx, c.ID)
	if errors.Is(err, certs.ErrNotFound) {
		return skipped, nil
	}
	if err != nil {
		return failed, err
	}
	if !o.autoRenewWindow().Match(fresh, now) {
		return skipped, nil
	}
	if _, err := o.renew(ctx, fresh, audit.SystemActor); err != nil {
		return failed, err
	}
	return succeeded, nil
}

// Renew renews one certificate immediately. Payment and eligibility checks
// belong to the caller.
func (o *Orchestrator) Renew(ctx context.Context, id uuid.UUID, actor string) (*certs.Certificate, error) {
	c, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.renew(ctx, c, actor)
}

// renew calls the issuer and records a strictly later expiry. On any failure
// the stored certificate is left as it was.
func (o *Orchestrator) renew(ctx context.Context, c *certs.Certificate, actor string) (*certs.Certificate, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for issuer slot: %w", err)
	}

	expiresAt, err := o.renewer.Renew(ctx, c)
	if err == nil && !expiresAt.After(c.ExpiresAt) {
		err = &issuer.RenewalError{
			Domain: c.PrimaryDomain(),
			Err:    fmt.Errorf("issuer returned expiry %s, not after current %s", expiresAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339)),
		}
	}
	if err != nil {
		o.recordAudit(ctx, c.ID, audit.ActionRenewalFailed, actor, map[string]any{"error": err.Error()})
		return nil, err
	}

	updated, _, err := o.update(ctx, c.ID, func(cur *certs.Certificate) bool {
		if !expiresAt.After(cur.ExpiresAt) {
			return false
		}
		cur.ExpiresAt = expiresAt
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("record renewal: %w", err)
	}

	o.logger.Info("certificate renewed",
		zap.String("cert_id", c.ID.String()),
		zap.String("domain", c.PrimaryDomain()),
		zap.Time("previous_expiry", c.ExpiresAt),
		zap.Time("expires_at", updated.ExpiresAt),
	)
	o.recordAudit(ctx, c.ID, audit.ActionRenewed, actor, map[string]any{
		"previous_expires_at": c.ExpiresAt,
		"expires_at":          updated.ExpiresAt,
	})
	o.archive(ctx, updated)
	return updated, nil
}

// Evaluate decides the next action for one certificate and performs it.
// The returned action is NoOp when nothing was due.
func (o *Orchestrator) Evaluate(ctx context.Context, id uuid.UUID) (lifecycle.Action, error) {
	c, err := o.store.Get(ctx, id)
	if err != nil {
		return lifecycle.NoOp, err
	}
	now := o.now()
	action := lifecycle.Decide(c, now)

	var fn candidateFunc
	switch action {
	case lifecycle.NotifyExpiringSoon:
		fn = o.notifyExpiry
	case lifecycle.NotifyFreeTrialEnding:
		fn = o.notifyFreeTrial
	case lifecycle.AutoRenew:
		fn = o.autoRenew
	default:
		return action, nil
	}
	if _, err := fn(ctx, c, now); err != nil {
		return action, err
	}
	return action, nil
}

// update re-reads the certificate, applies mutate and saves, retrying on
// conflict up to cfg.SaveAttempts times. mutate returns false when the
// current record already reflects the change; update then saves nothing.
func (o *Orchestrator) update(ctx context.Context, id uuid.UUID, mutate func(*certs.Certificate) bool) (*certs.Certificate, bool, error) {
	for attempt := 1; ; attempt++ {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !mutate(cur) {
			return cur, false, nil
		}
		err = o.store.Save(ctx, cur)
		if err == nil {
			return cur, true, nil
		}
		if !errors.Is(err, certs.ErrConflict) || attempt >= o.cfg.SaveAttempts {
			return nil, false, fmt.Errorf("save certificate %s: %w", id, err)
		}
		o.logger.Debug("save conflict, retrying",
			zap.String("cert_id", id.String()),
			zap.Int("attempt", attempt),
		)
	}
}

func (o *Orchestrator) recipient(ctx context.Context, c *certs.Certificate) (notify.Recipient, error) {
	acct, err := o.owners.GetByID(ctx, c.OwnerID)
	if err != nil {
		return notify.Recipient{}, fmt.Errorf("look up owner %s: %w", c.OwnerID, err)
	}
	return notify.Recipient{Email: acct.Email, Name: acct.Name()}, nil
}

func summaryOf(c *certs.Certificate) notify.CertificateSummary {
	return notify.CertificateSummary{
		ID:              c.ID,
		Domains:         append([]string(nil), c.Domains...),
		ExpiresAt:       c.ExpiresAt,
		FreeTrialEndsAt: c.FreeTrialEndsAt,
		Paid:            c.PaymentStatus == certs.PaymentPaid,
	}
}
