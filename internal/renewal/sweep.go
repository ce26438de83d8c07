package renewal

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/freessl/internal/certs"
	"go.uber.org/zap"
)

type outcome int

const (
	succeeded outcome = iota
	skipped
	failed
)

func (r outcome) String() string {
	switch r {
	case succeeded:
		return "succeeded"
	case skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// SweepExpiryNotices notifies owners of certificates expiring within the
// horizon that have not been notified yet, then sets NotifiedExpirySoon.
// Paid certificates are included; the notice is independent of auto-renewal.
func (o *Orchestrator) SweepExpiryNotices(ctx context.Context) Summary {
	return o.sweep(ctx, SweepExpiryNotices, o.expiryNoticeWindow(), o.notifyExpiry)
}

// SweepFreeTrialNotices notifies owners of unpaid certificates whose free
// trial ends within the horizon. It repeats on every pass until the owner
// pays or the trial end passes.
func (o *Orchestrator) SweepFreeTrialNotices(ctx context.Context) Summary {
	return o.sweep(ctx, SweepFreeTrialNotices, o.freeTrialWindow(), o.notifyFreeTrial)
}

// SweepAutoRenewals renews paid certificates expiring within the horizon.
func (o *Orchestrator) SweepAutoRenewals(ctx context.Context) Summary {
	return o.sweep(ctx, SweepAutoRenewals, o.autoRenewWindow(), o.autoRenew)
}

// Candidate predicates. Actions re-check them against the fresh record so a
// certificate changed after listing (renewed, paid, notified) is skipped.
func (o *Orchestrator) expiryNoticeWindow() certs.Predicate {
	return certs.Predicate{Window: certs.WindowExpiry, Horizon: o.cfg.Horizon, OnlyUnnotified: true}
}

func (o *Orchestrator) freeTrialWindow() certs.Predicate {
	return certs.Predicate{Window: certs.WindowFreeTrial, Horizon: o.cfg.Horizon, PaymentStatus: certs.PaymentFree}
}

func (o *Orchestrator) autoRenewWindow() certs.Predicate {
	return certs.Predicate{Window: certs.WindowExpiry, Horizon: o.cfg.Horizon, PaymentStatus: certs.PaymentPaid}
}

type candidateFunc func(ctx context.Context, c *certs.Certificate, now time.Time) (outcome, error)

// sweep processes every candidate with at most cfg.Workers in flight.
// Cancellation stops dispatch; undispatched candidates count as skipped.
func (o *Orchestrator) sweep(ctx context.Context, name string, p certs.Predicate, fn candidateFunc) Summary {
	now := o.now()
	started := time.Now()
	sum := Summary{Sweep: name, StartedAt: now}

	candidates, err := o.store.ListCandidates(ctx, p, now)
	if err != nil {
		o.logger.Error("sweep: list candidates", zap.String("sweep", name), zap.Error(err))
		sum.Error = err.Error()
		sum.listErr = err
		sum.Duration = time.Since(started)
		o.finish(sum)
		return sum
	}
	sum.Candidates = len(candidates)

	var mu sync.Mutex
	tally := func(r outcome) {
		mu.Lock()
		switch r {
		case succeeded:
			sum.Succeeded++
		case skipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
		mu.Unlock()
		if o.onResult != nil {
			o.onResult(name, r.String())
		}
	}

	sem := make(chan struct{}, o.cfg.Workers)
	var wg sync.WaitGroup

dispatch:
	for i, c := range candidates {
		acquired := false
		if ctx.Err() == nil {
			select {
			case sem <- struct{}{}:
				acquired = true
			case <-ctx.Done():
			}
		}
		if !acquired {
			for range candidates[i:] {
				tally(skipped)
			}
			break dispatch
		}

		wg.Add(1)
		go func(c *certs.Certificate) {
			defer wg.Done()
			defer func() { <-sem }()

			r, err := fn(ctx, c, now)
			if err != nil {
				o.logger.Warn("sweep: certificate failed",
					zap.String("sweep", name),
					zap.String("cert_id", c.ID.String()),
					zap.String("domain", c.PrimaryDomain()),
					zap.Error(err),
				)
				r = failed
			}
			tally(r)
		}(c)
	}
	wg.Wait()

	sum.Duration = time.Since(started)
	o.finish(sum)
	return sum
}

func (o *Orchestrator) finish(sum Summary) {
	o.logger.Info("sweep complete",
		zap.String("sweep", sum.Sweep),
		zap.Int("candidates", sum.Candidates),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", sum.Duration),
	)
	if o.onSweep != nil {
		o.onSweep(sum)
	}
}
