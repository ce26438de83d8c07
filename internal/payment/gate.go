package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/audit"
	"github.com/jmerrifield20/freessl/internal/certs"
	"go.uber.org/zap"
)

// DefaultAmountCents is charged when CreateOrder is given no amount.
const DefaultAmountCents int64 = 9900

const saveAttempts = 3

// MetricsRecordFunc is called once per ConfirmPayment with its result.
type MetricsRecordFunc func(result string)

// Gate turns verified gateway outcomes into certificate payment status.
type Gate struct {
	repo          Repository
	store         certs.Store
	ledger        audit.Ledger
	defaultAmount int64
	now           func() time.Time
	onResult      MetricsRecordFunc
	logger        *zap.Logger
}

// NewGate creates a Gate.
func NewGate(repo Repository, store certs.Store, logger *zap.Logger) *Gate {
	return &Gate{
		repo:          repo,
		store:         store,
		defaultAmount: DefaultAmountCents,
		now:           time.Now,
		logger:        logger,
	}
}

// SetLedger attaches an audit ledger.
func (g *Gate) SetLedger(l audit.Ledger) {
	g.ledger = l
}

// SetClock overrides the time source.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// SetMetricsRecorder registers a callback for confirmation results.
func (g *Gate) SetMetricsRecorder(fn MetricsRecordFunc) {
	g.onResult = fn
}

// SetDefaultAmount changes the amount used when CreateOrder gets zero.
func (g *Gate) SetDefaultAmount(cents int64) {
	if cents > 0 {
		g.defaultAmount = cents
	}
}

// CreateOrder opens a pending order for a certificate owned by ownerID.
func (g *Gate) CreateOrder(ctx context.Context, ownerID, certID uuid.UUID, method Method, amountCents int64) (*Order, error) {
	if !method.Valid() {
		return nil, ErrInvalidMethod
	}
	if amountCents == 0 {
		amountCents = g.defaultAmount
	}
	if amountCents < 0 {
		return nil, ErrInvalidAmount
	}
	c, err := g.store.Get(ctx, certID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if c.PaymentStatus == certs.PaymentPaid {
		return nil, ErrAlreadyPaid
	}

	now := g.now().UTC()
	o := &Order{
		ID:            uuid.New(),
		OrderID:       newOrderID(now),
		OwnerID:       ownerID,
		CertificateID: certID,
		AmountCents:   amountCents,
		Method:        method,
		Status:        StatusPending,
		CreatedAt:     now,
	}
	if err := g.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	g.logger.Info("payment order created",
		zap.String("order_id", o.OrderID),
		zap.String("cert_id", certID.String()),
		zap.Int64("amount_cents", amountCents),
		zap.String("method", string(method)),
	)
	return o, nil
}

// GetOrder returns an order by merchant reference.
func (g *Gate) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return g.repo.GetByOrderID(ctx, orderID)
}

// ConfirmPayment applies a verified outcome to a pending order.
//
// A terminal order is left untouched and ErrAlreadyProcessed is returned.
// On success the order is claimed (pending→confirming) before the certificate
// is touched, so a cancellation can no longer win. A crash after the claim
// leaves the order confirming and a redelivered callback completes it.
func (g *Gate) ConfirmPayment(ctx context.Context, orderID string, out Outcome) (Result, error) {
	res, err := g.confirm(ctx, orderID, out)
	if g.onResult != nil {
		label := string(res)
		if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
			label = "error"
		}
		g.onResult(label)
	}
	return res, err
}

func (g *Gate) confirm(ctx context.Context, orderID string, out Outcome) (Result, error) {
	o, err := g.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Status.Terminal() {
		return ResultAlreadyProcessed, ErrAlreadyProcessed
	}
	now := g.now().UTC()

	if !out.Success {
		if o.Status == StatusConfirming {
			return ResultAlreadyProcessed, ErrAlreadyProcessed
		}
		ok, err := g.repo.Transition(ctx, orderID, StatusPending, StatusFailed, out.TransactionID, now)
		if err != nil {
			return "", err
		}
		if !ok {
			return ResultAlreadyProcessed, ErrAlreadyProcessed
		}
		g.record(ctx, o.CertificateID, audit.ActionPaymentFailed, o.OrderID)
		g.logger.Info("payment failed",
			zap.String("order_id", orderID),
			zap.String("cert_id", o.CertificateID.String()),
		)
		return ResultFailed, nil
	}

	if o.Status == StatusPending {
		claimed, err := g.repo.Transition(ctx, orderID, StatusPending, StatusConfirming, out.TransactionID, now)
		if err != nil {
			return "", err
		}
		if !claimed {
			// Lost to a cancel, a failure, or another callback; only a
			// confirming order may be finished from here.
			if o, err = g.repo.GetByOrderID(ctx, orderID); err != nil {
				return "", err
			}
			if o.Status != StatusConfirming {
				return ResultAlreadyProcessed, ErrAlreadyProcessed
			}
		}
	}

	if err := g.markPaid(ctx, o.CertificateID); err != nil {
		return "", fmt.Errorf("mark certificate paid: %w", err)
	}
	ok, err := g.repo.Transition(ctx, orderID, StatusConfirming, StatusPaid, out.TransactionID, now)
	if err != nil {
		return "", err
	}
	if !ok {
		return ResultAlreadyProcessed, ErrAlreadyProcessed
	}
	g.record(ctx, o.CertificateID, audit.ActionPaid, o.OrderID)
	g.logger.Info("payment confirmed",
		zap.String("order_id", orderID),
		zap.String("cert_id", o.CertificateID.String()),
		zap.String("transaction_id", out.TransactionID),
	)
	return ResultPaid, nil
}

// Cancel abandons a pending order owned by ownerID.
func (g *Gate) Cancel(ctx context.Context, ownerID uuid.UUID, orderID string) (*Order, error) {
	o, err := g.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyProcessed
	}
	ok, err := g.repo.Transition(ctx, orderID, StatusPending, StatusCancelled, "", g.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyProcessed
	}
	g.record(ctx, o.CertificateID, audit.ActionPaymentCanceled, o.OrderID)
	o.Status = StatusCancelled
	return o, nil
}

// markPaid moves the certificate free→paid, retrying on version conflicts.
// An already paid certificate is left alone.
func (g *Gate) markPaid(ctx context.Context, certID uuid.UUID) error {
	for attempt := 1; ; attempt++ {
		c, err := g.store.Get(ctx, certID)
		if err != nil {
			return err
		}
		if c.PaymentStatus == certs.PaymentPaid {
			return nil
		}
		c.PaymentStatus = certs.PaymentPaid
		err = g.store.Save(ctx, c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, certs.ErrConflict) || attempt >= saveAttempts {
			return err
		}
	}
}

func (g *Gate) record(ctx context.Context, certID uuid.UUID, action, orderID string) {
	if g.ledger == nil {
		return
	}
	payload := map[string]string{"order_id": orderID}
	if _, err := g.ledger.Append(ctx, certID, action, "payment-gateway", payload); err != nil {
		g.logger.Warn("audit append failed",
			zap.String("cert_id", certID.String()),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
