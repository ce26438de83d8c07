// Package service implements the request-driven certificate operations:
// issuing, reading and manually renewing certificates on behalf of owners.
package service

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
	"github.com/jmerrifield20/freessl/internal/issuer"
	"github.com/jmerrifield20/freessl/internal/lifecycle"
	"go.uber.org/zap"
)

var (
	ErrForbidden       = errors.New("certificate belongs to another account")
	ErrPaymentRequired = errors.New("renewal requires a paid certificate inside the renewal window")
)

// Issuer obtains new certificates.
type Issuer interface {
	Issue(ctx context.Context, domains []string, email string) (*issuer.Issuance, error)
}

// Renewer performs a single renewal.
type Renewer interface {
	Renew(ctx context.Context, id uuid.UUID, actor string) (*certs.Certificate, error)
}

// View is a certificate as presented to its owner.
type View struct {
	*certs.Certificate
	Status     certs.Status `json:"status"`
	CanRenew   bool         `json:"can_renew"`
	NextAction string       `json:"next_action"`
}

// CertificateService issues and manages certificates for account holders.
type CertificateService struct {
	store    certs.Store
	owners   accounts.Directory
	issuer   Issuer
	renewer  Renewer
	ledger   audit.Ledger
	archiver archive.Archiver
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a CertificateService.
func New(store certs.Store, owners accounts.Directory, iss Issuer, renewer Renewer, logger *zap.Logger) *CertificateService {
	return &CertificateService{
		store:    store,
		owners:   owners,
		issuer:   iss,
		renewer:  renewer,
		archiver: archive.NoopArchiver{},
		now:      time.Now,
		logger:   logger,
	}
}

// SetLedger attaches an audit ledger.
func (s *CertificateService) SetLedger(l audit.Ledger) {
	s.ledger = l
}

// SetArchiver attaches an off-host archiver.
func (s *CertificateService) SetArchiver(a archive.Archiver) {
	if a != nil {
		s.archiver = a
	}
}

// SetClock overrides the time source.
func (s *CertificateService) SetClock(now func() time.Time) {
	s.now = now
}

// Issue obtains a certificate for ownerID covering domains. The owner's
// account email is registered with the issuer.
func (s *CertificateService) Issue(ctx context.Context, ownerID uuid.UUID, domains []string) (*View, error) {
	acct, err := s.owners.GetByID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("look up owner: %w", err)
	}

	iss, err := s.issuer.Issue(ctx, domains, acct.Email)
	if err != nil {
		return nil, err
	}

	c := certs.New(ownerID, iss.Domains, s.now(), iss.ExpiresAt, iss.StoragePath)
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}

	s.logger.Info("certificate issued",
		zap.String("cert_id", c.ID.String()),
		zap.String("domain", c.PrimaryDomain()),
		zap.String("owner_id", ownerID.String()),
		zap.Time("expires_at", c.ExpiresAt),
	)
	if s.ledger != nil {
		payload := map[string]any{"domains": c.Domains, "expires_at": c.ExpiresAt}
		if _, err := s.ledger.Append(ctx, c.ID, audit.ActionIssued, ownerID.String(), payload); err != nil {
			s.logger.Warn("audit append failed", zap.String("cert_id", c.ID.String()), zap.Error(err))
		}
	}
	if err := s.archiver.Archive(ctx, c.ID, c.StoragePath); err != nil {
		s.logger.Warn("archive failed", zap.String("cert_id", c.ID.String()), zap.Error(err))
	}
	return s.view(c), nil
}

// Get returns one certificate owned by ownerID.
func (s *CertificateService) Get(ctx context.Context, ownerID, id uuid.UUID) (*View, error) {
	c, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.view(c), nil
}

// Inspect returns any certificate regardless of owner.
func (s *CertificateService) Inspect(ctx context.Context, id uuid.UUID) (*View, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(c), nil
}

// List returns ownerID's certificates.
func (s *CertificateService) List(ctx context.Context, ownerID uuid.UUID) ([]*View, error) {
	list, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*View, 0, len(list))
	for _, c := range list {
		out = append(out, s.view(c))
	}
	return out, nil
}

// Renew renews a paid certificate on request of its owner. The certificate
// must be inside its renewal window.
func (s *CertificateService) Renew(ctx context.Context, ownerID, id uuid.UUID) (*View, error) {
	c, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if c.PaymentStatus != certs.PaymentPaid || !c.CanRenew(s.now()) {
		return nil, ErrPaymentRequired
	}
	renewed, err := s.renewer.Renew(ctx, id, ownerID.String())
	if err != nil {
		return nil, err
	}
	return s.view(renewed), nil
}

func (s *CertificateService) owned(ctx context.Context, ownerID, id uuid.UUID) (*certs.Certificate, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return c, nil
}

func (s *CertificateService) view(c *certs.Certificate) *View {
	now := s.now()
	return &View{
		Certificate: c,
		Status:      c.Status(now),
		CanRenew:    c.CanRenew(now),
		NextAction:  lifecycle.Decide(c, now).String(),
	}
}
