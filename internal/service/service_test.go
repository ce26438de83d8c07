package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/accounts"
	"github.com/jmerrifield20/freessl/internal/audit"
	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/issuer"
	"github.com/jmerrifield20/freessl/internal/service"
	"go.uber.org/zap"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	day = 24 * time.Hour
)

type stubIssuer struct {
	mu        sync.Mutex
	lastEmail string
	err       error
}

func (s *stubIssuer) Issue(_ context.Context, domains []string, email string) (*issuer.Issuance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEmail = email
	if s.err != nil {
		return nil, s.err
	}
	return &issuer.Issuance{Domains: domains, ExpiresAt: t0.Add(90 * day), StoragePath: "/live/" + domains[0]}, nil
}

type stubRenewer struct {
	store *certs.MemoryStore
	calls int
}

func (r *stubRenewer) Renew(ctx context.Context, id uuid.UUID, _ string) (*certs.Certificate, error) {
	r.calls++
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = c.ExpiresAt.Add(90 * day)
	if err := r.store.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

type fixture struct {
	svc     *service.CertificateService
	store   *certs.MemoryStore
	issuer  *stubIssuer
	renewer *stubRenewer
	ledger  *audit.MemoryLedger
	owner   *accounts.Account
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  certs.NewMemoryStore(),
		issuer: &stubIssuer{},
		ledger: audit.NewMemoryLedger(),
		now:    t0,
	}
	f.renewer = &stubRenewer{store: f.store}
	dir := accounts.NewMemoryDirectory()
	f.owner = &accounts.Account{Email: "owner@example.com", Username: "owner"}
	if err := dir.Create(ctx, f.owner); err != nil {
		t.Fatal(err)
	}
	f.svc = service.New(f.store, dir, f.issuer, f.renewer, zap.NewNop())
	f.svc.SetLedger(f.ledger)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.Issue(ctx, f.owner.ID, []string{"example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if f.issuer.lastEmail != "owner@example.com" {
		t.Errorf("issuer got email %q", f.issuer.lastEmail)
	}
	if !v.FreeTrialEndsAt.Equal(t0.Add(certs.FreeTrialPeriod)) || v.PaymentStatus != certs.PaymentFree {
		t.Errorf("certificate = %+v", v.Certificate)
	}
	if v.Status != certs.StatusActive || v.CanRenew {
		t.Errorf("view status=%s can_renew=%v", v.Status, v.CanRenew)
	}
	entries, _ := f.ledger.List(ctx, v.ID)
	if len(entries) != 1 || entries[0].Action != audit.ActionIssued {
		t.Errorf("audit = %+v", entries)
	}
}

func TestIssue_unknownOwner(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Issue(ctx, uuid.New(), []string{"example.com"}); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestIssue_issuerFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.issuer.err = &issuer.IssuanceError{Diagnostic: "DNS problem"}
	_, err := f.svc.Issue(ctx, f.owner.ID, []string{"example.com"})
	var ierr *issuer.IssuanceError
	if !errors.As(err, &ierr) {
		t.Fatalf("err = %v", err)
	}
	list, _ := f.svc.List(ctx, f.owner.ID)
	if len(list) != 0 {
		t.Errorf("stored %d certificates after failed issuance", len(list))
	}
}

func TestGet_ownership(t *testing.T) {
	f := newFixture(t)
	v, _ := f.svc.Issue(ctx, f.owner.ID, []string{"example.com"})

	if _, err := f.svc.Get(ctx, uuid.New(), v.ID); !errors.Is(err, service.ErrForbidden) {
		t.Errorf("stranger: %v", err)
	}
	if _, err := f.svc.Get(ctx, f.owner.ID, uuid.New()); !errors.Is(err, certs.ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
	got, err := f.svc.Get(ctx, f.owner.ID, v.ID)
	if err != nil || got.ID != v.ID {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.NextAction != "noop" {
		t.Errorf("next action = %s", got.NextAction)
	}
}

func TestRenew_requiresPaidAndWindow(t *testing.T) {
	f := newFixture(t)
	v, _ := f.svc.Issue(ctx, f.owner.ID, []string{"example.com"})

	f.now = t0.Add(70 * day)
	if _, err := f.svc.Renew(ctx, f.owner.ID, v.ID); !errors.Is(err, service.ErrPaymentRequired) {
		t.Fatalf("free certificate: %v", err)
	}

	c, _ := f.store.Get(ctx, v.ID)
	c.PaymentStatus = certs.PaymentPaid
	if err := f.store.Save(ctx, c); err != nil {
		t.Fatal(err)
	}

	f.now = t0.Add(10 * day)
	if _, err := f.svc.Renew(ctx, f.owner.ID, v.ID); !errors.Is(err, service.ErrPaymentRequired) {
		t.Fatalf("outside window: %v", err)
	}
	if f.renewer.calls != 0 {
		t.Fatalf("renewer called %d times", f.renewer.calls)
	}

	f.now = t0.Add(70 * day)
	got, err := f.svc.Renew(ctx, f.owner.ID, v.ID)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !got.ExpiresAt.After(v.ExpiresAt) {
		t.Errorf("expiry not extended: %v", got.ExpiresAt)
	}
	if _, err := f.svc.Renew(ctx, uuid.New(), v.ID); !errors.Is(err, service.ErrForbidden) {
		t.Errorf("stranger renew: %v", err)
	}
}

func TestList_onlyOwner(t *testing.T) {
	f := newFixture(t)
	for _, d := range []string{"a.example", "b.example"} {
		if _, err := f.svc.Issue(ctx, f.owner.ID, []string{d}); err != nil {
			t.Fatal(err)
		}
	}
	mine, _ := f.svc.List(ctx, f.owner.ID)
	if len(mine) != 2 {
		t.Errorf("owner sees %d", len(mine))
	}
	theirs, _ := f.svc.List(ctx, uuid.New())
	if len(theirs) != 0 {
		t.Errorf("stranger sees %d", len(theirs))
	}
}
