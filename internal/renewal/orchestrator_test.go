package renewal_test

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
	"github.com/jmerrifield20/freessl/internal/lifecycle"
	"github.com/jmerrifield20/freessl/internal/notify"
	"github.com/jmerrifield20/freessl/internal/renewal"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ── Stub notifier ─────────────────────────────────────────────────────────

type sentNotice struct {
	kind   notify.Kind
	certID uuid.UUID
	to     string
}

type stubNotifier struct {
	mu     sync.Mutex
	sent   []sentNotice
	failOn map[uuid.UUID]error
}

func (n *stubNotifier) Send(_ context.Context, kind notify.Kind, to notify.Recipient, c notify.CertificateSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failOn[c.ID]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentNotice{kind: kind, certID: c.ID, to: to.Email})
	return nil
}

func (n *stubNotifier) count(kind notify.Kind, id uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, s := range n.sent {
		if s.kind == kind && s.certID == id {
			total++
		}
	}
	return total
}

// ── Stub renewer ──────────────────────────────────────────────────────────

type stubRenewer struct {
	mu     sync.Mutex
	calls  map[uuid.UUID]int
	expiry map[uuid.UUID]time.Time
	errs   map[uuid.UUID]error
}

func newStubRenewer() *stubRenewer {
	return &stubRenewer{
		calls:  make(map[uuid.UUID]int),
		expiry: make(map[uuid.UUID]time.Time),
		errs:   make(map[uuid.UUID]error),
	}
}

func (r *stubRenewer) Renew(_ context.Context, c *certs.Certificate) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID]++
	if err := r.errs[c.ID]; err != nil {
		return time.Time{}, err
	}
	return r.expiry[c.ID], nil
}

func (r *stubRenewer) callCount(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

// ── Fixture ───────────────────────────────────────────────────────────────

type fixture struct {
	store    *certs.MemoryStore
	owners   *accounts.MemoryDirectory
	notifier *stubNotifier
	renewer  *stubRenewer
	ledger   *audit.MemoryLedger
	orch     *renewal.Orchestrator
	owner    *accounts.Account
	now      time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		store:    certs.NewMemoryStore(),
		owners:   accounts.NewMemoryDirectory(),
		notifier: &stubNotifier{failOn: make(map[uuid.UUID]error)},
		renewer:  newStubRenewer(),
		ledger:   audit.NewMemoryLedger(),
		now:      now,
	}
	f.owner = &accounts.Account{Email: "owner@example.com", Username: "owner"}
	if err := f.owners.Create(context.Background(), f.owner); err != nil {
		t.Fatal(err)
	}
	f.orch = renewal.New(f.store, f.owners, f.notifier, f.renewer, renewal.Config{Workers: 3}, zap.NewNop())
	f.orch.SetClock(func() time.Time { return f.now })
	f.orch.SetLedger(f.ledger)
	return f
}

// issue stores a certificate issued at issuedAt, expiring at expiresAt.
func (f *fixture) issue(t *testing.T, domain string, issuedAt, expiresAt time.Time, paid bool) *certs.Certificate {
	t.Helper()
	c := certs.New(f.owner.ID, []string{domain}, issuedAt, expiresAt, "/live/"+domain)
	if paid {
		c.PaymentStatus = certs.PaymentPaid
	}
	if err := f.store.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *certs.Certificate {
	t.Helper()
	c, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var ctx = context.Background()

// ── Expiry notices ────────────────────────────────────────────────────────

func TestSweepExpiryNotices_notifiesOnce(t *testing.T) {
	f := newFixture(t, t0)
	soon := f.issue(t, "soon.example", t0.Add(-60*day), t0.Add(10*day), false)
	paid := f.issue(t, "paid.example", t0.Add(-60*day), t0.Add(20*day), true)
	later := f.issue(t, "later.example", t0, t0.Add(90*day), false)

	sum := f.orch.SweepExpiryNotices(ctx)
	if sum.Candidates != 2 || sum.Succeeded != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, c := range []*certs.Certificate{soon, paid} {
		if got := f.notifier.count(notify.KindExpiringSoon, c.ID); got != 1 {
			t.Errorf("%s notified %d times, want 1", c.PrimaryDomain(), got)
		}
		if !f.get(t, c.ID).NotifiedExpirySoon {
			t.Errorf("%s not marked notified", c.PrimaryDomain())
		}
	}
	if f.notifier.count(notify.KindExpiringSoon, later.ID) != 0 {
		t.Error("certificate outside the window was notified")
	}

	again := f.orch.SweepExpiryNotices(ctx)
	if again.Candidates != 0 {
		t.Errorf("second pass found %d candidates, want 0", again.Candidates)
	}
	if got := f.notifier.count(notify.KindExpiringSoon, soon.ID); got != 1 {
		t.Errorf("second pass re-notified: %d", got)
	}
}

func TestSweepExpiryNotices_failureLeavesFlagForRetry(t *testing.T) {
	f := newFixture(t, t0)
	bad := f.issue(t, "bad.example", t0.Add(-80*day), t0.Add(5*day), false)
	good := f.issue(t, "good.example", t0.Add(-80*day), t0.Add(6*day), false)
	f.notifier.failOn[bad.ID] = errors.New("smtp: 421 try later")

	sum := f.orch.SweepExpiryNotices(ctx)
	if sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.get(t, bad.ID).NotifiedExpirySoon {
		t.Error("failed notice was marked as sent")
	}
	if !f.get(t, good.ID).NotifiedExpirySoon {
		t.Error("one failure blocked the rest of the batch")
	}

	delete(f.notifier.failOn, bad.ID)
	retry := f.orch.SweepExpiryNotices(ctx)
	if retry.Candidates != 1 || retry.Succeeded != 1 {
		t.Fatalf("retry summary = %+v", retry)
	}
}

func TestSweepExpiryNotices_missingOwnerFails(t *testing.T) {
	f := newFixture(t, t0)
	c := certs.New(uuid.New(), []string{"orphan.example"}, t0.Add(-80*day), t0.Add(3*day), "")
	if err := f.store.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	sum := f.orch.SweepExpiryNotices(ctx)
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.get(t, c.ID).NotifiedExpirySoon {
		t.Error("orphaned certificate marked notified")
	}
}

// racingStore lets another writer set the notified flag between the
// orchestrator's read and its first save.
type racingStore struct {
	*certs.MemoryStore
	once  sync.Once
	saves int
	mu    sync.Mutex
}

func (r *racingStore) Save(ctx context.Context, c *certs.Certificate) error {
	r.once.Do(func() {
		other, err := r.MemoryStore.Get(ctx, c.ID)
		if err != nil {
			return
		}
		other.NotifiedExpirySoon = true
		_ = r.MemoryStore.Save(ctx, other)
	})
	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	return r.MemoryStore.Save(ctx, c)
}

func TestSweepExpiryNotices_conflictRetryIsNoop(t *testing.T) {
	f := newFixture(t, t0)
	c := f.issue(t, "race.example", t0.Add(-70*day), t0.Add(8*day), false)
	rs := &racingStore{MemoryStore: f.store}
	orch := renewal.New(rs, f.owners, f.notifier, f.renewer, renewal.Config{}, zap.NewNop())
	orch.SetClock(func() time.Time { return t0 })

	sum := orch.SweepExpiryNotices(ctx)
	if sum.Succeeded != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	stored := f.get(t, c.ID)
	if !stored.NotifiedExpirySoon {
		t.Error("flag not set")
	}
	// Create=1, racing writer=2. The orchestrator's conflicting save must not
	// be followed by a second write once it sees the flag already set.
	if stored.Version != 2 {
		t.Errorf("Version = %d, want 2", stored.Version)
	}
	if rs.saves != 1 {
		t.Errorf("orchestrator saved %d times, want 1 (conflict then no-op)", rs.saves)
	}
	if got := f.notifier.count(notify.KindExpiringSoon, c.ID); got != 1 {
		t.Errorf("notified %d times, want 1", got)
	}
}

// ── Free-trial notices ────────────────────────────────────────────────────

func TestSweepFreeTrialNotices_repeatsUntilPaid(t *testing.T) {
	f := newFixture(t, t0)
	c := f.issue(t, "trial.example", t0.Add(-70*day), t0.Add(20*day), false)
	paid := f.issue(t, "paid.example", t0.Add(-70*day), t0.Add(20*day), true)

	for i := 0; i < 3; i++ {
		sum := f.orch.SweepFreeTrialNotices(ctx)
		if sum.Candidates != 1 || sum.Succeeded != 1 {
			t.Fatalf("pass %d summary = %+v", i, sum)
		}
	}
	if got := f.notifier.count(notify.KindFreeTrialEnding, c.ID); got != 3 {
		t.Errorf("free trial notices = %d, want 3", got)
	}
	if f.notifier.count(notify.KindFreeTrialEnding, paid.ID) != 0 {
		t.Error("paid certificate received a free trial notice")
	}

	cur := f.get(t, c.ID)
	cur.PaymentStatus = certs.PaymentPaid
	if err := f.store.Save(ctx, cur); err != nil {
		t.Fatal(err)
	}
	if sum := f.orch.SweepFreeTrialNotices(ctx); sum.Candidates != 0 {
		t.Errorf("paid certificate still a candidate: %+v", sum)
	}
}

// A certificate 29 days before both deadlines gets both notices, from
// separate sweeps, and Decide picks the expiry notice.
func TestScenario_bothWindowsOverlap(t *testing.T) {
	issued := t0
	f := newFixture(t, issued.Add(61*day))
	c := f.issue(t, "both.example", issued, issued.Add(90*day), false)

	if got := lifecycle.Decide(f.get(t, c.ID), f.now); got != lifecycle.NotifyExpiringSoon {
		t.Fatalf("Decide = %v, want NotifyExpiringSoon", got)
	}

	f.orch.SweepExpiryNotices(ctx)
	f.orch.SweepFreeTrialNotices(ctx)

	if f.notifier.count(notify.KindExpiringSoon, c.ID) != 1 {
		t.Error("expiry notice not sent")
	}
	if f.notifier.count(notify.KindFreeTrialEnding, c.ID) != 1 {
		t.Error("free trial notice not sent")
	}
	if !f.get(t, c.ID).NotifiedExpirySoon {
		t.Error("NotifiedExpirySoon not set")
	}
	if f.get(t, c.ID).PaymentStatus != certs.PaymentFree {
		t.Error("payment status changed by a notice sweep")
	}
}

// ── Auto-renewal ──────────────────────────────────────────────────────────

func TestSweepAutoRenewals_extendsExpiry(t *testing.T) {
	f := newFixture(t, t0)
	c := f.issue(t, "paid.example", t0.Add(-80*day), t0.Add(10*day), true)
	free := f.issue(t, "free.example", t0.Add(-80*day), t0.Add(10*day), false)
	f.renewer.expiry[c.ID] = t0.Add(90 * day)

	sum := f.orch.SweepAutoRenewals(ctx)
	if sum.Candidates != 1 || sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	stored := f.get(t, c.ID)
	if !stored.ExpiresAt.Equal(t0.Add(90 * day)) {
		t.Errorf("ExpiresAt = %v, want %v", stored.ExpiresAt, t0.Add(90*day))
	}
	if stored.PaymentStatus != certs.PaymentPaid {
		t.Error("payment status changed by renewal")
	}
	if !stored.FreeTrialEndsAt.Equal(c.FreeTrialEndsAt) {
		t.Error("FreeTrialEndsAt changed by renewal")
	}
	if f.renewer.callCount(c.ID) != 1 || f.renewer.callCount(free.ID) != 0 {
		t.Errorf("renew calls: paid=%d free=%d", f.renewer.callCount(c.ID), f.renewer.callCount(free.ID))
	}

	entries, _ := f.ledger.List(ctx, c.ID)
	if len(entries) != 1 || entries[0].Action != audit.ActionRenewed {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestSweepAutoRenewals_failureIsolated(t *testing.T) {
	f := newFixture(t, t0)
	bad := f.issue(t, "bad.example", t0.Add(-80*day), t0.Add(4*day), true)
	good := f.issue(t, "good.example", t0.Add(-80*day), t0.Add(5*day), true)
	f.renewer.errs[bad.ID] = &issuer.RenewalError{Domain: "bad.example", Err: errors.New("too many certificates")}
	f.renewer.expiry[good.ID] = t0.Add(95 * day)

	sum := f.orch.SweepAutoRenewals(ctx)
	if sum.Candidates != 2 || sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	stored := f.get(t, bad.ID)
	if !stored.ExpiresAt.Equal(bad.ExpiresAt) || stored.Version != bad.Version {
		t.Errorf("failed renewal modified the certificate: %+v", stored)
	}
	if !f.get(t, good.ID).ExpiresAt.Equal(t0.Add(95 * day)) {
		t.Error("successful renewal not recorded")
	}
}

func TestSweepAutoRenewals_rejectsNonIncreasingExpiry(t *testing.T) {
	f := newFixture(t, t0)
	c := f.issue(t, "stale.example", t0.Add(-80*day), t0.Add(10*day), true)
	f.renewer.expiry[c.ID] = t0.Add(10 * day)

	sum := f.orch.SweepAutoRenewals(ctx)
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.get(t, c.ID).Version != c.Version {
		t.Error("certificate saved after a non-increasing renewal")
	}
}

// afterListStore runs hook once the candidate list has been taken, the way
// a manual renewal or payment can land while a sweep is in progress.
type afterListStore struct {
	*certs.MemoryStore
	hook func()
}

func (s *afterListStore) ListCandidates(ctx context.Context, p certs.Predicate, now time.Time) ([]*certs.Certificate, error) {
	list, err := s.MemoryStore.ListCandidates(ctx, p, now)
	if err == nil && s.hook != nil {
		s.hook()
	}
	return list, err
}

func TestSweepAutoRenewals_skipsCertificateRenewedAfterListing(t *testing.T) {
	f := newFixture(t, t0)
	c := f.issue(t, "manual.example", t0.Add(-80*day), t0.Add(10*day), true)
	f.renewer.expiry[c.ID] = t0.Add(100 * day)

	st := &afterListStore{MemoryStore: f.store}
	orch := renewal.New(st, f.owners, f.notifier, f.renewer, renewal.Config{}, zap.NewNop())
	orch.SetClock(func() time.Time { return t0 })
	st.hook = func() {
		if _, err := orch.Renew(ctx, c.ID, "owner"); err != nil {
			t.Errorf("manual Renew: %v", err)
		}
	}

	sum := orch.SweepAutoRenewals(ctx)
	if sum.Candidates != 1 || sum.Skipped != 1 || sum.Succeeded != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if got := f.renewer.callCount(c.ID); got != 1 {
		t.Errorf("issuer renew calls = %d, want 1", got)
	}
}

func TestSweepNotices_skipCertificateChangedAfterListing(t *testing.T) {
	f := newFixture(t, t0)
	c := f.issue(t, "late.example", t0.Add(-70*day), t0.Add(20*day), false)

	st := &afterListStore{MemoryStore: f.store}
	orch := renewal.New(st, f.owners, f.notifier, f.renewer, renewal.Config{}, zap.NewNop())
	orch.SetClock(func() time.Time { return t0 })
	st.hook = func() {
		cur := f.get(t, c.ID)
		cur.PaymentStatus = certs.PaymentPaid
		cur.NotifiedExpirySoon = true
		if err := f.store.Save(ctx, cur); err != nil {
			t.Errorf("Save: %v", err)
		}
	}

	if sum := orch.SweepFreeTrialNotices(ctx); sum.Skipped != 1 {
		t.Errorf("free trial summary = %+v", sum)
	}
	if sum := orch.SweepExpiryNotices(ctx); sum.Candidates != 0 {
		t.Errorf("expiry summary = %+v", sum)
	}
	if got := f.notifier.count(notify.KindFreeTrialEnding, c.ID); got != 0 {
		t.Errorf("free trial notices = %d, want 0 after payment", got)
	}
}

type brokenListStore struct {
	*certs.MemoryStore
}

func (brokenListStore) ListCandidates(context.Context, certs.Predicate, time.Time) ([]*certs.Certificate, error) {
	return nil, errors.New("connection refused")
}

func TestRunSweep_reportsListFailure(t *testing.T) {
	f := newFixture(t, t0)
	orch := renewal.New(brokenListStore{f.store}, f.owners, f.notifier, f.renewer, renewal.Config{}, zap.NewNop())

	sum, err := orch.RunSweep(ctx, renewal.SweepAutoRenewals)
	if err == nil {
		t.Fatal("expected the list error to be returned")
	}
	if sum.Error == "" || sum.Candidates != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestSweep_manyCandidatesEachProcessedOnce(t *testing.T) {
	f := newFixture(t, t0)
	var ids []uuid.UUID
	for i := 0; i < 25; i++ {
		c := f.issue(t, uuid.NewString()+".example", t0.Add(-80*day), t0.Add(time.Duration(i+1)*day), true)
		f.renewer.expiry[c.ID] = t0.Add(120 * day)
		ids = append(ids, c.ID)
	}
	var mu sync.Mutex
	results := map[string]int{}
	f.orch.SetResultRecorder(func(sweep, result string) {
		mu.Lock()
		results[sweep+":"+result]++
		mu.Unlock()
	})

	sum := f.orch.SweepAutoRenewals(ctx)
	if sum.Succeeded != 25 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, id := range ids {
		if n := f.renewer.callCount(id); n != 1 {
			t.Errorf("certificate %s renewed %d times", id, n)
		}
	}
	if results["auto_renewals:succeeded"] != 25 {
		t.Errorf("recorded results = %v", results)
	}
}

func TestSweep_cancelledContextSkipsAll(t *testing.T) {
	f := newFixture(t, t0)
	f.issue(t, "a.example", t0.Add(-80*day), t0.Add(3*day), false)
	f.issue(t, "b.example", t0.Add(-80*day), t0.Add(4*day), false)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	sum := f.orch.SweepExpiryNotices(cctx)
	if sum.Candidates != 2 || sum.Skipped != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(f.notifier.sent) != 0 {
		t.Error("notices sent after cancellation")
	}
}

// ── Manual paths ──────────────────────────────────────────────────────────

func TestRenew_manual(t *testing.T) {
	f := newFixture(t, t0)
	c := f.issue(t, "manual.example", t0.Add(-89*day), t0.Add(-time.Hour), true)
	f.renewer.expiry[c.ID] = t0.Add(90 * day)

	got, err := f.orch.Renew(ctx, c.ID, "owner@example.com")
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !got.ExpiresAt.Equal(t0.Add(90 * day)) {
		t.Errorf("ExpiresAt = %v", got.ExpiresAt)
	}
	if _, err := f.orch.Renew(ctx, uuid.New(), "x"); !errors.Is(err, certs.ErrNotFound) {
		t.Errorf("missing certificate: got %v", err)
	}
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t, t0)
	paid := f.issue(t, "paid.example", t0.Add(-80*day), t0.Add(7*day), true)
	f.renewer.expiry[paid.ID] = t0.Add(97 * day)
	trial := f.issue(t, "trial.example", t0.Add(-70*day), t0.Add(20*day), false)
	fresh := f.issue(t, "fresh.example", t0, t0.Add(90*day), false)

	cases := []struct {
		id   uuid.UUID
		want lifecycle.Action
	}{
		{paid.ID, lifecycle.AutoRenew},
		{trial.ID, lifecycle.NotifyExpiringSoon},
		{fresh.ID, lifecycle.NoOp},
	}
	for _, tc := range cases {
		got, err := f.orch.Evaluate(ctx, tc.id)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if got != tc.want {
			t.Errorf("Evaluate = %v, want %v", got, tc.want)
		}
	}
	if f.renewer.callCount(paid.ID) != 1 {
		t.Error("AutoRenew not executed")
	}
	if !f.get(t, trial.ID).NotifiedExpirySoon {
		t.Error("NotifyExpiringSoon not executed")
	}

	// Once notified, the same certificate falls through to the trial notice.
	got, err := f.orch.Evaluate(ctx, trial.ID)
	if err != nil || got != lifecycle.NotifyFreeTrialEnding {
		t.Errorf("second Evaluate = %v, %v", got, err)
	}
}

func TestRunSweep_unknown(t *testing.T) {
	f := newFixture(t, t0)
	if _, err := f.orch.RunSweep(ctx, "nope"); !errors.Is(err, renewal.ErrUnknownSweep) {
		t.Errorf("got %v, want ErrUnknownSweep", err)
	}
	for _, name := range renewal.SweepNames() {
		sum, err := f.orch.RunSweep(ctx, name)
		if err != nil || sum.Sweep != name {
			t.Errorf("RunSweep(%q) = %+v, %v", name, sum, err)
		}
	}
}
