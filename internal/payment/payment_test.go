package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/audit"
	"github.com/jmerrifield20/freessl/internal/auth"
	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/payment"
	"go.uber.org/zap"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	store  *certs.MemoryStore
	repo   *payment.MemoryRepository
	ledger *audit.MemoryLedger
	gate   *payment.Gate
	owner  uuid.UUID
	cert   *certs.Certificate

	mu      sync.Mutex
	results []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  certs.NewMemoryStore(),
		repo:   payment.NewMemoryRepository(),
		ledger: audit.NewMemoryLedger(),
		owner:  uuid.New(),
	}
	f.gate = payment.NewGate(f.repo, f.store, zap.NewNop())
	f.gate.SetLedger(f.ledger)
	f.gate.SetClock(func() time.Time { return t0 })
	f.gate.SetMetricsRecorder(func(r string) {
		f.mu.Lock()
		f.results = append(f.results, r)
		f.mu.Unlock()
	})

	f.cert = certs.New(f.owner, []string{"shop.example"}, t0, t0.Add(90*24*time.Hour), "/live/shop.example")
	if err := f.store.Create(ctx, f.cert); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) order(t *testing.T) *payment.Order {
	t.Helper()
	o, err := f.gate.CreateOrder(ctx, f.owner, f.cert.ID, payment.MethodAlipay, 0)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func (f *fixture) paymentStatus(t *testing.T) certs.PaymentStatus {
	t.Helper()
	c, err := f.store.Get(ctx, f.cert.ID)
	if err != nil {
		t.Fatal(err)
	}
	return c.PaymentStatus
}

// ── Gate ──────────────────────────────────────────────────────────────────

func TestCreateOrder_defaults(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)
	if o.AmountCents != payment.DefaultAmountCents || o.Status != payment.StatusPending {
		t.Errorf("order = %+v", o)
	}
	if o.OrderID == "" || o.PaidAt != nil {
		t.Errorf("order = %+v", o)
	}
}

func TestCreateOrder_validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		owner  uuid.UUID
		cert   uuid.UUID
		method payment.Method
		amount int64
		want   error
	}{
		{"bad method", f.owner, f.cert.ID, "paypal", 0, payment.ErrInvalidMethod},
		{"negative amount", f.owner, f.cert.ID, payment.MethodWechat, -1, payment.ErrInvalidAmount},
		{"unknown cert", f.owner, uuid.New(), payment.MethodWechat, 0, certs.ErrNotFound},
		{"other owner", uuid.New(), f.cert.ID, payment.MethodWechat, 0, payment.ErrNotOwner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.gate.CreateOrder(ctx, tc.owner, tc.cert, tc.method, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestConfirmPayment_success(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	res, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: true, TransactionID: "tx-1"})
	if err != nil || res != payment.ResultPaid {
		t.Fatalf("ConfirmPayment = %v, %v", res, err)
	}
	if got := f.paymentStatus(t); got != certs.PaymentPaid {
		t.Errorf("certificate payment status = %s", got)
	}
	stored, _ := f.gate.GetOrder(ctx, o.OrderID)
	if stored.Status != payment.StatusPaid || stored.TransactionID != "tx-1" || stored.PaidAt == nil {
		t.Errorf("order = %+v", stored)
	}

	entries, _ := f.ledger.List(ctx, f.cert.ID)
	if len(entries) != 1 || entries[0].Action != audit.ActionPaid {
		t.Errorf("audit entries = %+v", entries)
	}

	if _, err := f.gate.CreateOrder(ctx, f.owner, f.cert.ID, payment.MethodAlipay, 0); !errors.Is(err, payment.ErrAlreadyPaid) {
		t.Errorf("order on paid certificate: %v", err)
	}
}

func TestConfirmPayment_secondConfirmIsAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)
	if _, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: true, TransactionID: "tx-1"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: false, TransactionID: "tx-2"})
	if !errors.Is(err, payment.ErrAlreadyProcessed) || res != payment.ResultAlreadyProcessed {
		t.Fatalf("second confirm = %v, %v", res, err)
	}
	stored, _ := f.gate.GetOrder(ctx, o.OrderID)
	if stored.Status != payment.StatusPaid || stored.TransactionID != "tx-1" {
		t.Errorf("terminal order was mutated: %+v", stored)
	}
	if f.paymentStatus(t) != certs.PaymentPaid {
		t.Error("certificate lost paid status")
	}
	if len(f.results) != 2 || f.results[1] != string(payment.ResultAlreadyProcessed) {
		t.Errorf("metrics results = %v", f.results)
	}
}

func TestConfirmPayment_failureLeavesCertificateFree(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	res, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: false})
	if err != nil || res != payment.ResultFailed {
		t.Fatalf("ConfirmPayment = %v, %v", res, err)
	}
	if f.paymentStatus(t) != certs.PaymentFree {
		t.Error("failed payment changed certificate")
	}
	stored, _ := f.gate.GetOrder(ctx, o.OrderID)
	if stored.Status != payment.StatusFailed || stored.PaidAt != nil {
		t.Errorf("order = %+v", stored)
	}
}

func TestConfirmPayment_unknownOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gate.ConfirmPayment(ctx, "fs-missing", payment.Outcome{Success: true}); !errors.Is(err, payment.ErrOrderNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestConfirmPayment_concurrentCallbacks(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		paid int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: true, TransactionID: "tx"})
			if err != nil && !errors.Is(err, payment.ErrAlreadyProcessed) {
				t.Errorf("unexpected error: %v", err)
			}
			if res == payment.ResultPaid {
				mu.Lock()
				paid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if paid != 1 {
		t.Errorf("%d callbacks reported paid, want 1", paid)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	if _, err := f.gate.Cancel(ctx, uuid.New(), o.OrderID); !errors.Is(err, payment.ErrNotOwner) {
		t.Errorf("cancel by stranger: %v", err)
	}
	got, err := f.gate.Cancel(ctx, f.owner, o.OrderID)
	if err != nil || got.Status != payment.StatusCancelled {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	if _, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: true}); !errors.Is(err, payment.ErrAlreadyProcessed) {
		t.Errorf("confirm after cancel: %v", err)
	}
	if f.paymentStatus(t) != certs.PaymentFree {
		t.Error("cancelled order paid the certificate")
	}
}

// cancellingRepo cancels an order right after handing it out as pending,
// the way an owner's cancel can land between a callback's read and write.
type cancellingRepo struct {
	*payment.MemoryRepository
	once sync.Once
}

func (r *cancellingRepo) GetByOrderID(ctx context.Context, orderID string) (*payment.Order, error) {
	o, err := r.MemoryRepository.GetByOrderID(ctx, orderID)
	if err == nil && o.Status == payment.StatusPending {
		r.once.Do(func() {
			_, _ = r.MemoryRepository.Transition(ctx, orderID, payment.StatusPending, payment.StatusCancelled, "", t0)
		})
	}
	return o, err
}

func TestConfirmPayment_cancelledMidCallbackLeavesCertificateFree(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	gate := payment.NewGate(&cancellingRepo{MemoryRepository: f.repo}, f.store, zap.NewNop())
	gate.SetClock(func() time.Time { return t0 })

	res, err := gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: true, TransactionID: "tx-race"})
	if res != payment.ResultAlreadyProcessed || !errors.Is(err, payment.ErrAlreadyProcessed) {
		t.Fatalf("ConfirmPayment = %q, %v", res, err)
	}
	stored, err := f.repo.GetByOrderID(ctx, o.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != payment.StatusCancelled {
		t.Errorf("order status = %s, want cancelled", stored.Status)
	}
	if f.paymentStatus(t) != certs.PaymentFree {
		t.Error("certificate paid for a cancelled order")
	}
}

func TestConfirmPayment_redeliveryFinishesClaimedOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	// A previous callback claimed the order and died before the certificate write.
	if ok, err := f.repo.Transition(ctx, o.OrderID, payment.StatusPending, payment.StatusConfirming, "tx-1", t0); !ok || err != nil {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if _, err := f.gate.Cancel(ctx, f.owner, o.OrderID); !errors.Is(err, payment.ErrAlreadyProcessed) {
		t.Errorf("cancel of claimed order: %v", err)
	}
	if res, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: false}); !errors.Is(err, payment.ErrAlreadyProcessed) {
		t.Errorf("failure outcome on claimed order = %q, %v", res, err)
	}

	res, err := f.gate.ConfirmPayment(ctx, o.OrderID, payment.Outcome{Success: true, TransactionID: "tx-1"})
	if err != nil || res != payment.ResultPaid {
		t.Fatalf("redelivery = %q, %v", res, err)
	}
	stored, _ := f.repo.GetByOrderID(ctx, o.OrderID)
	if stored.Status != payment.StatusPaid || stored.PaidAt == nil {
		t.Errorf("order = %+v", stored)
	}
	if f.paymentStatus(t) != certs.PaymentPaid {
		t.Error("certificate not paid after redelivery")
	}
}

// ── HTTP ──────────────────────────────────────────────────────────────────

const (
	webhookSecret = "whsec-test"
	tokenSecret   = "0123456789abcdef0123456789abcdef"
)

func newRouter(t *testing.T, f *fixture) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokens, err := auth.NewTokens(tokenSecret, "freessl-test")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := tokens.Issue(f.owner, "owner@example.com", auth.RoleOwner, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	payment.NewHandler(f.gate, tokens, webhookSecret, zap.NewNop()).Register(r.Group("/api/v1"))
	return r, tok
}

func callback(r http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(payment.SignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCallback_signature(t *testing.T) {
	f := newFixture(t)
	r, _ := newRouter(t, f)
	o := f.order(t)
	body, _ := json.Marshal(map[string]any{"order_id": o.OrderID, "success": true, "transaction_id": "tx-9"})

	if w := callback(r, body, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: status %d", w.Code)
	}
	if w := callback(r, body, payment.Sign(body, "wrong")); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d", w.Code)
	}
	if f.paymentStatus(t) != certs.PaymentFree {
		t.Fatal("rejected callback reached the gate")
	}

	w := callback(r, body, payment.Sign(body, webhookSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("signed: status %d body %s", w.Code, w.Body)
	}
	if f.paymentStatus(t) != certs.PaymentPaid {
		t.Error("signed callback did not pay the certificate")
	}

	w = callback(r, body, payment.Sign(body, webhookSecret))
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || resp["status"] != string(payment.ResultAlreadyProcessed) {
		t.Errorf("redelivery: status %d body %s", w.Code, w.Body)
	}
}

func TestOrderRoutes(t *testing.T) {
	f := newFixture(t)
	r, tok := newRouter(t, f)

	body, _ := json.Marshal(map[string]any{"certificate_id": f.cert.ID.String(), "method": "wechat"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body)
	}
	var o payment.Order
	if err := json.Unmarshal(w.Body.Bytes(), &o); err != nil {
		t.Fatal(err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/payments/orders/"+o.OrderID, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("get: status %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/payments/orders/"+o.OrderID+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("cancel: status %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/payments/orders", bytes.NewReader(body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated create: status %d", w.Code)
	}
}
