package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors matched by APIError.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrPaymentRequired = errors.New("payment required")
	ErrConflict        = errors.New("conflict")
)

// APIError is a non-2xx response from certd.
type APIError struct {
	StatusCode int
	Message    string
	Diagnostic string
}

func (e *APIError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("certd %d: %s (%s)", e.StatusCode, e.Message, e.Diagnostic)
	}
	return fmt.Sprintf("certd %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrPaymentRequired:
		return e.StatusCode == http.StatusPaymentRequired
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Certificate is a certificate as returned by the API.
type Certificate struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"owner_id"`
	Domains            []string  `json:"domains"`
	IssuedAt           time.Time `json:"issued_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	FreeTrialEndsAt    time.Time `json:"free_trial_ends_at"`
	PaymentStatus      string    `json:"payment_status"`
	NotifiedExpirySoon bool      `json:"notified_expiry_soon"`
	Status             string    `json:"status"`
	CanRenew           bool      `json:"can_renew"`
	NextAction         string    `json:"next_action"`
}

// Order is a payment order.
type Order struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	CertificateID string     `json:"certificate_id"`
	AmountCents   int64      `json:"amount_cents"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

// CreateOrderRequest is the payload for CreateOrder. AmountCents zero
// selects the server default.
type CreateOrderRequest struct {
	CertificateID string `json:"certificate_id"`
	Method        string `json:"method"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
}

// SweepStatus is one scheduled sweep as reported by the admin API.
type SweepStatus struct {
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	LastRun    time.Time       `json:"last_run"`
	NextRun    time.Time       `json:"next_run"`
	InFlight   bool            `json:"in_flight"`
	Runs       int             `json:"runs"`
	Skips      int             `json:"skips"`
	LastError  string          `json:"last_error,omitempty"`
	LastResult json.RawMessage `json:"last_result,omitempty"`
}

// SweepSummary is the result of one sweep pass.
type SweepSummary struct {
	Sweep      string        `json:"sweep"`
	Candidates int           `json:"candidates"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// AuditEntry is one record of a certificate's history.
type AuditEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Hash      string    `json:"hash"`
}

// Client talks to the certd HTTP API.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a session token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCACert trusts only caPEM, for a certd serving a development
// certificate.
func WithCACert(caPEM []byte) Option {
	return func(c *Client) error {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return errors.New("failed to parse CA certificate PEM")
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
			Timeout:   c.httpClient.Timeout,
		}
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the certd instance at base.
//
//	c, err := client.New("https://certd.example.com", client.WithBearerToken(tok))
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Certificates ────────────────────────────────────────────────────────────

// IssueCertificate requests a new certificate covering domains.
func (c *Client) IssueCertificate(ctx context.Context, domains []string) (*Certificate, error) {
	var out Certificate
	err := c.call(ctx, http.MethodPost, "/api/v1/certificates", map[string]any{"domains": domains}, &out)
	return &out, err
}

// ListCertificates returns the caller's certificates.
func (c *Client) ListCertificates(ctx context.Context) ([]Certificate, error) {
	var out struct {
		Certificates []Certificate `json:"certificates"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/certificates", nil, &out)
	return out.Certificates, err
}

// GetCertificate returns one of the caller's certificates.
func (c *Client) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	var out Certificate
	err := c.call(ctx, http.MethodGet, "/api/v1/certificates/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// RenewCertificate renews a paid certificate now.
func (c *Client) RenewCertificate(ctx context.Context, id string) (*Certificate, error) {
	var out Certificate
	err := c.call(ctx, http.MethodPost, "/api/v1/certificates/"+url.PathEscape(id)+"/renew", nil, &out)
	return &out, err
}

// ── Payments ────────────────────────────────────────────────────────────────

// CreateOrder opens a payment order for a certificate.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var out Order
	err := c.call(ctx, http.MethodPost, "/api/v1/payments/orders", req, &out)
	return &out, err
}

// GetOrder returns an order by its merchant reference.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var out Order
	err := c.call(ctx, http.MethodGet, "/api/v1/payments/orders/"+url.PathEscape(orderID), nil, &out)
	return &out, err
}

// CancelOrder abandons a pending order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	var out Order
	err := c.call(ctx, http.MethodPost, "/api/v1/payments/orders/"+url.PathEscape(orderID)+"/cancel", nil, &out)
	return &out, err
}

// ── Admin ───────────────────────────────────────────────────────────────────

// ListSweeps reports the scheduled sweeps. Requires an admin token.
func (c *Client) ListSweeps(ctx context.Context) ([]SweepStatus, error) {
	var out struct {
		Sweeps []SweepStatus `json:"sweeps"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/admin/sweeps", nil, &out)
	return out.Sweeps, err
}

// RunSweep runs a sweep now and waits for its summary. Requires an admin token.
func (c *Client) RunSweep(ctx context.Context, name string) (*SweepSummary, error) {
	var out struct {
		Summary SweepSummary `json:"summary"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/admin/sweeps/"+url.PathEscape(name)+"/run", nil, &out)
	return &out.Summary, err
}

// Evaluate performs whatever lifecycle action is due for a certificate and
// returns its name. Requires an admin token.
func (c *Client) Evaluate(ctx context.Context, id string) (string, error) {
	var out struct {
		Action string `json:"action"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/admin/certificates/"+url.PathEscape(id)+"/evaluate", nil, &out)
	return out.Action, err
}

// AuditTrail returns a certificate's audit entries. Requires an admin token.
func (c *Client) AuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	var out struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/admin/certificates/"+url.PathEscape(id)+"/audit", nil, &out)
	return out.Entries, err
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ── Transport ───────────────────────────────────────────────────────────────

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error      string `json:"error"`
			Diagnostic string `json:"diagnostic"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Diagnostic: e.Diagnostic}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
