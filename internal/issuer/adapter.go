package issuer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmerrifield20/freessl/internal/certs"
	"go.uber.org/zap"
)

// Capability is the external certificate issuer. Implementations report the
// expiry exactly as the issuer prints it; the Adapter owns parsing.
type Capability interface {
	Issue(ctx context.Context, domains []string, email string) (Issued, error)
	Renew(ctx context.Context, primaryDomain, storagePath string) (rawExpiry string, err error)
}

// Issued is a Capability's raw issuance result.
type Issued struct {
	RawExpiry   string
	StoragePath string
}

// Issuance is a validated, parsed issuance result.
type Issuance struct {
	Domains     []string
	ExpiresAt   time.Time
	StoragePath string
}

// CallRecorder is an optional callback for recording issuer call outcomes.
type CallRecorder func(op string, success bool)

// Adapter wraps a Capability with validation, a call timeout, error
// translation and expiry parsing. It never retries.
type Adapter struct {
	capability Capability
	timeout    time.Duration
	onCall     CallRecorder
	logger     *zap.Logger
}

// DefaultTimeout bounds a single issuer call when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// NewAdapter creates an Adapter. A zero timeout selects DefaultTimeout.
func NewAdapter(capability Capability, timeout time.Duration, logger *zap.Logger) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{capability: capability, timeout: timeout, logger: logger}
}

// SetCallRecorder configures the metrics callback.
func (a *Adapter) SetCallRecorder(fn CallRecorder) {
	a.onCall = fn
}

// Issue validates input and asks the issuer for a new certificate.
func (a *Adapter) Issue(ctx context.Context, domains []string, email string) (*Issuance, error) {
	cleaned, err := normalizeDomains(domains)
	if err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, &ValidationError{Msg: "contact email is required"}
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("contact email %q is malformed", email)}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	issued, err := a.capability.Issue(callCtx, cleaned, email)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		a.record("issue", false)
		return nil, &IssuanceError{Diagnostic: diagnosticOf(err), Err: err}
	}

	expiresAt, err := ParseExpiry(issued.RawExpiry)
	if err != nil {
		a.record("issue", false)
		return nil, &IssuanceError{Err: err}
	}
	a.record("issue", true)

	a.logger.Info("certificate issued",
		zap.String("domain", cleaned[0]),
		zap.Int("domains", len(cleaned)),
		zap.Time("expires_at", expiresAt),
	)
	return &Issuance{Domains: cleaned, ExpiresAt: expiresAt, StoragePath: issued.StoragePath}, nil
}

// Renew renews c under its primary domain and returns the new expiry.
func (a *Adapter) Renew(ctx context.Context, c *certs.Certificate) (time.Time, error) {
	domain := c.PrimaryDomain()
	if domain == "" {
		return time.Time{}, &RenewalError{Err: errors.New("certificate has no primary domain")}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.capability.Renew(callCtx, domain, c.StoragePath)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		a.record("renew", false)
		return time.Time{}, &RenewalError{Domain: domain, Diagnostic: diagnosticOf(err), Err: err}
	}

	expiresAt, err := ParseExpiry(raw)
	if err != nil {
		a.record("renew", false)
		return time.Time{}, &RenewalError{Domain: domain, Err: err}
	}
	a.record("renew", true)
	return expiresAt, nil
}

func (a *Adapter) record(op string, success bool) {
	if a.onCall != nil {
		a.onCall(op, success)
	}
}

// normalizeDomains trims every entry and rejects an empty set or blank names.
func normalizeDomains(domains []string) ([]string, error) {
	if len(domains) == 0 {
		return nil, &ValidationError{Msg: "at least one domain is required"}
	}
	out := make([]string, 0, len(domains))
	for i, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			return nil, &ValidationError{Msg: fmt.Sprintf("domain %d is blank", i)}
		}
		out = append(out, d)
	}
	return out, nil
}

func diagnosticOf(err error) string {
	var d *diagnosticError
	if errors.As(err, &d) {
		return strings.TrimSpace(d.output)
	}
	return ""
}
