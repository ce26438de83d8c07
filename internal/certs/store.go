package certs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a certificate lookup finds no matching record.
var ErrNotFound = errors.New("certificate not found")

// ErrConflict is returned by Save when the stored version no longer matches
// the version the caller read. The caller must re-read and retry.
var ErrConflict = errors.New("certificate modified concurrently")

// Window selects which timestamp a Predicate filters on.
type Window int

const (
	WindowExpiry Window = iota
	WindowFreeTrial
)

// Predicate describes a sweep's candidate set: certificates whose selected
// timestamp falls in (now, now+Horizon], optionally narrowed by payment
// status and by the expiry notification flag.
type Predicate struct {
	Window         Window
	Horizon        time.Duration
	PaymentStatus  PaymentStatus // empty matches any
	OnlyUnnotified bool
}

// Match reports whether c is a candidate at now.
func (p Predicate) Match(c *Certificate, now time.Time) bool {
	t := c.ExpiresAt
	if p.Window == WindowFreeTrial {
		t = c.FreeTrialEndsAt
	}
	if !t.After(now) || t.After(now.Add(p.Horizon)) {
		return false
	}
	if p.PaymentStatus != "" && c.PaymentStatus != p.PaymentStatus {
		return false
	}
	if p.OnlyUnnotified && c.NotifiedExpirySoon {
		return false
	}
	return true
}

// Store is the durable record of certificates.
//
// Save is an optimistic single-row update keyed on Version. It never writes
// FreeTrialEndsAt, never moves PaymentStatus from paid to free, never clears
// NotifiedExpirySoon and never moves ExpiresAt backwards, whatever the caller
// passes in. On success the caller's Version is advanced.
type Store interface {
	Create(ctx context.Context, c *Certificate) error
	Get(ctx context.Context, id uuid.UUID) (*Certificate, error)
	ListCandidates(ctx context.Context, p Predicate, now time.Time) ([]*Certificate, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Certificate, error)
	Save(ctx context.Context, c *Certificate) error
}

// merge applies the monotonic update rules of Save to stored, using the
// mutable fields from incoming.
func merge(stored, incoming *Certificate, now time.Time) {
	if incoming.ExpiresAt.After(stored.ExpiresAt) {
		stored.ExpiresAt = incoming.ExpiresAt.UTC()
	}
	if incoming.PaymentStatus == PaymentPaid {
		stored.PaymentStatus = PaymentPaid
	}
	if incoming.NotifiedExpirySoon {
		stored.NotifiedExpirySoon = true
	}
	if incoming.StoragePath != "" {
		stored.StoragePath = incoming.StoragePath
	}
	stored.Version++
	stored.UpdatedAt = now
}
