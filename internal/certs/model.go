package certs

import (
	"time"

	"github.com/google/uuid"
)

// FreeTrialPeriod is how long a newly issued certificate is valid at no charge.
const FreeTrialPeriod = 90 * 24 * time.Hour

// renewalNoticeDays is how close the free-trial end must be for CanRenew.
const renewalNoticeDays = 30

// PaymentStatus records whether a certificate has been paid for.
type PaymentStatus string

const (
	PaymentFree PaymentStatus = "free"
	PaymentPaid PaymentStatus = "paid"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	return s == PaymentFree || s == PaymentPaid
}

// Status is the read-time validity of a certificate. It is never stored.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Certificate is a certificate issued on behalf of an account.
type Certificate struct {
	ID                 uuid.UUID     `json:"id"                   db:"id"`
	OwnerID            uuid.UUID     `json:"owner_id"             db:"owner_id"`
	Domains            []string      `json:"domains"              db:"domains"`
	IssuedAt           time.Time     `json:"issued_at"            db:"issued_at"`
	ExpiresAt          time.Time     `json:"expires_at"           db:"expires_at"`
	FreeTrialEndsAt    time.Time     `json:"free_trial_ends_at"   db:"free_trial_ends_at"`
	PaymentStatus      PaymentStatus `json:"payment_status"       db:"payment_status"`
	NotifiedExpirySoon bool          `json:"notified_expiry_soon" db:"notified_expiry_soon"`
	StoragePath        string        `json:"-"                    db:"storage_path"`
	Version            int64         `json:"version"              db:"version"`
	CreatedAt          time.Time     `json:"created_at"           db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"           db:"updated_at"`
}

// New builds a certificate record for a successful issuance. The free trial
// window is fixed here and never changes afterwards.
func New(ownerID uuid.UUID, domains []string, issuedAt, expiresAt time.Time, storagePath string) *Certificate {
	issuedAt = issuedAt.UTC()
	return &Certificate{
		OwnerID:         ownerID,
		Domains:         append([]string(nil), domains...),
		IssuedAt:        issuedAt,
		ExpiresAt:       expiresAt.UTC(),
		FreeTrialEndsAt: issuedAt.Add(FreeTrialPeriod),
		PaymentStatus:   PaymentFree,
		StoragePath:     storagePath,
	}
}

// PrimaryDomain returns the canonical domain used for storage and renewal naming.
func (c *Certificate) PrimaryDomain() string {
	if len(c.Domains) == 0 {
		return ""
	}
	return c.Domains[0]
}

// Status derives active/expired from ExpiresAt.
func (c *Certificate) Status(now time.Time) Status {
	if c.ExpiresAt.After(now) {
		return StatusActive
	}
	return StatusExpired
}

// CanRenew reports whether the owner should be offered a renewal: the free
// trial ends within the notice window (counted in whole days) or the
// certificate has already expired.
func (c *Certificate) CanRenew(now time.Time) bool {
	days := int(c.FreeTrialEndsAt.Sub(now) / (24 * time.Hour))
	return days <= renewalNoticeDays || !c.ExpiresAt.After(now)
}

// Clone returns a deep copy.
func (c *Certificate) Clone() *Certificate {
	cp := *c
	cp.Domains = append([]string(nil), c.Domains...)
	return &cp
}
