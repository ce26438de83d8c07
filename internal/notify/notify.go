// Package notify delivers lifecycle notices to certificate owners.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the notice being sent.
type Kind string

const (
	KindExpiringSoon    Kind = "expiring-soon"
	KindFreeTrialEnding Kind = "free-trial-ending"
)

// Recipient is the person a notice is addressed to.
type Recipient struct {
	Email string
	Name  string
}

// CertificateSummary is the certificate data a notice needs.
type CertificateSummary struct {
	ID              uuid.UUID
	Domains         []string
	ExpiresAt       time.Time
	FreeTrialEndsAt time.Time
	Paid            bool
}

// Notifier sends a single notice. A nil error means the notice was handed off
// to the transport; callers only record delivery state after that.
type Notifier interface {
	Send(ctx context.Context, kind Kind, to Recipient, cert CertificateSummary) error
}
