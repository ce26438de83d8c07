// Package lifecycle decides what a certificate needs next. It performs no I/O.
package lifecycle

import (
	"time"

	"github.com/jmerrifield20/freessl/internal/certs"
)

// NoticeWindow is how far ahead of a deadline the lifecycle starts acting.
const NoticeWindow = 30 * 24 * time.Hour

// Action is the single side effect due for a certificate.
type Action int

const (
	NoOp Action = iota
	NotifyExpiringSoon
	NotifyFreeTrialEnding
	AutoRenew
)

func (a Action) String() string {
	switch a {
	case NotifyExpiringSoon:
		return "notify_expiring_soon"
	case NotifyFreeTrialEnding:
		return "notify_free_trial_ending"
	case AutoRenew:
		return "auto_renew"
	default:
		return "noop"
	}
}

// inWindow reports now <= t <= now+NoticeWindow.
func inWindow(t, now time.Time) bool {
	return !t.Before(now) && !t.After(now.Add(NoticeWindow))
}

// ExpiringSoon reports whether the certificate expires within the notice window.
func ExpiringSoon(c *certs.Certificate, now time.Time) bool {
	return inWindow(c.ExpiresAt, now)
}

// FreeTrialEnding reports whether an unpaid certificate's free trial ends
// within the notice window.
func FreeTrialEnding(c *certs.Certificate, now time.Time) bool {
	return c.PaymentStatus == certs.PaymentFree && inWindow(c.FreeTrialEndsAt, now)
}

// Decide returns exactly one action for c at now.
//
// Renewal outranks notification, and the expiry notice outranks the free
// trial notice. An unpaid certificate that is expiring but not yet inside its
// free trial window gets NoOp: renewal is manual and the owner has already
// been nudged by the trial notice.
func Decide(c *certs.Certificate, now time.Time) Action {
	expiring := ExpiringSoon(c, now)
	trialEnding := FreeTrialEnding(c, now)

	switch {
	case expiring && c.PaymentStatus == certs.PaymentPaid:
		return AutoRenew
	case expiring && !trialEnding:
		return NoOp
	case expiring && !c.NotifiedExpirySoon:
		return NotifyExpiringSoon
	case trialEnding:
		return NotifyFreeTrialEnding
	default:
		return NoOp
	}
}
