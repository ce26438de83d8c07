package lifecycle_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/lifecycle"
)

const day = 24 * time.Hour

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func cert(expiresIn, trialEndsIn time.Duration, status certs.PaymentStatus, notified bool) *certs.Certificate {
	return &certs.Certificate{
		ID:                 uuid.New(),
		Domains:            []string{"example.com"},
		ExpiresAt:          now.Add(expiresIn),
		FreeTrialEndsAt:    now.Add(trialEndsIn),
		PaymentStatus:      status,
		NotifiedExpirySoon: notified,
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		c    *certs.Certificate
		want lifecycle.Action
	}{
		{"nothing due", cert(80*day, 80*day, certs.PaymentFree, false), lifecycle.NoOp},
		{"paid and expiring renews", cert(10*day, -5*day, certs.PaymentPaid, false), lifecycle.AutoRenew},
		{"paid renew outranks notices", cert(10*day, 10*day, certs.PaymentPaid, false), lifecycle.AutoRenew},
		{"paid not expiring", cert(60*day, -30*day, certs.PaymentPaid, false), lifecycle.NoOp},
		{"expiry notice outranks trial notice", cert(29*day, 29*day, certs.PaymentFree, false), lifecycle.NotifyExpiringSoon},
		{"trial notice once expiry notice sent", cert(29*day, 29*day, certs.PaymentFree, true), lifecycle.NotifyFreeTrialEnding},
		{"trial ending only", cert(60*day, 20*day, certs.PaymentFree, false), lifecycle.NotifyFreeTrialEnding},
		{"unpaid expiring outside trial window", cert(10*day, -20*day, certs.PaymentFree, false), lifecycle.NoOp},
		{"expiry exactly at horizon", cert(30*day, 30*day, certs.PaymentFree, false), lifecycle.NotifyExpiringSoon},
		{"expiry past horizon", cert(30*day+time.Second, 30*day+time.Second, certs.PaymentFree, false), lifecycle.NoOp},
		{"already expired", cert(-1*day, -1*day, certs.PaymentPaid, false), lifecycle.NoOp},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := lifecycle.Decide(tc.c, now); got != tc.want {
				t.Errorf("Decide() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDecide_doesNotMutate(t *testing.T) {
	c := cert(10*day, 10*day, certs.PaymentFree, false)
	before := *c
	lifecycle.Decide(c, now)
	if c.NotifiedExpirySoon != before.NotifiedExpirySoon || c.PaymentStatus != before.PaymentStatus ||
		!c.ExpiresAt.Equal(before.ExpiresAt) || !c.FreeTrialEndsAt.Equal(before.FreeTrialEndsAt) {
		t.Error("Decide mutated the certificate")
	}
}

func TestAction_String(t *testing.T) {
	if lifecycle.AutoRenew.String() != "auto_renew" {
		t.Errorf("got %q", lifecycle.AutoRenew.String())
	}
	if lifecycle.Action(99).String() != "noop" {
		t.Errorf("unknown action should render as noop")
	}
}
