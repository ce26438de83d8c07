package notify

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmerrifield20/freessl/internal/email"
)

// EmailNotifier renders notices as plain-text email.
type EmailNotifier struct {
	sender       email.Sender
	dashboardURL string
	now          func() time.Time
}

// NewEmailNotifier creates an EmailNotifier. dashboardURL is linked from every
// notice when non-empty.
func NewEmailNotifier(sender email.Sender, dashboardURL string) *EmailNotifier {
	return &EmailNotifier{
		sender:       sender,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		now:          time.Now,
	}
}

// SetClock overrides the clock used for "days remaining".
func (n *EmailNotifier) SetClock(now func() time.Time) {
	n.now = now
}

// Send implements Notifier.
func (n *EmailNotifier) Send(ctx context.Context, kind Kind, to Recipient, cert CertificateSummary) error {
	if to.Email == "" {
		return fmt.Errorf("notify: recipient for certificate %s has no email", cert.ID)
	}
	subject, body, err := n.render(kind, to, cert)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, email.Message{
		To:      to.Email,
		Subject: subject,
		Body:    body,
		Tag:     string(kind),
	})
}

func (n *EmailNotifier) render(kind Kind, to Recipient, cert CertificateSummary) (subject, body string, err error) {
	primary := "your domain"
	if len(cert.Domains) > 0 {
		primary = cert.Domains[0]
	}
	name := to.Name
	if name == "" {
		name = to.Email
	}
	now := n.now()

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", name)

	switch kind {
	case KindExpiringSoon:
		days := daysUntil(now, cert.ExpiresAt)
		subject = fmt.Sprintf("Certificate for %s expires in %d days", primary, days)
		fmt.Fprintf(&b, "The certificate covering the domains below expires on %s (%d days from now).\n\n",
			cert.ExpiresAt.UTC().Format(time.DateOnly), days)
		writeDomains(&b, cert.Domains)
		if cert.Paid {
			b.WriteString("Your plan is paid, so it will be renewed automatically before it lapses.\n")
		} else {
			b.WriteString("Renewal requires an active paid plan. Pay before the expiry date to keep the certificate valid.\n")
		}
	case KindFreeTrialEnding:
		days := daysUntil(now, cert.FreeTrialEndsAt)
		subject = fmt.Sprintf("Free trial for %s ends in %d days", primary, days)
		fmt.Fprintf(&b, "The free trial for the certificate below ends on %s (%d days from now).\n\n",
			cert.FreeTrialEndsAt.UTC().Format(time.DateOnly), days)
		writeDomains(&b, cert.Domains)
		fmt.Fprintf(&b, "The certificate itself expires on %s. After the trial it is only renewed on a paid plan.\n",
			cert.ExpiresAt.UTC().Format(time.DateOnly))
	default:
		return "", "", fmt.Errorf("notify: unknown kind %q", kind)
	}

	if n.dashboardURL != "" {
		fmt.Fprintf(&b, "\nManage this certificate: %s/certificates/%s\n", n.dashboardURL, cert.ID)
	}
	b.WriteString("\n-- freessl\n")
	return subject, b.String(), nil
}

func writeDomains(b *strings.Builder, domains []string) {
	for _, d := range domains {
		fmt.Fprintf(b, "  - %s\n", d)
	}
	b.WriteString("\n")
}

// daysUntil rounds partial days up so a notice never says "0 days" while
// time remains.
func daysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
