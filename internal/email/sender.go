package email

import (
	"context"
	"errors"
)

// ErrInvalidConfig is returned by constructors given incomplete settings.
var ErrInvalidConfig = errors.New("email: invalid configuration")

// Message is a single plain-text transactional email.
type Message struct {
	To      string
	Subject string
	Body    string
	// Tag groups messages in providers that support it ("expiring-soon").
	Tag string
}

// Sender delivers transactional email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
