// Package accounts resolves certificate owners to contact details.
package accounts

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an account lookup finds no matching record.
var ErrNotFound = errors.New("account not found")

// ErrDuplicateEmail is returned when an account already uses the email.
var ErrDuplicateEmail = errors.New("email already registered")

// Account is a certificate owner.
type Account struct {
	ID          uuid.UUID `json:"id"           db:"id"`
	Email       string    `json:"email"        db:"email"`
	Username    string    `json:"username"     db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// Name returns the best human-readable name for greetings.
func (a *Account) Name() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Username != "":
		return a.Username
	default:
		return a.Email
	}
}
