// Package payment records payment orders for certificates and applies
// verified gateway outcomes to them.
package payment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound    = errors.New("payment order not found")
	ErrAlreadyProcessed = errors.New("payment order already processed")
	ErrNotOwner         = errors.New("certificate belongs to another account")
	ErrInvalidMethod    = errors.New("unsupported payment method")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrAlreadyPaid      = errors.New("certificate is already paid")
)

// Method is the payment channel chosen by the buyer.
type Method string

const (
	MethodAlipay Method = "alipay"
	MethodWechat Method = "wechat"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	return m == MethodAlipay || m == MethodWechat
}

// Status is the order's position in pending → paid|failed|cancelled.
// A successful callback first claims the order as confirming; only the
// callback path moves it on to paid.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusConfirming
}

// Order is one attempt to pay for a certificate.
type Order struct {
	ID            uuid.UUID  `json:"id"             db:"id"`
	OrderID       string     `json:"order_id"       db:"order_id"`
	OwnerID       uuid.UUID  `json:"owner_id"       db:"owner_id"`
	CertificateID uuid.UUID  `json:"certificate_id" db:"certificate_id"`
	AmountCents   int64      `json:"amount_cents"   db:"amount_cents"`
	Method        Method     `json:"method"         db:"method"`
	Status        Status     `json:"status"         db:"status"`
	TransactionID string     `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt     time.Time  `json:"created_at"     db:"created_at"`
	PaidAt        *time.Time `json:"paid_at,omitempty" db:"paid_at"`
}

// Outcome is a verified result reported by the payment gateway.
type Outcome struct {
	Success       bool
	TransactionID string
}

// Result reports what ConfirmPayment did.
type Result string

const (
	ResultPaid             Result = "paid"
	ResultFailed           Result = "failed"
	ResultAlreadyProcessed Result = "already_processed"
)

// newOrderID builds the merchant reference handed to the gateway.
func newOrderID(now time.Time) string {
	return "fs-" + now.UTC().Format("20060102") + "-" + uuid.NewString()[:8]
}
