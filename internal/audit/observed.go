package audit

import (
	"context"

	"github.com/google/uuid"
)

// AppendRecordFunc is called after every successful append.
type AppendRecordFunc func(action string)

type observed struct {
	Ledger
	onAppend AppendRecordFunc
}

// Observe wraps l so that fn sees every appended action.
func Observe(l Ledger, fn AppendRecordFunc) Ledger {
	if fn == nil {
		return l
	}
	return &observed{Ledger: l, onAppend: fn}
}

func (o *observed) Append(ctx context.Context, certID uuid.UUID, action, actor string, payload any) (*Entry, error) {
	e, err := o.Ledger.Append(ctx, certID, action, actor, payload)
	if err == nil {
		o.onAppend(action)
	}
	return e, err
}
