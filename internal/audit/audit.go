// Package audit keeps a tamper-evident history of certificate lifecycle
// events: issuance, notices, renewals and payments.
//
// Entries form a hash chain anchored at a fixed genesis row, so editing or
// removing any row breaks Verify. MemoryLedger serves development and tests;
// PostgresLedger is the durable implementation.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash anchors the chain. The genesis entry carries it verbatim.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SystemActor is recorded for events caused by scheduled sweeps.
const SystemActor = "freessl-scheduler"

// Lifecycle actions.
const (
	ActionGenesis         = "genesis"
	ActionIssued          = "issued"
	ActionExpiryNotified  = "expiry_notified"
	ActionTrialNotified   = "free_trial_notified"
	ActionRenewed         = "renewed"
	ActionRenewalFailed   = "renewal_failed"
	ActionPaid            = "paid"
	ActionPaymentFailed   = "payment_failed"
	ActionPaymentCanceled = "payment_cancelled"
)

// Entry is one audit record.
type Entry struct {
	Index         int       `json:"index"`
	Timestamp     time.Time `json:"timestamp"`
	CertificateID uuid.UUID `json:"certificate_id"`
	Action        string    `json:"action"`
	Actor         string    `json:"actor"`
	DataHash      string    `json:"data_hash"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}

// Ledger is an append-only, hash-chained event log.
type Ledger interface {
	// Append chains a new entry. payload is JSON-encoded and only its digest
	// is stored.
	Append(ctx context.Context, certID uuid.UUID, action, actor string, payload any) (*Entry, error)
	// List returns the entries for one certificate, oldest first.
	List(ctx context.Context, certID uuid.UUID) ([]*Entry, error)
	Len(ctx context.Context) (int, error)
	// Verify walks the chain and reports the first inconsistency.
	Verify(ctx context.Context) error
	Root(ctx context.Context) (string, error)
}

func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.CertificateID, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkLink validates curr against its predecessor. prev is nil for the
// genesis row.
func checkLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has hash %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d hash mismatch", curr.Index)
	}
	return nil
}
