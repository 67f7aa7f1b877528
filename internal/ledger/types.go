// Package ledger implements the Ledger Engine: the authoritative
// double-entry journal and per-account balances, with atomic multi-entry
// commit. Concurrent updates to an account are serialized (a store mutex in
// memory, row locks inside a transaction in Postgres); balance versions are
// not compared on update, so no update is rejected or retried on a version
// conflict.
package ledger

import "time"

// AccountID identifies a balance-holding account: a participant's account
// number in a single currency.
type AccountID struct {
	ParticipantID string
	AccountNumber string
	Currency      string
}

// String renders a stable, sortable key for the account, used as a map key
// and as the account_id column value in the persisted schema.
func (a AccountID) String() string {
	return a.ParticipantID + ":" + a.AccountNumber + ":" + a.Currency
}

// Balance is the mutable per-account balance row.
type Balance struct {
	Account   AccountID
	Available string // decimal string, see internal/money
	Locked    string
	Version   int64 // change counter, increases on every update; not checked by updates
	UpdatedAt time.Time
}

// EntryKind distinguishes the two sides of a journal entry.
type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

// JournalEntry is an immutable, append-only ledger record.
type JournalEntry struct {
	Sequence     int64
	SettlementID string
	LegNumber    int
	Account      AccountID
	Kind         EntryKind
	Amount       string
	Currency     string
	BalanceAfter string
	CreatedAt    time.Time
}

// LockRef identifies a lock consumed as part of a commit, as seen by the
// Ledger Engine: just enough to verify it's still valid and to know which
// account/amount it reserved.
type LockRef struct {
	LockID    string
	Account   AccountID
	Amount    string
	ExpiresAt time.Time
}

// LegEntry describes one leg's effect on the journal at commit time: a debit
// on the source account and a credit on the destination account, both in
// their respective (possibly different, if FX-converted) currencies.
type LegEntry struct {
	LegNumber     int
	SourceAccount AccountID
	SourceAmount  string
	DestAccount   AccountID
	DestAmount    string
	SourceLockRef LockRef
}
