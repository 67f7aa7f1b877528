package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/atomicsettle/coordinator/internal/money"
)

type memAccount struct {
	available *big.Int
	locked    *big.Int
	version   int64
	updatedAt time.Time
}

// MemoryStore is an in-memory Store implementation, guarded by a single
// RWMutex — adequate for tests and for a single-process development
// deployment without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	journal  []*JournalEntry
	nextSeq  int64
}

// NewMemoryStore creates an in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
	}
}

func (m *MemoryStore) getOrCreate(id AccountID) *memAccount {
	key := id.String()
	acc, ok := m.accounts[key]
	if !ok {
		acc = &memAccount{available: big.NewInt(0), locked: big.NewInt(0)}
		m.accounts[key] = acc
	}
	return acc
}

func (m *MemoryStore) GetBalance(_ context.Context, account AccountID) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[account.String()]
	if !ok {
		return &Balance{
			Account:   account,
			Available: money.Format(account.Currency, big.NewInt(0)),
			Locked:    money.Format(account.Currency, big.NewInt(0)),
		}, nil
	}
	return &Balance{
		Account:   account,
		Available: money.Format(account.Currency, acc.available),
		Locked:    money.Format(account.Currency, acc.locked),
		Version:   acc.version,
		UpdatedAt: acc.updatedAt,
	}, nil
}

func (m *MemoryStore) Reserve(_ context.Context, account AccountID, amount string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	amt, ok := money.Parse(account.Currency, amount)
	if !ok {
		return 0, ErrInsufficientBalance
	}

	acc := m.getOrCreate(account)
	if acc.available.Cmp(amt) < 0 {
		return 0, ErrInsufficientBalance
	}

	acc.available.Sub(acc.available, amt)
	acc.locked.Add(acc.locked, amt)
	acc.version++
	acc.updatedAt = time.Now()
	return acc.version, nil
}

func (m *MemoryStore) ReleaseReservation(_ context.Context, account AccountID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	amt, ok := money.Parse(account.Currency, amount)
	if !ok {
		return ErrInsufficientBalance
	}

	acc := m.getOrCreate(account)
	if acc.locked.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	acc.locked.Sub(acc.locked, amt)
	acc.available.Add(acc.available, amt)
	acc.version++
	acc.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CommitSettlement(_ context.Context, settlementID string, legs []LegEntry, locks []LockRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	// Verify every lock first — atomic all-or-nothing.
	for _, lr := range locks {
		if now.After(lr.ExpiresAt) {
			return ErrLockInvalid
		}
		acc := m.getOrCreate(lr.Account)
		amt, ok := money.Parse(lr.Account.Currency, lr.Amount)
		if !ok || acc.locked.Cmp(amt) < 0 {
			return ErrLockInvalid
		}
	}

	// Consume reservations.
	for _, lr := range locks {
		acc := m.getOrCreate(lr.Account)
		amt, _ := money.Parse(lr.Account.Currency, lr.Amount)
		acc.locked.Sub(acc.locked, amt)
	}

	// Apply journal entries: debit source, credit destination.
	for _, leg := range legs {
		srcAcc := m.getOrCreate(leg.SourceAccount)
		srcAcc.version++
		srcAcc.updatedAt = now
		m.nextSeq++
		m.journal = append(m.journal, &JournalEntry{
			Sequence:     m.nextSeq,
			SettlementID: settlementID,
			LegNumber:    leg.LegNumber,
			Account:      leg.SourceAccount,
			Kind:         EntryDebit,
			Amount:       leg.SourceAmount,
			Currency:     leg.SourceAccount.Currency,
			BalanceAfter: money.Format(leg.SourceAccount.Currency, srcAcc.available),
			CreatedAt:    now,
		})

		destAcc := m.getOrCreate(leg.DestAccount)
		destAmt, _ := money.Parse(leg.DestAccount.Currency, leg.DestAmount)
		destAcc.available.Add(destAcc.available, destAmt)
		destAcc.version++
		destAcc.updatedAt = now
		m.nextSeq++
		m.journal = append(m.journal, &JournalEntry{
			Sequence:     m.nextSeq,
			SettlementID: settlementID,
			LegNumber:    leg.LegNumber,
			Account:      leg.DestAccount,
			Kind:         EntryCredit,
			Amount:       leg.DestAmount,
			Currency:     leg.DestAccount.Currency,
			BalanceAfter: money.Format(leg.DestAccount.Currency, destAcc.available),
			CreatedAt:    now,
		})
	}

	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, account AccountID, limit int) ([]*JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*JournalEntry
	for i := len(m.journal) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.journal[i]
		if e.Account == account {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetEntry(_ context.Context, sequence int64) (*JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.journal {
		if e.Sequence == sequence {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}
