package replog

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store, used by tests and single-process
// deployments where durability is delegated to the Postgres-backed store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	seq     int64
}

// NewMemoryStore creates an empty in-memory transition log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	entry.Sequence = m.seq
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) ListBySettlement(ctx context.Context, settlementID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.SettlementID == settlementID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListNonTerminalSettlements(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]*Entry)
	order := make([]string, 0)
	for _, e := range m.entries {
		if _, seen := latest[e.SettlementID]; !seen {
			order = append(order, e.SettlementID)
		}
		latest[e.SettlementID] = e
	}

	var out []string
	for _, id := range order {
		if !latest[id].ToStatus.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestBySettlement(ctx context.Context, settlementIDs []string) (map[string]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(settlementIDs))
	for _, id := range settlementIDs {
		wanted[id] = true
	}

	out := make(map[string]*Entry, len(settlementIDs))
	for _, e := range m.entries {
		if wanted[e.SettlementID] {
			out[e.SettlementID] = e
		}
	}
	return out, nil
}
