package chargebacks

import (
	"context"
	"sort"
	"sync"

	"github.com/ridgeline-games/commerce/internal/idgen"
)

// MemoryStore is an in-memory chargeback log store for demo/development mode.
type MemoryStore struct {
	logs []*Log
	mu   sync.Mutex
}

// NewMemoryStore creates a new in-memory chargeback log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, log *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.logs {
		if l.OrderID == log.OrderID && !l.Unbanned {
			return ErrAlreadyLogged
		}
	}
	if log.ID == "" {
		log.ID = idgen.WithPrefix("cb_")
	}
	cp := *log
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) FilterNew(_ context.Context, orderIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]bool)
	for _, l := range m.logs {
		if !l.Unbanned {
			active[l.OrderID] = true
		}
	}

	var fresh []string
	for _, id := range orderIDs {
		if !active[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Log
	for _, l := range m.logs {
		if l.AccountID == accountID {
			cp := *l
			result = append(result, &cp)
		}
	}
	sortLogs(result)
	return result, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Log
	for _, l := range m.logs {
		cp := *l
		result = append(result, &cp)
	}
	sortLogs(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UnbanByAccount(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, l := range m.logs {
		if l.AccountID == accountID && !l.Unbanned {
			l.Unbanned = true
			n++
		}
	}
	return n, nil
}

func sortLogs(logs []*Log) {
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
