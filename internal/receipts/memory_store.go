package receipts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory receipt store for demo/development mode.
type MemoryStore struct {
	receipts map[string]*Receipt
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
	}
}

func (m *MemoryStore) LookupAndCount(_ context.Context, orderID string) (string, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[orderID]
	if !ok {
		return "", 0, false, nil
	}
	r.ValidationCount++
	return r.AccountID, r.ValidationCount, true, nil
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.OrderID]; ok {
		return ErrReceiptExists
	}
	cp := *r
	m.receipts[r.OrderID] = &cp
	return nil
}

func (m *MemoryStore) AccountForOrder(_ context.Context, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[orderID]
	if !ok {
		return "", ErrReceiptNotFound
	}
	return r.AccountID, nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[orderID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.AccountID == accountID {
			cp := *r
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PurchaseTime > result[j].PurchaseTime
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Receipt
	for _, r := range m.receipts {
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)

// MemoryForcedStore is an in-memory forced validation store.
type MemoryForcedStore struct {
	forced map[string]*ForcedValidation
	mu     sync.RWMutex
}

// NewMemoryForcedStore creates a new in-memory forced validation store.
func NewMemoryForcedStore() *MemoryForcedStore {
	return &MemoryForcedStore{
		forced: make(map[string]*ForcedValidation),
	}
}

func (m *MemoryForcedStore) Force(_ context.Context, f *ForcedValidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.forced[f.OrderID] = &cp
	return nil
}

func (m *MemoryForcedStore) IsForced(_ context.Context, orderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.forced[orderID]
	return ok, nil
}

func (m *MemoryForcedStore) List(_ context.Context) ([]*ForcedValidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ForcedValidation
	for _, f := range m.forced {
		cp := *f
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

var _ ForcedStore = (*MemoryForcedStore)(nil)
