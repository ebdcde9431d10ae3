package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockBillRepo is an in-memory BillRepository. It deep-copies on read
// and write so tests observe the same isolation a database would give.
type mockBillRepo struct {
	mu    sync.Mutex
	bills map[uuid.UUID]*Bill
	items map[uuid.UUID][]*BillItem // keyed by bill ID, insertion order
	seq   map[string]int64
	order int64
}

func newMockBillRepo() *mockBillRepo {
	return &mockBillRepo{
		bills: make(map[uuid.UUID]*Bill),
		items: make(map[uuid.UUID][]*BillItem),
		seq:   make(map[string]int64),
	}
}

func cloneBill(b *Bill) *Bill {
	cp := *b
	cp.Items = nil
	return &cp
}

func cloneItem(it *BillItem) *BillItem {
	cp := *it
	return &cp
}

func (m *mockBillRepo) Create(ctx context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b.ID = uuid.New()
	prefix := numberPrefix(b.EncounterType)
	m.seq[prefix]++
	b.BillNumber = FormatBillNumber(b.EncounterType, time.Now(), m.seq[prefix])
	m.order++
	b.CreatedAt = time.Unix(m.order, 0)

	m.bills[b.ID] = cloneBill(b)
	return nil
}

func (m *mockBillRepo) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneBill(b)
	for _, it := range m.items[id] {
		cp.Items = append(cp.Items, cloneItem(it))
	}
	return cp, nil
}

func (m *mockBillRepo) LatestOpenByEncounter(ctx context.Context, encounterType string, encounterID uuid.UUID) (*Bill, error) {
	m.mu.Lock()
	var latest *Bill
	for _, b := range m.bills {
		if b.EncounterType != encounterType || b.EncounterID != encounterID || b.Locked {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	m.mu.Unlock()

	if latest == nil {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, latest.ID)
}

func (m *mockBillRepo) ListByEncounter(ctx context.Context, encounterType string, encounterID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Bill
	for _, b := range m.bills {
		if b.EncounterType == encounterType && b.EncounterID == encounterID {
			out = append(out, cloneBill(b))
		}
	}
	return out, len(out), nil
}

func (m *mockBillRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Bill
	for _, b := range m.bills {
		if b.PatientID == patientID {
			out = append(out, cloneBill(b))
		}
	}
	return out, len(out), nil
}

func (m *mockBillRepo) UpdateTotals(ctx context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.bills[b.ID]
	if !ok {
		return ErrNotFound
	}
	cp := cloneBill(b)
	cp.CreatedAt = stored.CreatedAt
	m.bills[b.ID] = cp
	return nil
}

func (m *mockBillRepo) AddItem(ctx context.Context, item *BillItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	m.items[item.BillID] = append(m.items[item.BillID], cloneItem(item))
	return nil
}

func (m *mockBillRepo) UpdateItem(ctx context.Context, item *BillItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for billID, items := range m.items {
		for i, it := range items {
			if it.ID == item.ID {
				m.items[billID][i] = cloneItem(item)
				return nil
			}
		}
	}
	return ErrItemNotFound
}

func (m *mockBillRepo) DeleteItem(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for billID, items := range m.items {
		for i, it := range items {
			if it.ID == id {
				m.items[billID] = append(items[:i], items[i+1:]...)
				return nil
			}
		}
	}
	return ErrItemNotFound
}

func (m *mockBillRepo) ItemExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, items := range m.items {
		for _, it := range items {
			if it.OrderID != nil && *it.OrderID == orderID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *mockBillRepo) FindItemBySource(ctx context.Context, billID uuid.UUID, source ItemSource, name string) (*BillItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items[billID] {
		if it.Source == source && it.Name == name {
			return cloneItem(it), nil
		}
	}
	return nil, ErrItemNotFound
}
