package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/encounter"
)

type mockLedger struct {
	mu      sync.Mutex
	bills   []*billing.Bill
	items   []*billing.BillItem
	failFor map[string]error // by item name
}

func newMockLedger() *mockLedger {
	return &mockLedger{failFor: make(map[string]error)}
}

func (m *mockLedger) LatestOpenBill(ctx context.Context, encounterType string, encounterID uuid.UUID) (*billing.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.bills) - 1; i >= 0; i-- {
		b := m.bills[i]
		if b.EncounterType == encounterType && b.EncounterID == encounterID && !b.Locked {
			return b, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (m *mockLedger) CreateBill(ctx context.Context, b *billing.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b.ID = uuid.New()
	b.BillNumber = fmt.Sprintf("OPD-BILL/20260830/%03d", len(m.bills)+1)
	m.bills = append(m.bills, b)
	return nil
}

func (m *mockLedger) AddItem(ctx context.Context, billID uuid.UUID, item *billing.BillItem) (*billing.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failFor[item.Name]; err != nil {
		return nil, err
	}
	// Mirrors the unique index on bill_items.order_id.
	if item.OrderID != nil {
		for _, it := range m.items {
			if it.OrderID != nil && *it.OrderID == *item.OrderID {
				return nil, fmt.Errorf("duplicate key value violates unique constraint")
			}
		}
	}
	item.ID = uuid.New()
	item.BillID = billID
	m.items = append(m.items, item)
	return nil, nil
}

func (m *mockLedger) ItemExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		if it.OrderID != nil && *it.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockLedger) itemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type mockGateway struct {
	mu         sync.Mutex
	encounters map[encounter.Ref]*encounter.Encounter
	orders     []*encounter.ClinicalOrder
}

func newMockGateway() *mockGateway {
	return &mockGateway{encounters: make(map[encounter.Ref]*encounter.Encounter)}
}

func (m *mockGateway) addEncounter(ref encounter.Ref, patientID uuid.UUID) {
	m.encounters[ref] = &encounter.Encounter{ID: ref.ID, Type: ref.Type, PatientID: patientID, Status: "active"}
}

func (m *mockGateway) addOrder(ref encounter.Ref, req, category, name, price string, billed bool) *encounter.ClinicalOrder {
	o := &encounter.ClinicalOrder{
		ID:            uuid.New(),
		EncounterType: ref.Type,
		EncounterID:   ref.ID,
		Category:      category,
		Name:          name,
		Quantity:      1,
		Price:         decimal.RequireFromString(price),
		Billed:        billed,
	}
	if req != "" {
		o.RequisitionID = &req
	}
	m.orders = append(m.orders, o)
	return o
}

func (m *mockGateway) GetEncounter(ctx context.Context, ref encounter.Ref) (*encounter.Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.encounters[ref]
	if !ok {
		return nil, encounter.ErrNotFound
	}
	return e, nil
}

func (m *mockGateway) CreateVisit(ctx context.Context, patientID uuid.UUID) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (m *mockGateway) ListUnbilledOrders(ctx context.Context, ref encounter.Ref) ([]*encounter.ClinicalOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*encounter.ClinicalOrder
	for _, o := range m.orders {
		if o.EncounterType == ref.Type && o.EncounterID == ref.ID && !o.Billed {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockGateway) MarkOrderBilled(ctx context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.ID == orderID {
			o.Billed = true
			return nil
		}
	}
	return encounter.ErrOrderNotFound
}

func (m *mockGateway) billedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.orders {
		if o.Billed {
			n++
		}
	}
	return n
}

func newTestReconciler() (*Service, *mockLedger, *mockGateway, encounter.Ref) {
	ledger := newMockLedger()
	gw := newMockGateway()
	ref := encounter.Ref{Type: encounter.TypeVisit, ID: uuid.New()}
	gw.addEncounter(ref, uuid.New())
	return NewService(ledger, gw, zerolog.Nop()), ledger, gw, ref
}

func TestPreviewUnbilled(t *testing.T) {
	svc, _, gw, ref := newTestReconciler()
	gw.addOrder(ref, "REQ-1", "lab", "CBC", "500", false)
	gw.addOrder(ref, "REQ-1", "lab", "LFT", "750", false)
	gw.addOrder(ref, "REQ-2", "radiology", "Chest X-ray", "1250", false)
	gw.addOrder(ref, "REQ-3", "lab", "Urinalysis", "300", true)

	p, err := svc.PreviewUnbilled(context.Background(), ref)
	if err != nil {
		t.Fatalf("PreviewUnbilled: %v", err)
	}
	if p.Orders != 3 {
		t.Errorf("expected 3 unbilled orders, got %d", p.Orders)
	}
	if !p.Total.Equal(decimal.RequireFromString("2500")) {
		t.Errorf("expected total 2500, got %s", p.Total)
	}
	if len(p.Groups) != 2 {
		t.Fatalf("expected 2 requisition groups, got %d", len(p.Groups))
	}
	if p.Groups[0].RequisitionID != "REQ-1" || p.Groups[0].Orders != 2 {
		t.Errorf("unexpected first group: %+v", p.Groups[0])
	}
	if !p.Groups[0].Total.Equal(decimal.RequireFromString("1250")) {
		t.Errorf("expected group total 1250, got %s", p.Groups[0].Total)
	}

	// Preview never mutates anything.
	if gw.billedCount() != 1 {
		t.Errorf("expected billed count unchanged at 1, got %d", gw.billedCount())
	}
}

func TestPreviewUnbilled_EncounterNotFound(t *testing.T) {
	svc, _, _, _ := newTestReconciler()

	_, err := svc.PreviewUnbilled(context.Background(), encounter.Ref{Type: encounter.TypeVisit, ID: uuid.New()})
	if !errors.Is(err, encounter.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncCharges(t *testing.T) {
	svc, ledger, gw, ref := newTestReconciler()
	gw.addOrder(ref, "REQ-1", "lab", "CBC", "750", false)
	gw.addOrder(ref, "REQ-1", "pharmacy", "Amoxicillin", "500", false)
	gw.addOrder(ref, "REQ-2", "radiology", "Chest X-ray", "1250", false)
	gw.addOrder(ref, "REQ-3", "lab", "Urinalysis", "300", true)

	res, err := svc.SyncCharges(context.Background(), ref)
	if err != nil {
		t.Fatalf("SyncCharges: %v", err)
	}
	if res.CreatedItems != 3 {
		t.Errorf("expected 3 created items, got %d", res.CreatedItems)
	}
	if res.UpdatedOrders != 3 {
		t.Errorf("expected 3 updated orders, got %d", res.UpdatedOrders)
	}
	if res.Skipped != 0 || res.Failed != 0 {
		t.Errorf("expected no skips or failures, got %d skipped %d failed", res.Skipped, res.Failed)
	}
	if ledger.itemCount() != 3 {
		t.Errorf("expected 3 items in ledger, got %d", ledger.itemCount())
	}
	if gw.billedCount() != 4 {
		t.Errorf("expected all 4 orders billed, got %d", gw.billedCount())
	}

	// Sources follow the upstream category.
	for _, it := range ledger.items {
		if it.Name == "CBC" && it.Source != billing.SourceLab {
			t.Errorf("expected lab source for CBC, got %s", it.Source)
		}
		if it.Name == "Amoxicillin" && it.Source != billing.SourcePharmacy {
			t.Errorf("expected pharmacy source, got %s", it.Source)
		}
	}
}

func TestSyncCharges_Idempotent(t *testing.T) {
	svc, ledger, gw, ref := newTestReconciler()
	gw.addOrder(ref, "", "lab", "CBC", "500", false)
	gw.addOrder(ref, "", "lab", "LFT", "750", false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.SyncCharges(ctx, ref); err != nil {
			t.Fatalf("SyncCharges run %d: %v", i, err)
		}
	}

	if ledger.itemCount() != 2 {
		t.Errorf("expected 2 items after repeated syncs, got %d", ledger.itemCount())
	}
	if len(ledger.bills) != 1 {
		t.Errorf("expected a single bill, got %d", len(ledger.bills))
	}
}

func TestSyncCharges_HealsUnmarkedOrder(t *testing.T) {
	svc, ledger, gw, ref := newTestReconciler()
	o := gw.addOrder(ref, "", "lab", "CBC", "500", false)

	// The item already exists but the upstream marker was never set,
	// as after a crash between the two writes.
	orderID := o.ID
	ledger.items = append(ledger.items, &billing.BillItem{
		ID: uuid.New(), OrderID: &orderID, Name: "CBC", Quantity: 1,
	})

	res, err := svc.SyncCharges(context.Background(), ref)
	if err != nil {
		t.Fatalf("SyncCharges: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", res.Skipped)
	}
	if res.CreatedItems != 0 {
		t.Errorf("expected no created items, got %d", res.CreatedItems)
	}
	if ledger.itemCount() != 1 {
		t.Errorf("expected the existing item only, got %d", ledger.itemCount())
	}
	if gw.billedCount() != 1 {
		t.Error("expected the order marker to be repaired")
	}
}

func TestSyncCharges_CreatesBillWhenNoneOpen(t *testing.T) {
	svc, ledger, gw, ref := newTestReconciler()
	gw.addOrder(ref, "", "lab", "CBC", "500", false)

	res, err := svc.SyncCharges(context.Background(), ref)
	if err != nil {
		t.Fatalf("SyncCharges: %v", err)
	}
	if res.BillID == uuid.Nil {
		t.Error("expected a bill to be created")
	}
	if res.BillNumber == "" {
		t.Error("expected the new bill number in the result")
	}
	if len(ledger.bills) != 1 {
		t.Fatalf("expected 1 bill, got %d", len(ledger.bills))
	}
	if ledger.bills[0].PatientID == uuid.Nil {
		t.Error("expected patient id carried from the encounter")
	}
}

func TestSyncCharges_UsesLatestOpenBill(t *testing.T) {
	svc, ledger, gw, ref := newTestReconciler()
	gw.addOrder(ref, "", "lab", "CBC", "500", false)

	locked := &billing.Bill{EncounterType: ref.Type, EncounterID: ref.ID, Locked: true}
	if err := ledger.CreateBill(context.Background(), locked); err != nil {
		t.Fatal(err)
	}
	open := &billing.Bill{EncounterType: ref.Type, EncounterID: ref.ID}
	if err := ledger.CreateBill(context.Background(), open); err != nil {
		t.Fatal(err)
	}

	res, err := svc.SyncCharges(context.Background(), ref)
	if err != nil {
		t.Fatalf("SyncCharges: %v", err)
	}
	if res.BillID != open.ID {
		t.Errorf("expected sync to target the open bill %s, got %s", open.ID, res.BillID)
	}
	if len(ledger.bills) != 2 {
		t.Errorf("expected no new bill, got %d bills", len(ledger.bills))
	}
}

func TestSyncCharges_PartialFailure(t *testing.T) {
	svc, ledger, gw, ref := newTestReconciler()
	gw.addOrder(ref, "", "lab", "CBC", "500", false)
	gw.addOrder(ref, "", "lab", "Broken", "750", false)
	gw.addOrder(ref, "", "lab", "LFT", "300", false)
	ledger.failFor["Broken"] = fmt.Errorf("price list missing")

	res, err := svc.SyncCharges(context.Background(), ref)
	if err != nil {
		t.Fatalf("SyncCharges: %v", err)
	}
	if res.CreatedItems != 2 {
		t.Errorf("expected 2 created items, got %d", res.CreatedItems)
	}
	if res.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", res.Failed)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 reported error, got %d", len(res.Errors))
	}

	// The failed order stays unbilled and is retried on the next sync.
	ledger.failFor = map[string]error{}
	res, err = svc.SyncCharges(context.Background(), ref)
	if err != nil {
		t.Fatalf("SyncCharges retry: %v", err)
	}
	if res.CreatedItems != 1 {
		t.Errorf("expected the failed order to be picked up, got %d created", res.CreatedItems)
	}
	if ledger.itemCount() != 3 {
		t.Errorf("expected 3 items total, got %d", ledger.itemCount())
	}
}

func TestSyncCharges_EncounterNotFound(t *testing.T) {
	svc, _, _, _ := newTestReconciler()

	_, err := svc.SyncCharges(context.Background(), encounter.Ref{Type: encounter.TypeAdmission, ID: uuid.New()})
	if !errors.Is(err, encounter.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncCharges_Concurrent(t *testing.T) {
	svc, ledger, gw, ref := newTestReconciler()
	for i := 0; i < 5; i++ {
		gw.addOrder(ref, "", "lab", fmt.Sprintf("Test %d", i), "100", false)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.SyncCharges(context.Background(), ref); err != nil {
				t.Errorf("SyncCharges: %v", err)
			}
		}()
	}
	wg.Wait()

	if ledger.itemCount() != 5 {
		t.Errorf("expected exactly 5 items across concurrent syncs, got %d", ledger.itemCount())
	}
	if gw.billedCount() != 5 {
		t.Errorf("expected all 5 orders billed once, got %d", gw.billedCount())
	}
	if len(ledger.bills) != 1 {
		t.Errorf("expected a single bill, got %d", len(ledger.bills))
	}
}
