package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/money"
)

// Service owns all bill mutations. Every change to a bill happens under
// a per-bill mutex: the bill and its items are loaded, mutated in
// memory, recomputed, checked against the ledger invariants and only
// then persisted. Readers always see internally consistent totals.
type Service struct {
	bills BillRepository
	log   zerolog.Logger

	locks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewService(bills BillRepository, log zerolog.Logger) *Service {
	return &Service{bills: bills, log: log}
}

func (s *Service) lock(id uuid.UUID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// mutate runs apply on the freshly loaded bill, recomputes and checks
// invariants, persists the item change through persist (which may be
// nil), and finally writes the recomputed totals.
func (s *Service) mutate(ctx context.Context, billID uuid.UUID, apply func(b *Bill) error, persist func(ctx context.Context) error) (*Bill, error) {
	mu := s.lock(billID)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.bills.GetByID(ctx, billID)
	if err != nil {
		return nil, err
	}

	if err := apply(b); err != nil {
		return nil, err
	}

	b.Recompute()
	if err := b.checkInvariants(); err != nil {
		return nil, err
	}
	// A bill locks itself when it becomes fully paid. ReopenBill is the
	// only way back.
	if b.Status == StatusPaid {
		b.Locked = true
	}

	// The item change and the recomputed totals commit together so a
	// reader never sees one without the other.
	err = db.InTx(ctx, func(ctx context.Context) error {
		if persist != nil {
			if err := persist(ctx); err != nil {
				return err
			}
		}
		return s.bills.UpdateTotals(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBill opens a new ledger for an encounter.
func (s *Service) CreateBill(ctx context.Context, b *Bill) error {
	if b.EncounterType != EncounterVisit && b.EncounterType != EncounterAdmission {
		return fmt.Errorf("encounter_type must be %q or %q", EncounterVisit, EncounterAdmission)
	}
	if b.EncounterID == uuid.Nil {
		return fmt.Errorf("encounter_id is required")
	}
	if b.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}

	b.Items = nil
	b.Received = decimal.Zero
	b.Recompute()
	if err := b.checkInvariants(); err != nil {
		return err
	}

	if err := s.bills.Create(ctx, b); err != nil {
		return err
	}
	s.log.Info().
		Str("bill_id", b.ID.String()).
		Str("bill_number", b.BillNumber).
		Str("encounter_id", b.EncounterID.String()).
		Msg("bill created")
	return nil
}

// CreateBillWithItems opens a ledger pre-seeded with charge lines, used
// when settlement converts a paid gateway order into a bill.
func (s *Service) CreateBillWithItems(ctx context.Context, b *Bill, items []*BillItem) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
		it.TotalPrice = money.Line(it.Quantity, it.UnitPrice)
	}

	return db.InTx(ctx, func(ctx context.Context) error {
		if err := s.CreateBill(ctx, b); err != nil {
			return err
		}

		for _, it := range items {
			it.BillID = b.ID
			if err := s.bills.AddItem(ctx, it); err != nil {
				return err
			}
			b.Items = append(b.Items, it)
		}

		b.Recompute()
		if err := b.checkInvariants(); err != nil {
			return err
		}
		return s.bills.UpdateTotals(ctx, b)
	})
}

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetByID(ctx, id)
}

func (s *Service) ListBillsByEncounter(ctx context.Context, encounterType string, encounterID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	return s.bills.ListByEncounter(ctx, encounterType, encounterID, limit, offset)
}

func (s *Service) ListBillsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	return s.bills.ListByPatient(ctx, patientID, limit, offset)
}

// LatestOpenBill returns the most recent unlocked bill for an encounter.
func (s *Service) LatestOpenBill(ctx context.Context, encounterType string, encounterID uuid.UUID) (*Bill, error) {
	return s.bills.LatestOpenByEncounter(ctx, encounterType, encounterID)
}

// ItemExistsForOrder reports whether a clinical order is already billed.
func (s *Service) ItemExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return s.bills.ItemExistsForOrder(ctx, orderID)
}

// AddItem appends a charge line to the bill.
func (s *Service) AddItem(ctx context.Context, billID uuid.UUID, item *BillItem) (*Bill, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	return s.mutate(ctx, billID,
		func(b *Bill) error {
			if b.Locked {
				return ErrBillLocked
			}
			item.ID = uuid.New()
			item.BillID = b.ID
			item.TotalPrice = money.Line(item.Quantity, item.UnitPrice)
			b.Items = append(b.Items, item)
			return nil
		},
		func(ctx context.Context) error {
			return s.bills.AddItem(ctx, item)
		})
}

// UpdateItemInput carries the mutable fields of a line item. Nil fields
// are left unchanged.
type UpdateItemInput struct {
	Name      *string          `json:"name,omitempty"`
	Quantity  *int             `json:"quantity,omitempty"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Notes     *string          `json:"notes,omitempty"`
}

// UpdateItem edits a charge line and reprices the bill.
func (s *Service) UpdateItem(ctx context.Context, billID, itemID uuid.UUID, in UpdateItemInput) (*Bill, error) {
	var target *BillItem
	return s.mutate(ctx, billID,
		func(b *Bill) error {
			if b.Locked {
				return ErrBillLocked
			}
			for _, it := range b.Items {
				if it.ID == itemID {
					target = it
					break
				}
			}
			if target == nil {
				return ErrItemNotFound
			}
			if in.Name != nil {
				target.Name = *in.Name
			}
			if in.Quantity != nil {
				target.Quantity = *in.Quantity
			}
			if in.UnitPrice != nil {
				target.UnitPrice = *in.UnitPrice
			}
			if in.Notes != nil {
				target.Notes = in.Notes
			}
			if err := target.Validate(); err != nil {
				return err
			}
			target.TotalPrice = money.Line(target.Quantity, target.UnitPrice)
			return nil
		},
		func(ctx context.Context) error {
			return s.bills.UpdateItem(ctx, target)
		})
}

// RemoveItem deletes a charge line. The removal is rejected when it
// would drop the payable amount below what was already received.
func (s *Service) RemoveItem(ctx context.Context, billID, itemID uuid.UUID) (*Bill, error) {
	return s.mutate(ctx, billID,
		func(b *Bill) error {
			if b.Locked {
				return ErrBillLocked
			}
			idx := -1
			for i, it := range b.Items {
				if it.ID == itemID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return ErrItemNotFound
			}
			b.Items = append(b.Items[:idx], b.Items[idx+1:]...)
			return nil
		},
		func(ctx context.Context) error {
			return s.bills.DeleteItem(ctx, itemID)
		})
}

// DiscountInput sets either a percentage or a fixed discount. When both
// are given, the percentage wins and the fixed amount is ignored.
type DiscountInput struct {
	Percent decimal.Decimal `json:"percent"`
	Amount  decimal.Decimal `json:"amount"`
}

// SetDiscount applies a discount to the bill.
func (s *Service) SetDiscount(ctx context.Context, billID uuid.UUID, in DiscountInput) (*Bill, error) {
	return s.mutate(ctx, billID,
		func(b *Bill) error {
			if b.Locked {
				return ErrBillLocked
			}
			if in.Percent.IsNegative() || in.Amount.IsNegative() {
				return fmt.Errorf("%w: must not be negative", ErrInvalidDiscount)
			}
			if in.Percent.IsPositive() {
				b.DiscountPercent = in.Percent
			} else {
				b.DiscountPercent = decimal.Zero
				b.DiscountAmount = money.Round2(in.Amount)
			}
			return nil
		},
		nil)
}

// PaymentInput records money received against the bill. Amount is the
// new cumulative received total, not an increment: the caller states
// what has been collected so far and the ledger takes it as
// authoritative.
type PaymentInput struct {
	Amount    decimal.Decimal `json:"amount"`
	Mode      PaymentMode     `json:"mode"`
	Reference *string         `json:"reference,omitempty"`
}

// RecordPayment updates the received amount and derives the payment
// status. Exceeding the payable amount is rejected.
func (s *Service) RecordPayment(ctx context.Context, billID uuid.UUID, in PaymentInput) (*Bill, error) {
	if in.Mode != "" && !validModes[in.Mode] {
		return nil, fmt.Errorf("%w: unknown payment mode %q", ErrInvalidPayment, in.Mode)
	}
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidPayment)
	}

	b, err := s.mutate(ctx, billID,
		func(b *Bill) error {
			if b.Locked {
				return ErrBillLocked
			}
			b.Received = money.Round2(in.Amount)
			if in.Mode != "" {
				b.PaymentMode = in.Mode
			}
			if in.Reference != nil {
				b.PaymentRef = in.Reference
			}
			return nil
		},
		nil)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("bill_id", b.ID.String()).
		Str("status", string(b.Status)).
		Str("received", b.Received.String()).
		Msg("payment recorded")
	return b, nil
}

// ReopenBill unlocks a fully paid bill for corrections. The bill locks
// itself again as soon as a subsequent mutation leaves it fully paid.
func (s *Service) ReopenBill(ctx context.Context, billID uuid.UUID) (*Bill, error) {
	mu := s.lock(billID)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.bills.GetByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	if !b.Locked {
		return b, nil
	}

	b.Locked = false
	if err := s.bills.UpdateTotals(ctx, b); err != nil {
		return nil, err
	}
	s.log.Info().Str("bill_id", b.ID.String()).Msg("bill reopened")
	return b, nil
}

// BedChargesInput books room rent for an admission. Days below one are
// raised to one: an admission always pays for at least a day.
type BedChargesInput struct {
	Ward      string          `json:"ward"`
	Days      int             `json:"days"`
	DailyRate decimal.Decimal `json:"daily_rate"`
}

// AddBedCharges adds or refreshes the bed charge line for a ward. Called
// repeatedly (daily, or on transfer), it updates the existing line in
// place instead of stacking duplicates.
func (s *Service) AddBedCharges(ctx context.Context, billID uuid.UUID, in BedChargesInput) (*Bill, error) {
	if in.Ward == "" {
		return nil, fmt.Errorf("%w: ward is required", ErrInvalidItem)
	}
	if in.DailyRate.IsNegative() {
		return nil, fmt.Errorf("%w: daily rate must not be negative", ErrInvalidItem)
	}
	days := in.Days
	if days < 1 {
		days = 1
	}
	name := fmt.Sprintf("Bed charges (%s)", in.Ward)

	var target *BillItem
	var isNew bool
	return s.mutate(ctx, billID,
		func(b *Bill) error {
			if b.Locked {
				return ErrBillLocked
			}
			for _, it := range b.Items {
				if it.Source == SourceBed && it.Name == name {
					target = it
					break
				}
			}
			if target == nil {
				isNew = true
				target = &BillItem{
					ID:     uuid.New(),
					BillID: b.ID,
					Source: SourceBed,
					Name:   name,
				}
				b.Items = append(b.Items, target)
			}
			target.Quantity = days
			target.UnitPrice = in.DailyRate
			target.TotalPrice = money.Line(days, in.DailyRate)
			return nil
		},
		func(ctx context.Context) error {
			if isNew {
				return s.bills.AddItem(ctx, target)
			}
			return s.bills.UpdateItem(ctx, target)
		})
}
