// Package reconcile imports unbilled clinical orders into bills. Each
// upstream order lands on a bill exactly once, no matter how many
// times or how concurrently a sync is requested.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/encounter"
)

// Ledger is the slice of the bill ledger the reconciler needs.
type Ledger interface {
	LatestOpenBill(ctx context.Context, encounterType string, encounterID uuid.UUID) (*billing.Bill, error)
	CreateBill(ctx context.Context, b *billing.Bill) error
	AddItem(ctx context.Context, billID uuid.UUID, item *billing.BillItem) (*billing.Bill, error)
	ItemExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
}

var _ Ledger = (*billing.Service)(nil)

type Service struct {
	ledger     Ledger
	encounters encounter.Gateway
	log        zerolog.Logger

	locks sync.Map // encounter.Ref -> *sync.Mutex
}

func NewService(ledger Ledger, encounters encounter.Gateway, log zerolog.Logger) *Service {
	return &Service{ledger: ledger, encounters: encounters, log: log}
}

func (s *Service) lock(ref encounter.Ref) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(ref, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PreviewGroup summarizes the unbilled orders of one requisition.
type PreviewGroup struct {
	RequisitionID string          `json:"requisition_id"`
	Orders        int             `json:"orders"`
	Total         decimal.Decimal `json:"total"`
}

// Preview estimates what a sync would bill, without touching anything.
type Preview struct {
	Encounter encounter.Ref   `json:"encounter"`
	Orders    int             `json:"orders"`
	Total     decimal.Decimal `json:"total"`
	Groups    []PreviewGroup  `json:"groups"`
}

// SyncResult reports what a sync did. Counts are per order: a failure
// on one order never rolls back the others.
type SyncResult struct {
	BillID        uuid.UUID `json:"bill_id"`
	BillNumber    string    `json:"bill_number"`
	CreatedItems  int       `json:"created_items"`
	UpdatedOrders int       `json:"updated_orders"`
	Skipped       int       `json:"skipped"`
	Failed        int       `json:"failed"`
	Errors        []string  `json:"errors,omitempty"`
}

// PreviewUnbilled lists the encounter's unbilled orders grouped by
// requisition. Read-only and safe to call any number of times.
func (s *Service) PreviewUnbilled(ctx context.Context, ref encounter.Ref) (*Preview, error) {
	if _, err := s.encounters.GetEncounter(ctx, ref); err != nil {
		return nil, err
	}
	orders, err := s.encounters.ListUnbilledOrders(ctx, ref)
	if err != nil {
		return nil, err
	}

	p := &Preview{Encounter: ref, Total: decimal.Zero}
	byReq := make(map[string]*PreviewGroup)
	var keys []string // first-seen order
	for _, o := range orders {
		line := o.Price.Mul(decimal.NewFromInt(int64(orderQuantity(o))))
		p.Orders++
		p.Total = p.Total.Add(line)

		key := ""
		if o.RequisitionID != nil {
			key = *o.RequisitionID
		}
		g, ok := byReq[key]
		if !ok {
			g = &PreviewGroup{RequisitionID: key, Total: decimal.Zero}
			byReq[key] = g
			keys = append(keys, key)
		}
		g.Orders++
		g.Total = g.Total.Add(line)
	}
	for _, key := range keys {
		p.Groups = append(p.Groups, *byReq[key])
	}
	return p, nil
}

// SyncCharges bills the encounter's unbilled orders onto its latest
// open bill, creating one if none exists. Each order is processed
// independently: an order that was already billed is skipped, and an
// order that fails is counted and reported without aborting the batch.
func (s *Service) SyncCharges(ctx context.Context, ref encounter.Ref) (*SyncResult, error) {
	enc, err := s.encounters.GetEncounter(ctx, ref)
	if err != nil {
		return nil, err
	}

	// Two syncs of the same encounter racing each other would both see
	// an order as unbilled. Serialize per encounter; the unique index
	// on bill_items.order_id backstops across processes.
	mu := s.lock(ref)
	mu.Lock()
	defer mu.Unlock()

	bill, err := s.targetBill(ctx, ref, enc)
	if err != nil {
		return nil, err
	}

	orders, err := s.encounters.ListUnbilledOrders(ctx, ref)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{BillID: bill.ID, BillNumber: bill.BillNumber}
	for _, o := range orders {
		if err := s.syncOrder(ctx, bill.ID, o, res); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s (%s): %v", o.Name, o.ID, err))
			s.log.Warn().Err(err).
				Str("order_id", o.ID.String()).
				Str("bill_id", bill.ID.String()).
				Msg("charge sync failed for order")
		}
	}

	s.log.Info().
		Str("bill_id", bill.ID.String()).
		Str("encounter_id", ref.ID.String()).
		Int("created", res.CreatedItems).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("charges synced")
	return res, nil
}

func (s *Service) syncOrder(ctx context.Context, billID uuid.UUID, o *encounter.ClinicalOrder, res *SyncResult) error {
	exists, err := s.ledger.ItemExistsForOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if exists {
		// Item landed on a bill earlier but the upstream marker was
		// never set. Set it now so the order stops showing up.
		if err := s.encounters.MarkOrderBilled(ctx, o.ID); err != nil {
			return err
		}
		res.Skipped++
		return nil
	}

	orderID := o.ID
	item := &billing.BillItem{
		Source:    sourceForCategory(o.Category),
		OrderID:   &orderID,
		Name:      o.Name,
		Quantity:  orderQuantity(o),
		UnitPrice: o.Price,
	}
	if _, err := s.ledger.AddItem(ctx, billID, item); err != nil {
		return err
	}
	res.CreatedItems++

	if err := s.encounters.MarkOrderBilled(ctx, o.ID); err != nil {
		return err
	}
	res.UpdatedOrders++
	return nil
}

// targetBill picks the most recent bill for the encounter that is
// still open for mutation, creating a fresh one when none exists.
func (s *Service) targetBill(ctx context.Context, ref encounter.Ref, enc *encounter.Encounter) (*billing.Bill, error) {
	bill, err := s.ledger.LatestOpenBill(ctx, ref.Type, ref.ID)
	if err == nil {
		return bill, nil
	}
	if !errors.Is(err, billing.ErrNotFound) {
		return nil, err
	}

	bill = &billing.Bill{
		EncounterType: ref.Type,
		EncounterID:   ref.ID,
		PatientID:     enc.PatientID,
	}
	if err := s.ledger.CreateBill(ctx, bill); err != nil {
		return nil, err
	}
	return bill, nil
}

func orderQuantity(o *encounter.ClinicalOrder) int {
	if o.Quantity < 1 {
		return 1
	}
	return o.Quantity
}

// sourceForCategory maps an upstream order category onto a bill item
// source. Unknown categories land under other rather than failing.
func sourceForCategory(category string) billing.ItemSource {
	switch category {
	case "lab", "laboratory":
		return billing.SourceLab
	case "pharmacy", "medication":
		return billing.SourcePharmacy
	case "radiology", "imaging":
		return billing.SourceRadiology
	case "consultation":
		return billing.SourceConsultation
	case "procedure":
		return billing.SourceProcedure
	case "surgery":
		return billing.SourceSurgery
	case "therapy":
		return billing.SourceTherapy
	case "package":
		return billing.SourcePackage
	case "bed":
		return billing.SourceBed
	default:
		return billing.SourceOther
	}
}
