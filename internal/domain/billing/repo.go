package billing

import (
	"context"

	"github.com/google/uuid"
)

// BillRepository persists bills and their line items. Implementations
// must return ErrNotFound / ErrItemNotFound for missing rows so the
// service can translate them uniformly.
type BillRepository interface {
	// Create assigns the bill an ID and the next bill number for the day.
	Create(ctx context.Context, b *Bill) error
	// GetByID returns the bill with its items loaded.
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	// LatestOpenByEncounter returns the most recently created bill for the
	// encounter that is not locked, or ErrNotFound.
	LatestOpenByEncounter(ctx context.Context, encounterType string, encounterID uuid.UUID) (*Bill, error)
	ListByEncounter(ctx context.Context, encounterType string, encounterID uuid.UUID, limit, offset int) ([]*Bill, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error)
	// UpdateTotals writes the derived monetary fields, status and payment
	// details back after a recompute.
	UpdateTotals(ctx context.Context, b *Bill) error

	AddItem(ctx context.Context, item *BillItem) error
	UpdateItem(ctx context.Context, item *BillItem) error
	DeleteItem(ctx context.Context, id uuid.UUID) error
	// ItemExistsForOrder reports whether any bill already carries a line
	// for the given clinical order. Charge sync uses it to stay idempotent.
	ItemExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
	// FindItemBySource returns the item on the bill with the given source
	// and name, or ErrItemNotFound. Bed charge upserts use it.
	FindItemBySource(ctx context.Context, billID uuid.UUID, source ItemSource, name string) (*BillItem, error)
}
