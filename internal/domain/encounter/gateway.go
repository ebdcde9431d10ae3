package encounter

import (
	"context"

	"github.com/google/uuid"
)

// Gateway is what the billing side is allowed to ask of the clinical
// side. Consumers hold this interface, never the pg implementation.
type Gateway interface {
	// GetEncounter resolves a reference, returning ErrNotFound when
	// the episode does not exist in the tenant.
	GetEncounter(ctx context.Context, ref Ref) (*Encounter, error)

	// CreateVisit opens a new outpatient visit for the patient and
	// returns its id. Used by settlement after a verified online
	// consultation payment.
	CreateVisit(ctx context.Context, patientID uuid.UUID) (uuid.UUID, error)

	// ListUnbilledOrders returns the encounter's clinical orders whose
	// billed marker is still unset, oldest first.
	ListUnbilledOrders(ctx context.Context, ref Ref) ([]*ClinicalOrder, error)

	// MarkOrderBilled sets the billed marker on an order.
	MarkOrderBilled(ctx context.Context, orderID uuid.UUID) error
}
