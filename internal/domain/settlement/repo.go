package settlement

import (
	"context"

	"github.com/google/uuid"
)

// OrderRepository persists orders and their lines. Create allocates
// the order number.
type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error)
	// MarkPaid moves a pending order to paid. Returns false when the
	// order was not pending.
	MarkPaid(ctx context.Context, id uuid.UUID) (bool, error)
	// Cancel moves a pending order to cancelled. Returns false when
	// the order was not pending.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// AttemptRepository persists payment attempts. The created-to-verified
// transition is a compare-and-set so concurrent verifications elect a
// single winner.
type AttemptRepository interface {
	Create(ctx context.Context, a *PaymentAttempt) error
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*PaymentAttempt, error)
	// MarkVerified claims the attempt for this verification. Returns
	// false when the attempt was not in the created state.
	MarkVerified(ctx context.Context, id uuid.UUID, gatewayPaymentID string) (bool, error)
	// MarkFailed records a terminal failure. Returns false when the
	// attempt was not in the created state.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	// RecordResult stores the side-effect ids produced by a verified
	// attempt.
	RecordResult(ctx context.Context, id uuid.UUID, visitID, billID *uuid.UUID) error
}

// ConfigRepository persists tenant gateway credentials.
type ConfigRepository interface {
	GetActive(ctx context.Context) (*GatewayConfig, error)
	Upsert(ctx context.Context, cfg *GatewayConfig) error
}
