// Package settlement drives online payments through the gateway's
// two-phase create/verify protocol. An order is allocated remotely,
// the client pays against it, and a signed verification applies the
// billing side effects exactly once.
package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/money"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

type ServiceType string

const (
	ServiceConsultation   ServiceType = "consultation"
	ServiceDiagnostic     ServiceType = "diagnostic"
	ServiceLaboratory     ServiceType = "laboratory"
	ServicePharmacy       ServiceType = "pharmacy"
	ServiceNursingCare    ServiceType = "nursing_care"
	ServiceHomeHealthcare ServiceType = "home_healthcare"
)

var validServiceTypes = map[ServiceType]bool{
	ServiceConsultation:   true,
	ServiceDiagnostic:     true,
	ServiceLaboratory:     true,
	ServicePharmacy:       true,
	ServiceNursingCare:    true,
	ServiceHomeHealthcare: true,
}

// Order is one purchasable bundle of services. Totals are derived from
// its items and fees and never set by callers.
type Order struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	OrderNumber   string          `db:"order_number" json:"order_number"`
	PatientID     uuid.UUID       `db:"patient_id" json:"patient_id"`
	ServiceType   ServiceType     `db:"service_type" json:"service_type"`
	AppointmentID *uuid.UUID      `db:"appointment_id" json:"appointment_id,omitempty"`
	Status        OrderStatus     `db:"status" json:"status"`
	Subtotal      decimal.Decimal `db:"subtotal" json:"subtotal"`
	TotalFees     decimal.Decimal `db:"total_fees" json:"total_fees"`
	Total         decimal.Decimal `db:"total" json:"total"`
	Currency      string          `db:"currency" json:"currency"`
	Notes         *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`

	Items []*OrderItem `db:"-" json:"items"`
	Fees  []*OrderFee  `db:"-" json:"fees,omitempty"`
}

type OrderItem struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	OrderID    uuid.UUID       `db:"order_id" json:"order_id"`
	Name       string          `db:"name" json:"name"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
}

// OrderFee is a surcharge line, either a percentage of the order
// subtotal or a flat amount. Percent wins when both are set; Amount
// always holds the computed charge after ComputeTotals.
type OrderFee struct {
	ID      uuid.UUID       `db:"id" json:"id"`
	OrderID uuid.UUID       `db:"order_id" json:"order_id"`
	Name    string          `db:"name" json:"name"`
	Percent decimal.Decimal `db:"percent" json:"percent"`
	Amount  decimal.Decimal `db:"amount" json:"amount"`
}

// Validate checks the order shape before anything is sent to the
// gateway. All failures wrap ErrInvalidOrder except the missing
// appointment reference, which has its own sentinel.
func (o *Order) Validate() error {
	if !validServiceTypes[o.ServiceType] {
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidOrder, o.ServiceType)
	}
	if o.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidOrder)
	}
	if o.ServiceType == ServiceConsultation && o.AppointmentID == nil {
		return ErrMissingEncounterReference
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for _, it := range o.Items {
		if it.Name == "" {
			return fmt.Errorf("%w: item name is required", ErrInvalidOrder)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item quantity must be positive", ErrInvalidOrder)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item price must not be negative", ErrInvalidOrder)
		}
	}
	for _, f := range o.Fees {
		if f.Percent.IsNegative() || f.Amount.IsNegative() {
			return fmt.Errorf("%w: fee values must not be negative", ErrInvalidOrder)
		}
	}
	return nil
}

// ComputeTotals derives item totals, fee amounts, subtotal and total.
func (o *Order) ComputeTotals() {
	o.Subtotal = money.Zero
	for _, it := range o.Items {
		it.TotalPrice = money.Line(it.Quantity, it.UnitPrice)
		o.Subtotal = o.Subtotal.Add(it.TotalPrice)
	}

	o.TotalFees = money.Zero
	for _, f := range o.Fees {
		if f.Percent.IsPositive() {
			f.Amount = money.Percent(o.Subtotal, f.Percent)
		} else {
			f.Amount = money.Round2(f.Amount)
		}
		o.TotalFees = o.TotalFees.Add(f.Amount)
	}
	o.Total = o.Subtotal.Add(o.TotalFees)
}

type AttemptStatus string

const (
	AttemptCreated  AttemptStatus = "created"
	AttemptVerified AttemptStatus = "verified"
	AttemptFailed   AttemptStatus = "failed"
)

// PaymentAttempt tracks one gateway order from allocation to its
// terminal state. Exactly one attempt exists per gateway order id, and
// once verified it also records the side effects the verification
// produced.
type PaymentAttempt struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	OrderID          uuid.UUID       `db:"order_id" json:"order_id"`
	GatewayOrderID   string          `db:"gateway_order_id" json:"gateway_order_id"`
	GatewayPaymentID *string         `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Currency         string          `db:"currency" json:"currency"`
	Status           AttemptStatus   `db:"status" json:"status"`
	VisitID          *uuid.UUID      `db:"visit_id" json:"visit_id,omitempty"`
	BillID           *uuid.UUID      `db:"bill_id" json:"bill_id,omitempty"`
	FailureReason    *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// GatewayConfig holds a tenant's Razorpay credentials.
type GatewayConfig struct {
	ID            uuid.UUID `db:"id" json:"id"`
	KeyID         string    `db:"key_id" json:"key_id"`
	KeySecret     string    `db:"key_secret" json:"-"`
	WebhookSecret string    `db:"webhook_secret" json:"-"`
	AutoCapture   bool      `db:"auto_capture" json:"auto_capture"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

func (g *GatewayConfig) Validate() error {
	if g.KeyID == "" || g.KeySecret == "" {
		return fmt.Errorf("%w: key_id and key_secret are required", ErrInvalidOrder)
	}
	return nil
}

const orderNumberPrefix = "ORD"

// FormatOrderNumber renders the human-readable order number,
// ORD/YYYYMMDD/NNN.
func FormatOrderNumber(day time.Time, seq int64) string {
	return fmt.Sprintf("%s/%s/%03d", orderNumberPrefix, day.Format("20060102"), seq)
}
