package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/money"
)

// PaymentStatus tracks how much of the payable amount has been received.
type PaymentStatus string

const (
	StatusUnpaid  PaymentStatus = "unpaid"
	StatusPartial PaymentStatus = "partial"
	StatusPaid    PaymentStatus = "paid"
)

// ItemSource identifies which hospital department a charge came from.
type ItemSource string

const (
	SourceBed          ItemSource = "bed"
	SourcePharmacy     ItemSource = "pharmacy"
	SourceLab          ItemSource = "lab"
	SourceRadiology    ItemSource = "radiology"
	SourceConsultation ItemSource = "consultation"
	SourceProcedure    ItemSource = "procedure"
	SourceSurgery      ItemSource = "surgery"
	SourceTherapy      ItemSource = "therapy"
	SourcePackage      ItemSource = "package"
	SourceOther        ItemSource = "other"
)

var validSources = map[ItemSource]bool{
	SourceBed: true, SourcePharmacy: true, SourceLab: true,
	SourceRadiology: true, SourceConsultation: true, SourceProcedure: true,
	SourceSurgery: true, SourceTherapy: true, SourcePackage: true,
	SourceOther: true,
}

// PaymentMode records the instrument used at the counter or online.
type PaymentMode string

const (
	ModeCash       PaymentMode = "cash"
	ModeCard       PaymentMode = "card"
	ModeUPI        PaymentMode = "upi"
	ModeNetBanking PaymentMode = "net_banking"
	ModeOnline     PaymentMode = "online"
	ModeRazorpay   PaymentMode = "razorpay"
	ModeInsurance  PaymentMode = "insurance"
	ModeCheque     PaymentMode = "cheque"
	ModeOther      PaymentMode = "other"
)

var validModes = map[PaymentMode]bool{
	ModeCash: true, ModeCard: true, ModeUPI: true, ModeNetBanking: true,
	ModeOnline: true, ModeRazorpay: true, ModeInsurance: true,
	ModeCheque: true, ModeOther: true,
}

// Encounter types a bill can attach to. Visits are outpatient, admissions
// are inpatient.
const (
	EncounterVisit     = "visit"
	EncounterAdmission = "admission"
)

// Bill is the single ledger for one encounter. Monetary fields are
// derived from the line items and discount; they are recomputed by the
// service after every mutation and never written directly by callers.
type Bill struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	BillNumber      string          `db:"bill_number" json:"bill_number"`
	EncounterType   string          `db:"encounter_type" json:"encounter_type"`
	EncounterID     uuid.UUID       `db:"encounter_id" json:"encounter_id"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountPercent decimal.Decimal `db:"discount_percent" json:"discount_percent"`
	DiscountAmount  decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	Payable         decimal.Decimal `db:"payable" json:"payable"`
	Received        decimal.Decimal `db:"received" json:"received"`
	Balance         decimal.Decimal `db:"balance" json:"balance"`
	Status          PaymentStatus   `db:"status" json:"status"`
	Locked          bool            `db:"locked" json:"locked"`
	PaymentMode     PaymentMode     `db:"payment_mode" json:"payment_mode,omitempty"`
	PaymentRef      *string         `db:"payment_ref" json:"payment_ref,omitempty"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	BilledBy        *string         `db:"billed_by" json:"billed_by,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`

	Items []*BillItem `db:"-" json:"items,omitempty"`
}

// BillItem is one charge line. TotalPrice is always quantity times unit
// price; it is stored denormalized for reporting queries.
type BillItem struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	BillID     uuid.UUID       `db:"bill_id" json:"bill_id"`
	Source     ItemSource      `db:"source" json:"source"`
	OrderID    *uuid.UUID      `db:"order_id" json:"order_id,omitempty"`
	Name       string          `db:"name" json:"name"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
	Notes      *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Validate checks the line item fields. The returned error wraps
// ErrInvalidItem so handlers can map it to a 400.
func (i *BillItem) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if i.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidItem)
	}
	if i.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price must not be negative", ErrInvalidItem)
	}
	if i.Source == "" {
		i.Source = SourceOther
	}
	if !validSources[i.Source] {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidItem, i.Source)
	}
	return nil
}

// Recompute derives the monetary summary from the line items, discount
// and received amount. Percentage discounts win over fixed amounts: when
// DiscountPercent is positive, DiscountAmount is recalculated from it.
func (b *Bill) Recompute() {
	subtotal := decimal.Zero
	for _, it := range b.Items {
		subtotal = subtotal.Add(it.TotalPrice)
	}
	b.Subtotal = money.Round2(subtotal)

	if b.DiscountPercent.IsPositive() {
		b.DiscountAmount = money.Percent(b.Subtotal, b.DiscountPercent)
	}
	b.Payable = b.Subtotal.Sub(b.DiscountAmount)

	switch {
	case !b.Received.IsPositive():
		b.Received = decimal.Zero
		b.Status = StatusUnpaid
		b.Balance = b.Payable
	case b.Received.GreaterThanOrEqual(b.Payable):
		b.Status = StatusPaid
		b.Balance = decimal.Zero
	default:
		b.Status = StatusPartial
		b.Balance = b.Payable.Sub(b.Received)
	}
}

// checkInvariants rejects states the ledger must never persist.
func (b *Bill) checkInvariants() error {
	if b.DiscountPercent.IsNegative() || b.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: percent must be between 0 and 100", ErrInvalidDiscount)
	}
	if b.DiscountAmount.IsNegative() || b.DiscountAmount.GreaterThan(b.Subtotal) {
		return fmt.Errorf("%w: amount must be between 0 and the subtotal", ErrInvalidDiscount)
	}
	if b.Received.GreaterThan(b.Payable) {
		return ErrOverpayment
	}
	return nil
}

// numberPrefix returns the bill number prefix for the encounter type.
func numberPrefix(encounterType string) string {
	if encounterType == EncounterAdmission {
		return "IPD-BILL"
	}
	return "OPD-BILL"
}

// FormatBillNumber renders a bill number from its parts, e.g.
// OPD-BILL/20260830/007.
func FormatBillNumber(encounterType string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s/%s/%03d", numberPrefix(encounterType), day.Format("20060102"), seq)
}
