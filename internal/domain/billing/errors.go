package billing

import "errors"

var (
	// ErrNotFound is returned when no bill matches the lookup.
	ErrNotFound = errors.New("bill not found")
	// ErrItemNotFound is returned when a line item does not exist on the bill.
	ErrItemNotFound = errors.New("bill item not found")
	// ErrInvalidItem is returned when a line item fails validation.
	ErrInvalidItem = errors.New("invalid bill item")
	// ErrBillLocked is returned when a modification targets a fully paid bill.
	ErrBillLocked = errors.New("bill is locked")
	// ErrOverpayment is returned when the received amount would exceed the payable amount.
	ErrOverpayment = errors.New("received amount exceeds payable amount")
	// ErrInvalidDiscount is returned when a discount fails validation.
	ErrInvalidDiscount = errors.New("invalid discount")
	// ErrInvalidPayment is returned when a payment fails validation.
	ErrInvalidPayment = errors.New("invalid payment")
)
