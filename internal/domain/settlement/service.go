package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/encounter"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/money"
)

// Ledger is the slice of the bill ledger settlement needs to convert a
// paid order into a bill.
type Ledger interface {
	CreateBillWithItems(ctx context.Context, b *billing.Bill, items []*billing.BillItem) error
	RecordPayment(ctx context.Context, billID uuid.UUID, in billing.PaymentInput) (*billing.Bill, error)
}

var _ Ledger = (*billing.Service)(nil)

// VisitCreator opens a visit for a verified consultation payment.
type VisitCreator interface {
	CreateVisit(ctx context.Context, patientID uuid.UUID) (uuid.UUID, error)
}

var _ VisitCreator = (encounter.Gateway)(nil)

type Service struct {
	orders    OrderRepository
	attempts  AttemptRepository
	configs   ConfigRepository
	ledger    Ledger
	visits    VisitCreator
	newClient ClientFactory
	currency  string
	log       zerolog.Logger

	locks sync.Map // gateway order id -> *sync.Mutex
}

func NewService(orders OrderRepository, attempts AttemptRepository, configs ConfigRepository,
	ledger Ledger, visits VisitCreator, newClient ClientFactory, currency string, log zerolog.Logger) *Service {
	return &Service{
		orders:    orders,
		attempts:  attempts,
		configs:   configs,
		ledger:    ledger,
		visits:    visits,
		newClient: newClient,
		currency:  currency,
		log:       log,
	}
}

func (s *Service) lock(gatewayOrderID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(gatewayOrderID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CheckoutInfo is what a client needs to open the gateway checkout.
type CheckoutInfo struct {
	Order          *Order `json:"order"`
	GatewayOrderID string `json:"gateway_order_id"`
	GatewayKeyID   string `json:"gateway_key_id"`
	AmountPaise    int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// CreateOrder validates the order, allocates a gateway order and
// persists the order with a payment attempt in the created state.
// Nothing is persisted until the gateway call has succeeded, so a
// timeout leaves no state behind.
func (s *Service) CreateOrder(ctx context.Context, o *Order) (*CheckoutInfo, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	o.ComputeTotals()
	o.Status = OrderPending
	if o.Currency == "" {
		o.Currency = s.currency
	}

	cfg, err := s.configs.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	client := s.newClient(cfg)

	paise := money.ToPaise(o.Total)
	receipt := uuid.NewString()
	gatewayOrderID, err := client.CreateRemoteOrder(ctx, paise, o.Currency, receipt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, err
	}

	// The order and its attempt commit together; an error midway must
	// not leave an order that can never be verified.
	err = db.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, o); err != nil {
			return err
		}
		return s.attempts.Create(ctx, &PaymentAttempt{
			OrderID:        o.ID,
			GatewayOrderID: gatewayOrderID,
			Amount:         o.Total,
			Currency:       o.Currency,
			Status:         AttemptCreated,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", o.ID.String()).
		Str("order_number", o.OrderNumber).
		Str("gateway_order_id", gatewayOrderID).
		Str("total", o.Total.String()).
		Msg("gateway order created")

	return &CheckoutInfo{
		Order:          o,
		GatewayOrderID: gatewayOrderID,
		GatewayKeyID:   client.KeyID(),
		AmountPaise:    paise,
		Currency:       o.Currency,
	}, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) ListOrdersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	return s.orders.ListByPatient(ctx, patientID, limit, offset)
}

// VerifyInput is the checkout callback payload.
type VerifyInput struct {
	GatewayOrderID   string `json:"razorpay_order_id"`
	GatewayPaymentID string `json:"razorpay_payment_id"`
	Signature        string `json:"razorpay_signature"`
}

// VerifyResult reports the outcome of a verification. AlreadyProcessed
// means this call replayed a verification that had completed earlier;
// the ids are the ones the first verification produced.
type VerifyResult struct {
	Order            *Order     `json:"order"`
	AlreadyProcessed bool       `json:"already_processed"`
	VisitID          *uuid.UUID `json:"visit_id,omitempty"`
	BillID           *uuid.UUID `json:"bill_id,omitempty"`
}

// VerifyPayment checks the checkout signature and, exactly once per
// attempt, applies the payment's side effects: the order is marked
// paid and, for consultations, a visit and a seeded bill are created.
// Replays and concurrent duplicates observe the first verification's
// result.
func (s *Service) VerifyPayment(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	mu := s.lock(in.GatewayOrderID)
	mu.Lock()
	defer mu.Unlock()

	attempt, err := s.attempts.GetByGatewayOrderID(ctx, in.GatewayOrderID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.configs.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	client := s.newClient(cfg)

	if !client.VerifyPaymentSignature(in.GatewayOrderID, in.GatewayPaymentID, in.Signature) {
		if _, err := s.attempts.MarkFailed(ctx, attempt.ID, "signature mismatch"); err != nil {
			return nil, err
		}
		s.log.Warn().
			Str("gateway_order_id", in.GatewayOrderID).
			Msg("payment signature rejected")
		return nil, ErrInvalidSignature
	}

	if attempt.Status == AttemptVerified {
		return s.replayResult(ctx, attempt)
	}
	if attempt.Status != AttemptCreated {
		return nil, fmt.Errorf("%w: attempt is %s", ErrAlreadyProcessed, attempt.Status)
	}

	return s.settle(ctx, attempt, in.GatewayPaymentID)
}

func (s *Service) replayResult(ctx context.Context, attempt *PaymentAttempt) (*VerifyResult, error) {
	order, err := s.orders.GetByID(ctx, attempt.OrderID)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{
		Order:            order,
		AlreadyProcessed: true,
		VisitID:          attempt.VisitID,
		BillID:           attempt.BillID,
	}, nil
}

// settle applies a verified payment's side effects and only then moves
// the attempt to verified. It runs with the per-gateway-order lock held
// on an attempt still in the created state: a failure partway leaves
// the attempt claimable, so a retry with the same signature finishes
// the settlement instead of replaying an empty result. Side effects
// already recorded by an interrupted run are reused, not repeated.
func (s *Service) settle(ctx context.Context, attempt *PaymentAttempt, gatewayPaymentID string) (*VerifyResult, error) {
	order, err := s.orders.GetByID(ctx, attempt.OrderID)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Order: order}
	if order.ServiceType == ServiceConsultation {
		if attempt.VisitID != nil && attempt.BillID != nil {
			res.VisitID = attempt.VisitID
			res.BillID = attempt.BillID
		} else {
			visitID, billID, err := s.createVisitAndBill(ctx, order, gatewayPaymentID)
			if err != nil {
				return nil, err
			}
			res.VisitID = &visitID
			res.BillID = &billID
			if err := s.attempts.RecordResult(ctx, attempt.ID, &visitID, &billID); err != nil {
				return nil, err
			}
		}
	}

	if _, err := s.orders.MarkPaid(ctx, order.ID); err != nil {
		return nil, err
	}
	order.Status = OrderPaid

	claimed, err := s.attempts.MarkVerified(ctx, attempt.ID, gatewayPaymentID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another process completed the settlement first.
		fresh, err := s.attempts.GetByGatewayOrderID(ctx, attempt.GatewayOrderID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == AttemptVerified {
			return s.replayResult(ctx, fresh)
		}
		return nil, fmt.Errorf("%w: attempt is %s", ErrAlreadyProcessed, fresh.Status)
	}

	s.log.Info().
		Str("order_id", order.ID.String()).
		Str("gateway_order_id", attempt.GatewayOrderID).
		Str("gateway_payment_id", gatewayPaymentID).
		Msg("payment verified")
	return res, nil
}

// createVisitAndBill opens the visit for an online consultation and
// seeds a bill from the order's lines, recorded as fully paid through
// the gateway.
func (s *Service) createVisitAndBill(ctx context.Context, order *Order, gatewayPaymentID string) (uuid.UUID, uuid.UUID, error) {
	visitID, err := s.visits.CreateVisit(ctx, order.PatientID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	var items []*billing.BillItem
	for _, it := range order.Items {
		items = append(items, &billing.BillItem{
			Source:    billing.SourceConsultation,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	for _, f := range order.Fees {
		if f.Amount.IsZero() {
			continue
		}
		items = append(items, &billing.BillItem{
			Source:    billing.SourceOther,
			Name:      f.Name,
			Quantity:  1,
			UnitPrice: f.Amount,
		})
	}

	bill := &billing.Bill{
		EncounterType: billing.EncounterVisit,
		EncounterID:   visitID,
		PatientID:     order.PatientID,
	}
	if err := s.ledger.CreateBillWithItems(ctx, bill, items); err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	ref := gatewayPaymentID
	if _, err := s.ledger.RecordPayment(ctx, bill.ID, billing.PaymentInput{
		Amount:    order.Total,
		Mode:      billing.ModeRazorpay,
		Reference: &ref,
	}); err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return visitID, bill.ID, nil
}

// webhookEvent is the subset of the gateway's webhook payload we read.
type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// HandleWebhook settles a payment reported by the gateway's server-side
// delivery. The webhook races the client's verify call for the same
// payment; whichever arrives second finds the attempt already verified
// and does nothing.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	cfg, err := s.configs.GetActive(ctx)
	if err != nil {
		return err
	}
	client := s.newClient(cfg)
	if !client.VerifyWebhookSignature(payload, signature) {
		return ErrInvalidSignature
	}

	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}
	if ev.Event != "payment.captured" {
		return nil
	}
	gatewayOrderID := ev.Payload.Payment.Entity.OrderID
	gatewayPaymentID := ev.Payload.Payment.Entity.ID

	mu := s.lock(gatewayOrderID)
	mu.Lock()
	defer mu.Unlock()

	attempt, err := s.attempts.GetByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return err
	}
	if attempt.Status != AttemptCreated {
		return nil
	}

	_, err = s.settle(ctx, attempt, gatewayPaymentID)
	return err
}

// CancelOrder soft-cancels a pending order. Paid or already cancelled
// orders refuse.
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.orders.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order is %s", ErrNotCancellable, order.Status)
	}
	order.Status = OrderCancelled
	return order, nil
}

// UpsertGatewayConfig stores the tenant's gateway credentials.
func (s *Service) UpsertGatewayConfig(ctx context.Context, cfg *GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.configs.Upsert(ctx, cfg)
}

// GetGatewayConfig returns the active credentials. Secrets are not
// serialized by the model.
func (s *Service) GetGatewayConfig(ctx context.Context) (*GatewayConfig, error) {
	return s.configs.GetActive(ctx)
}
