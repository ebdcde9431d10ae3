package settlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/platform/razorpay"
)

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order
	seq    int64
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*Order)}
}

func (m *mockOrderRepo) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o.ID = uuid.New()
	m.seq++
	o.OrderNumber = fmt.Sprintf("ORD/20260830/%03d", m.seq)
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Order
	for _, o := range m.orders {
		if o.PatientID == patientID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *mockOrderRepo) MarkPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.Status != OrderPending {
		return false, nil
	}
	o.Status = OrderPaid
	return true, nil
}

func (m *mockOrderRepo) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.Status != OrderPending {
		return false, nil
	}
	o.Status = OrderCancelled
	return true, nil
}

func (m *mockOrderRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type mockAttemptRepo struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*PaymentAttempt

	failNextCreate error
}

func newMockAttemptRepo() *mockAttemptRepo {
	return &mockAttemptRepo{attempts: make(map[uuid.UUID]*PaymentAttempt)}
}

func (m *mockAttemptRepo) Create(ctx context.Context, a *PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextCreate != nil {
		err := m.failNextCreate
		m.failNextCreate = nil
		return err
	}

	a.ID = uuid.New()
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *mockAttemptRepo) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.attempts {
		if a.GatewayOrderID == gatewayOrderID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAttemptNotFound
}

func (m *mockAttemptRepo) MarkVerified(ctx context.Context, id uuid.UUID, gatewayPaymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok || a.Status != AttemptCreated {
		return false, nil
	}
	a.Status = AttemptVerified
	a.GatewayPaymentID = &gatewayPaymentID
	return true, nil
}

func (m *mockAttemptRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok || a.Status != AttemptCreated {
		return false, nil
	}
	a.Status = AttemptFailed
	a.FailureReason = &reason
	return true, nil
}

func (m *mockAttemptRepo) RecordResult(ctx context.Context, id uuid.UUID, visitID, billID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return ErrAttemptNotFound
	}
	a.VisitID = visitID
	a.BillID = billID
	return nil
}

func (m *mockAttemptRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

type mockConfigRepo struct {
	mu  sync.Mutex
	cfg *GatewayConfig
}

func (m *mockConfigRepo) GetActive(ctx context.Context) (*GatewayConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg == nil || !m.cfg.Active {
		return nil, ErrGatewayUnconfigured
	}
	cp := *m.cfg
	return &cp, nil
}

func (m *mockConfigRepo) Upsert(ctx context.Context, cfg *GatewayConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	cp := *cfg
	m.cfg = &cp
	return nil
}

type mockLedger struct {
	mu       sync.Mutex
	bills    int
	lastBill *billing.Bill
	payments []billing.PaymentInput
}

func (m *mockLedger) CreateBillWithItems(ctx context.Context, b *billing.Bill, items []*billing.BillItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b.ID = uuid.New()
	b.Items = items
	m.bills++
	m.lastBill = b
	return nil
}

func (m *mockLedger) RecordPayment(ctx context.Context, billID uuid.UUID, in billing.PaymentInput) (*billing.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments = append(m.payments, in)
	return &billing.Bill{ID: billID, Status: billing.StatusPaid}, nil
}

func (m *mockLedger) billCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bills
}

type mockVisits struct {
	mu       sync.Mutex
	visits   []uuid.UUID
	failNext error
}

func (m *mockVisits) CreateVisit(ctx context.Context, patientID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return uuid.Nil, err
	}

	id := uuid.New()
	m.visits = append(m.visits, id)
	return id, nil
}

func (m *mockVisits) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visits)
}

// stubClient signs and verifies with the real HMAC primitives but
// never talks to the network.
type stubClient struct {
	cfg *GatewayConfig
	env *testEnv
}

func (s *stubClient) CreateRemoteOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	if s.env.gatewayErr != nil {
		return "", s.env.gatewayErr
	}
	n := atomic.AddInt64(&s.env.remoteSeq, 1)
	s.env.lastAmount = amount
	return fmt.Sprintf("order_test_%d", n), nil
}

func (s *stubClient) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return razorpay.SignPayment(orderID, paymentID, s.cfg.KeySecret) == signature
}

func (s *stubClient) VerifyWebhookSignature(payload []byte, signature string) bool {
	return razorpay.SignWebhook(payload, s.cfg.WebhookSecret) == signature
}

func (s *stubClient) KeyID() string { return s.cfg.KeyID }

type testEnv struct {
	svc      *Service
	orders   *mockOrderRepo
	attempts *mockAttemptRepo
	configs  *mockConfigRepo
	ledger   *mockLedger
	visits   *mockVisits

	gatewayErr error
	remoteSeq  int64
	lastAmount int64
}

const (
	testKeySecret     = "test_key_secret"
	testWebhookSecret = "test_webhook_secret"
)

func newTestEnv() *testEnv {
	env := &testEnv{
		orders:   newMockOrderRepo(),
		attempts: newMockAttemptRepo(),
		configs:  &mockConfigRepo{},
		ledger:   &mockLedger{},
		visits:   &mockVisits{},
	}
	env.configs.cfg = &GatewayConfig{
		ID:            uuid.New(),
		KeyID:         "rzp_test_key",
		KeySecret:     testKeySecret,
		WebhookSecret: testWebhookSecret,
		AutoCapture:   true,
		Active:        true,
	}
	factory := func(cfg *GatewayConfig) GatewayClient {
		return &stubClient{cfg: cfg, env: env}
	}
	env.svc = NewService(env.orders, env.attempts, env.configs,
		env.ledger, env.visits, factory, "INR", zerolog.Nop())
	return env
}
