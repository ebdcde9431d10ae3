package settlement

import (
	"context"

	"github.com/hms/hms/internal/platform/razorpay"
)

// GatewayClient is the slice of the payment gateway the settlement
// machine needs.
type GatewayClient interface {
	// CreateRemoteOrder allocates an order at the gateway. Amount is
	// in the currency's minor unit (paise).
	CreateRemoteOrder(ctx context.Context, amount int64, currency, receipt string) (string, error)
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
	VerifyWebhookSignature(payload []byte, signature string) bool
	KeyID() string
}

// ClientFactory builds a gateway client from a tenant's credentials.
// Each tenant carries its own keys, so clients are constructed per
// request rather than once at startup.
type ClientFactory func(cfg *GatewayConfig) GatewayClient

type razorpayClient struct {
	c           *razorpay.Client
	autoCapture bool
}

// NewRazorpayFactory returns the production ClientFactory. Options are
// applied to every constructed client, which lets tests point it at an
// httptest server.
func NewRazorpayFactory(opts ...razorpay.Option) ClientFactory {
	return func(cfg *GatewayConfig) GatewayClient {
		all := append([]razorpay.Option{razorpay.WithWebhookSecret(cfg.WebhookSecret)}, opts...)
		return &razorpayClient{
			c:           razorpay.New(cfg.KeyID, cfg.KeySecret, all...),
			autoCapture: cfg.AutoCapture,
		}
	}
}

func (r *razorpayClient) CreateRemoteOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	capture := 0
	if r.autoCapture {
		capture = 1
	}
	order, err := r.c.CreateOrder(ctx, razorpay.OrderRequest{
		Amount:         amount,
		Currency:       currency,
		Receipt:        receipt,
		PaymentCapture: capture,
	})
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

func (r *razorpayClient) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return r.c.VerifyPaymentSignature(orderID, paymentID, signature)
}

func (r *razorpayClient) VerifyWebhookSignature(payload []byte, signature string) bool {
	return r.c.VerifyWebhookSignature(payload, signature)
}

func (r *razorpayClient) KeyID() string { return r.c.KeyID() }
