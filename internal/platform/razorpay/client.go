// Package razorpay is a minimal client for the Razorpay Orders API plus
// the HMAC signature checks used during payment verification. Only the
// calls this service needs are implemented.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.razorpay.com/v1"

// ErrUpstream wraps non-2xx responses from the gateway.
var ErrUpstream = errors.New("gateway request failed")

type Client struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	http          *http.Client
}

type Option func(*Client)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithWebhookSecret sets the secret used to verify webhook deliveries.
func WithWebhookSecret(s string) Option {
	return func(c *Client) { c.webhookSecret = s }
}

func New(keyID, keySecret string, opts ...Option) *Client {
	c := &Client{
		keyID:     keyID,
		keySecret: keySecret,
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KeyID returns the public key identifier, safe to hand to checkout clients.
func (c *Client) KeyID() string { return c.keyID }

// OrderRequest is the payload for creating a gateway order. Amount is in
// paise.
type OrderRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

// Order is the gateway's view of a created order.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// CreateOrder registers an order with the gateway and returns its ID.
// The caller's context bounds the call; a deadline exceeded surfaces as
// context.DeadlineExceeded.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	httpReq.SetBasicAuth(c.keyID, c.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}

	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%w: order response missing id", ErrUpstream)
	}
	return &order, nil
}

// SignPayment computes the checkout signature for an order/payment pair.
// The gateway signs sha256_hmac(order_id + "|" + payment_id, key_secret).
func SignPayment(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSignature reports whether the checkout signature matches.
// Comparison is constant time.
func (c *Client) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	expected := SignPayment(orderID, paymentID, c.keySecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignWebhook computes the signature the gateway attaches to webhook
// deliveries: sha256_hmac over the raw request body.
func SignWebhook(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature reports whether a webhook delivery is authentic.
func (c *Client) VerifyWebhookSignature(payload []byte, signature string) bool {
	if c.webhookSecret == "" {
		return false
	}
	expected := SignWebhook(payload, c.webhookSecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
