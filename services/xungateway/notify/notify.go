package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// EventOrderPaid is the event name delivered when an order is paid.
const EventOrderPaid = "order.paid"

// Signature and delivery headers attached to webhook requests.
const (
	HeaderSignature = "X-Xun-Signature"
	HeaderDelivery  = "X-Xun-Delivery"
)

// Payment describes a confirmed order payment.
type Payment struct {
	OrderID        uint64
	Amount         decimal.Decimal
	MessageAddress string
	PaidAt         time.Time
	Manual         bool
}

type payload struct {
	Event          string          `json:"event"`
	DeliveryID     string          `json:"delivery_id"`
	OrderID        uint64          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	MessageAddress string          `json:"message_address,omitempty"`
	PaidAt         time.Time       `json:"paid_at"`
	Manual         bool            `json:"manual,omitempty"`
}

// Webhook posts signed payment notifications to the storefront.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
	newID  func() string
}

// NewWebhook constructs a webhook notifier. The body of every request is
// signed with HMAC-SHA256 over secret.
func NewWebhook(url, secret string, timeout time.Duration) (*Webhook, error) {
	target := strings.TrimSpace(url)
	if target == "" {
		return nil, fmt.Errorf("notify: webhook url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    target,
		secret: []byte(secret),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		newID:  uuid.NewString,
	}, nil
}

// Notify delivers the payment event.
func (w *Webhook) Notify(ctx context.Context, p Payment) error {
	deliveryID := w.newID()
	body, err := json.Marshal(payload{
		Event:          EventOrderPaid,
		DeliveryID:     deliveryID,
		OrderID:        p.OrderID,
		Amount:         p.Amount,
		MessageAddress: p.MessageAddress,
		PaidAt:         p.PaidAt.UTC(),
		Manual:         p.Manual,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderSignature, Sign(w.secret, body))
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver order %d: %w", p.OrderID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: deliver order %d: status %d", p.OrderID, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, body []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// LogNotifier records payments in the service log when no webhook is set.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements the notifier contract.
func (n LogNotifier) Notify(ctx context.Context, p Payment) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "order paid",
		slog.Uint64("order_id", p.OrderID),
		slog.String("amount", p.Amount.String()),
		slog.Bool("manual", p.Manual))
	return nil
}
