package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/amount"
)

// CreateRequest describes an order registered at checkout completion.
type CreateRequest struct {
	OrderID        uint64          `json:"order_id"`
	FiatTotal      decimal.Decimal `json:"fiat_total"`
	Currency       string          `json:"currency"`
	MessageAddress string          `json:"message_address"`
}

// Pricer derives expected amounts for orders.
type Pricer interface {
	ExpectedFor(ctx context.Context, orderID uint64, fiatTotal decimal.Decimal, currency string) (decimal.Decimal, decimal.Decimal, error)
}

// CollisionRecorder is notified when an expected amount is already used by
// another pending order.
type CollisionRecorder interface {
	RecordCollision(stage string)
}

// CheckoutConfig wires the checkout service.
type CheckoutConfig struct {
	Store           *Store
	Pricer          Pricer
	PayTo           string
	DefaultCurrency string
	Collisions      CollisionRecorder
	Logger          *slog.Logger
}

// Checkout registers orders and assigns their expected amounts.
type Checkout struct {
	store      *Store
	pricer     Pricer
	payTo      string
	currency   string
	collisions CollisionRecorder
	logger     *slog.Logger
}

// NewCheckout validates cfg and returns the service.
func NewCheckout(cfg CheckoutConfig) (*Checkout, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orders: store required")
	}
	if cfg.Pricer == nil {
		return nil, fmt.Errorf("orders: pricer required")
	}
	payTo := strings.TrimSpace(cfg.PayTo)
	if payTo == "" {
		return nil, fmt.Errorf("orders: market address required")
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkout{
		store:      cfg.Store,
		pricer:     cfg.Pricer,
		payTo:      payTo,
		currency:   currency,
		collisions: cfg.Collisions,
		logger:     logger,
	}, nil
}

// Create registers the order and prices it at the current rate. When no rate
// is available the order is stored without an expected amount and priced on a
// later Reprice pass.
func (c *Checkout) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.OrderID == 0 {
		return nil, fmt.Errorf("%w: order_id must be positive", ErrInvalidOrder)
	}
	if !req.FiatTotal.IsPositive() {
		return nil, fmt.Errorf("%w: fiat_total must be positive", ErrInvalidOrder)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = c.currency
	}
	order := &Order{
		ID:             req.OrderID,
		FiatTotal:      req.FiatTotal,
		FiatCurrency:   currency,
		PayTo:          c.payTo,
		MessageAddress: strings.TrimSpace(req.MessageAddress),
		Status:         StatusAwaitingPayment,
	}

	expected, rate, err := c.pricer.ExpectedFor(ctx, req.OrderID, req.FiatTotal, currency)
	switch {
	case err == nil:
		order.ExpectedAmount = decimal.NewNullDecimal(expected)
		order.Rate = decimal.NewNullDecimal(rate)
	case errors.Is(err, amount.ErrRateUnavailable):
		c.logger.WarnContext(ctx, "order registered without expected amount",
			slog.Uint64("order_id", req.OrderID),
			slog.String("currency", currency),
			slog.String("error", err.Error()))
	default:
		return nil, err
	}

	if err := c.store.Create(ctx, order); err != nil {
		return nil, err
	}
	if order.ExpectedAmount.Valid {
		c.checkCollision(ctx, order.ID, order.ExpectedAmount.Decimal)
	}
	return order, nil
}

// Reprice assigns expected amounts to awaiting orders created while the rate
// was unavailable. It returns how many orders were priced. An order whose
// currency has no rate is skipped and retried on the next call; pricing
// failures are joined into the returned error.
func (c *Checkout) Reprice(ctx context.Context) (int, error) {
	pending, err := c.store.Unpriced(ctx)
	if err != nil {
		return 0, err
	}
	priced := 0
	var errs []error
	unquoted := make(map[string]struct{})
	for _, order := range pending {
		if _, skip := unquoted[order.FiatCurrency]; skip {
			continue
		}
		expected, rate, err := c.pricer.ExpectedFor(ctx, order.ID, order.FiatTotal, order.FiatCurrency)
		if err != nil {
			if errors.Is(err, amount.ErrRateUnavailable) {
				unquoted[order.FiatCurrency] = struct{}{}
			}
			errs = append(errs, fmt.Errorf("order %d (%s): %w", order.ID, order.FiatCurrency, err))
			c.logger.WarnContext(ctx, "reprice order failed",
				slog.Uint64("order_id", order.ID),
				slog.String("currency", order.FiatCurrency),
				slog.String("error", err.Error()))
			continue
		}
		ok, err := c.store.SetExpectedAmount(ctx, order.ID, expected, rate)
		if err != nil {
			return priced, err
		}
		if !ok {
			continue
		}
		priced++
		c.logger.InfoContext(ctx, "order priced",
			slog.Uint64("order_id", order.ID),
			slog.String("expected_amount", expected.String()))
		c.checkCollision(ctx, order.ID, expected)
	}
	return priced, errors.Join(errs...)
}

func (c *Checkout) checkCollision(ctx context.Context, id uint64, expected decimal.Decimal) {
	pending, err := c.store.AwaitingPayment(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "collision check skipped", slog.String("error", err.Error()))
		return
	}
	amounts := make(map[uint64]decimal.Decimal, len(pending))
	for _, p := range pending {
		if p.Priced() {
			amounts[p.ID] = p.ExpectedAmount.Decimal
		}
	}
	for _, collision := range amount.DetectCollisions(amounts) {
		if !collision.Amount.Equal(expected) {
			continue
		}
		if c.collisions != nil {
			c.collisions.RecordCollision("checkout")
		}
		c.logger.ErrorContext(ctx, "expected amount collision",
			slog.Uint64("order_id", id),
			slog.String("amount", collision.Amount.String()),
			slog.Any("order_ids", collision.OrderIDs),
			slog.String("error", collision.Error()))
	}
}
