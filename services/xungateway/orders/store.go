package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrOrderNotFound indicates the order identifier is unknown.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrOrderExists is returned when registering an identifier twice.
	ErrOrderExists = errors.New("orders: order already registered")
	// ErrInvalidTransition indicates the order cannot move to the requested status.
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	// ErrInvalidOrder rejects malformed checkout requests.
	ErrInvalidOrder = errors.New("orders: invalid order")
)

// Store persists orders with gorm. Postgres backs production deployments and
// sqlite backs single-node installs.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a store backed by db.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Create inserts a new order and its creation event.
func (s *Store) Create(ctx context.Context, order *Order) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("orders: store not configured")
	}
	if order == nil || order.ID == 0 {
		return fmt.Errorf("orders: order id required")
	}
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Order{}).Where("id = ?", order.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrOrderExists
		}
		if order.Status == "" {
			order.Status = StatusAwaitingPayment
		}
		order.CreatedAt = now
		order.UpdatedAt = now
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		details := fmt.Sprintf("fiat_total=%s currency=%s", order.FiatTotal, order.FiatCurrency)
		if order.ExpectedAmount.Valid {
			details += " expected=" + order.ExpectedAmount.Decimal.String()
		}
		return tx.Create(newEvent(order.ID, ActionCreated, details, now)).Error
	})
}

// Get loads an order by identifier.
func (s *Store) Get(ctx context.Context, id uint64) (*Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("orders: store not configured")
	}
	var order Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// AwaitingPayment lists every order awaiting payment, ordered by identifier.
func (s *Store) AwaitingPayment(ctx context.Context) ([]PendingOrder, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("orders: store not configured")
	}
	var rows []Order
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusAwaitingPayment).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PendingOrder, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingOrder{
			ID:             row.ID,
			ExpectedAmount: row.ExpectedAmount,
			MessageAddress: row.MessageAddress,
		})
	}
	return out, nil
}

// Unpriced lists awaiting orders that still lack an expected amount.
func (s *Store) Unpriced(ctx context.Context) ([]Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("orders: store not configured")
	}
	var rows []Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND (expected_amount IS NULL OR expected_amount = '')", StatusAwaitingPayment).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// MarkPaid moves an awaiting order to paid. Repeating the call on a paid order
// is a no-op reported as transitioned=false.
func (s *Store) MarkPaid(ctx context.Context, id uint64, paid decimal.Decimal) (bool, error) {
	return s.markPaid(ctx, id, paid, ActionPaid)
}

// MarkResolved is MarkPaid for operator-resolved collisions; the audit trail
// records the manual decision.
func (s *Store) MarkResolved(ctx context.Context, id uint64, paid decimal.Decimal) (bool, error) {
	return s.markPaid(ctx, id, paid, ActionResolved)
}

func (s *Store) markPaid(ctx context.Context, id uint64, paid decimal.Decimal, action string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("orders: store not configured")
	}
	transitioned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		switch order.Status {
		case StatusPaid:
			return nil
		case StatusAwaitingPayment:
			// permitted
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, StatusPaid)
		}
		now := s.now().UTC()
		updates := map[string]interface{}{
			"status":      StatusPaid,
			"paid_amount": decimal.NewNullDecimal(paid),
			"paid_at":     now,
			"updated_at":  now,
		}
		if err := tx.Model(&Order{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Create(newEvent(id, action, "amount="+paid.String(), now)).Error; err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// SetExpectedAmount records the expected amount of an order priced after
// creation. Orders already priced or no longer awaiting payment are left alone.
func (s *Store) SetExpectedAmount(ctx context.Context, id uint64, expected, rate decimal.Decimal) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("orders: store not configured")
	}
	updated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		res := tx.Model(&Order{}).
			Where("id = ? AND status = ? AND (expected_amount IS NULL OR expected_amount = '')", id, StatusAwaitingPayment).
			Updates(map[string]interface{}{
				"expected_amount": decimal.NewNullDecimal(expected),
				"rate":            decimal.NewNullDecimal(rate),
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		updated = true
		return tx.Create(newEvent(id, ActionPriced, "expected="+expected.String(), now)).Error
	})
	return updated, err
}

// Cancel moves an awaiting order to cancelled.
func (s *Store) Cancel(ctx context.Context, id uint64, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("orders: store not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.Status != StatusAwaitingPayment {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, StatusCancelled)
		}
		now := s.now().UTC()
		if err := tx.Model(&Order{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     StatusCancelled,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(newEvent(id, ActionCancelled, strings.TrimSpace(reason), now)).Error
	})
}

// Events returns the audit trail of an order, oldest first.
func (s *Store) Events(ctx context.Context, id uint64) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("orders: store not configured")
	}
	var events []Event
	err := s.db.WithContext(ctx).Where("order_id = ?", id).Order("created_at ASC").Find(&events).Error
	return events, err
}

func newEvent(orderID uint64, action, details string, at time.Time) *Event {
	return &Event{
		ID:        uuid.New(),
		OrderID:   orderID,
		Action:    action,
		Details:   details,
		CreatedAt: at,
	}
}
