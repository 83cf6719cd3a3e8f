package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status represents an order's position in the payment workflow.
type Status string

// Order statuses touched by the gateway.
const (
	StatusAwaitingPayment Status = "awaiting-payment"
	StatusPaid            Status = "paid"
	StatusCancelled       Status = "cancelled"
)

// Event actions recorded in the audit trail.
const (
	ActionCreated   = "order.created"
	ActionPriced    = "order.priced"
	ActionPaid      = "order.paid"
	ActionResolved  = "order.resolved"
	ActionCancelled = "order.cancelled"
)

// Order is a store order awaiting or having received a coin payment.
// Amounts are kept as decimal strings so they survive storage exactly.
type Order struct {
	ID             uint64              `gorm:"primaryKey;autoIncrement:false" json:"id"`
	FiatTotal      decimal.Decimal     `gorm:"type:varchar(64);not null" json:"fiat_total"`
	FiatCurrency   string              `gorm:"size:8" json:"fiat_currency"`
	Rate           decimal.NullDecimal `gorm:"type:varchar(64)" json:"rate"`
	ExpectedAmount decimal.NullDecimal `gorm:"type:varchar(64)" json:"expected_amount"`
	PayTo          string              `gorm:"size:128" json:"pay_to"`
	MessageAddress string              `gorm:"size:128" json:"message_address,omitempty"`
	Status         Status              `gorm:"size:32;index" json:"status"`
	PaidAmount     decimal.NullDecimal `gorm:"type:varchar(64)" json:"paid_amount"`
	PaidAt         *time.Time          `json:"paid_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Event is an audit entry for an order state change.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID   uint64    `gorm:"index"`
	Action    string    `gorm:"size:64"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName keeps the audit table distinct from other event tables.
func (Event) TableName() string { return "order_events" }

// PendingOrder is the reconciliation view of an order awaiting payment.
type PendingOrder struct {
	ID             uint64
	ExpectedAmount decimal.NullDecimal
	MessageAddress string
}

// Priced reports whether the order carries a usable expected amount.
func (p PendingOrder) Priced() bool {
	return p.ExpectedAmount.Valid && p.ExpectedAmount.Decimal.IsPositive()
}

// AutoMigrate creates or updates the order tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Order{}, &Event{})
}
