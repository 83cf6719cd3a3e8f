package amount

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// MicroUnitsPerCoin is the daemon's fixed unit scale.
const MicroUnitsPerCoin = 1_000_000

const (
	microDigits = 6
	// orderOffsetDigits places the order identifier in the fractional part of
	// the expected amount: id 42 contributes 0.00042.
	orderOffsetDigits = 5
)

var (
	// ErrRateUnavailable indicates no usable coin/fiat rate could be obtained.
	ErrRateUnavailable = errors.New("amount: exchange rate unavailable")
	// ErrAmountCollision marks two pending orders sharing an expected amount.
	ErrAmountCollision = errors.New("amount: expected amount collision")
	// ErrInvalidAmount is returned for amounts that cannot be expressed in micro-units.
	ErrInvalidAmount = errors.New("amount: invalid amount")
)

var microScale = decimal.NewFromInt(MicroUnitsPerCoin)

// RateSource returns the price of one coin in the supplied fiat currency.
type RateSource interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Expected derives the amount an order must be paid with: the fiat total
// converted at rate and rounded half-up to a whole coin, plus orderID/100000.
func Expected(orderID uint64, fiatTotal, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Decimal{}, ErrRateUnavailable
	}
	if fiatTotal.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative fiat total %s", ErrInvalidAmount, fiatTotal)
	}
	base := fiatTotal.DivRound(rate, 16).Round(0)
	offset := decimal.NewFromBigInt(new(big.Int).SetUint64(orderID), -orderOffsetDigits)
	return base.Add(offset), nil
}

// Codec computes expected amounts using a live rate source.
type Codec struct {
	rates RateSource
}

// NewCodec wraps the supplied rate source.
func NewCodec(rates RateSource) *Codec {
	return &Codec{rates: rates}
}

// ExpectedFor fetches a fresh rate for currency and derives the expected amount.
// Rate failures are reported as ErrRateUnavailable.
func (c *Codec) ExpectedFor(ctx context.Context, orderID uint64, fiatTotal decimal.Decimal, currency string) (decimal.Decimal, decimal.Decimal, error) {
	if c == nil || c.rates == nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("%w: no rate source configured", ErrRateUnavailable)
	}
	rate, err := c.rates.Rate(ctx, strings.ToUpper(strings.TrimSpace(currency)))
	if err != nil {
		if errors.Is(err, ErrRateUnavailable) {
			return decimal.Decimal{}, decimal.Decimal{}, err
		}
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	expected, err := Expected(orderID, fiatTotal, rate)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return expected, rate, nil
}

// FromMicro converts daemon micro-units into coin units.
func FromMicro(micro int64) decimal.Decimal {
	return decimal.New(micro, -microDigits)
}

// ToMicro converts a coin amount into micro-units. Amounts with more than six
// fractional digits or a negative sign are rejected.
func ToMicro(value decimal.Decimal) (int64, error) {
	if value.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, value)
	}
	scaled := value.Mul(microScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, value, microDigits)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, value)
	}
	return scaled.IntPart(), nil
}

// Collision groups the pending orders that share one expected amount.
type Collision struct {
	Amount   decimal.Decimal
	OrderIDs []uint64
}

func (c Collision) Error() string {
	ids := make([]string, 0, len(c.OrderIDs))
	for _, id := range c.OrderIDs {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	return fmt.Sprintf("%s: %s shared by orders %s", ErrAmountCollision, c.Amount, strings.Join(ids, ","))
}

func (c Collision) Unwrap() error { return ErrAmountCollision }

// DetectCollisions returns every amount shared by more than one order, ordered
// by amount. Order identifiers within a group are ascending.
func DetectCollisions(expected map[uint64]decimal.Decimal) []Collision {
	groups := make(map[string][]uint64)
	values := make(map[string]decimal.Decimal)
	for id, amt := range expected {
		key := canonical(amt)
		groups[key] = append(groups[key], id)
		values[key] = amt
	}
	var out []Collision
	for key, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, Collision{Amount: values[key], OrderIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.LessThan(out[j].Amount) })
	return out
}

func canonical(value decimal.Decimal) string {
	return value.StringFixed(microDigits)
}
