package amount

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixedRate struct {
	rate     decimal.Decimal
	err      error
	currency string
}

func (f *fixedRate) Rate(_ context.Context, currency string) (decimal.Decimal, error) {
	f.currency = currency
	return f.rate, f.err
}

func TestExpectedRoundsHalfUpAndAddsOrderOffset(t *testing.T) {
	cases := []struct {
		name  string
		id    uint64
		total string
		rate  string
		want  string
	}{
		{name: "exact", id: 42, total: "100", rate: "0.5", want: "200.00042"},
		{name: "half rounds up", id: 1, total: "2.5", rate: "1", want: "3.00001"},
		{name: "below half rounds down", id: 7, total: "10", rate: "4.1", want: "2.00007"},
		{name: "large id", id: 123456, total: "1", rate: "1", want: "2.23456"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Expected(tc.id, decimal.RequireFromString(tc.total), decimal.RequireFromString(tc.rate))
			require.NoError(t, err)
			require.True(t, got.Equal(decimal.RequireFromString(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func TestExpectedRejectsMissingRate(t *testing.T) {
	_, err := Expected(1, decimal.NewFromInt(10), decimal.Zero)
	require.ErrorIs(t, err, ErrRateUnavailable)

	_, err = Expected(1, decimal.NewFromInt(10), decimal.NewFromInt(-1))
	require.ErrorIs(t, err, ErrRateUnavailable)
}

func TestCodecWrapsRateSourceFailures(t *testing.T) {
	src := &fixedRate{err: errors.New("boom")}
	codec := NewCodec(src)
	_, _, err := codec.ExpectedFor(context.Background(), 5, decimal.NewFromInt(10), " usd ")
	require.ErrorIs(t, err, ErrRateUnavailable)
	require.Equal(t, "USD", src.currency)

	src.err = nil
	src.rate = decimal.RequireFromString("0.02")
	got, rate, err := codec.ExpectedFor(context.Background(), 5, decimal.NewFromInt(10), "usd")
	require.NoError(t, err)
	require.True(t, rate.Equal(src.rate))
	require.Equal(t, "500.00005", got.String())
}

func TestExpectedAmountsDistinctAcrossOrderRange(t *testing.T) {
	total := decimal.RequireFromString("49.99")
	rate := decimal.RequireFromString("0.0123")
	seen := make(map[uint64]decimal.Decimal, 5000)
	for id := uint64(1); id <= 5000; id++ {
		got, err := Expected(id, total, rate)
		require.NoError(t, err)
		seen[id] = got
	}
	require.Empty(t, DetectCollisions(seen))
}

func TestDetectCollisionsFlagsSharedAmounts(t *testing.T) {
	// Order 100001 with base 5 and order 1 with base 6 land on 6.00001.
	a, err := Expected(100001, decimal.NewFromInt(5), decimal.NewFromInt(1))
	require.NoError(t, err)
	b, err := Expected(1, decimal.NewFromInt(6), decimal.NewFromInt(1))
	require.NoError(t, err)
	c, err := Expected(2, decimal.NewFromInt(6), decimal.NewFromInt(1))
	require.NoError(t, err)

	collisions := DetectCollisions(map[uint64]decimal.Decimal{100001: a, 1: b, 2: c})
	require.Len(t, collisions, 1)
	require.Equal(t, []uint64{1, 100001}, collisions[0].OrderIDs)
	require.Equal(t, "6.00001", collisions[0].Amount.String())
	require.ErrorIs(t, collisions[0], ErrAmountCollision)
}

func TestMicroConversion(t *testing.T) {
	require.Equal(t, "12.5", FromMicro(12_500_000).String())

	micro, err := ToMicro(decimal.RequireFromString("1.00042"))
	require.NoError(t, err)
	require.EqualValues(t, 1_000_420, micro)

	_, err = ToMicro(decimal.RequireFromString("0.0000001"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ToMicro(decimal.RequireFromString("-1"))
	require.ErrorIs(t, err, ErrInvalidAmount)
}
