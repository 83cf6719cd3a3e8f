package amount

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMultisetRemovesOneOccurrence(t *testing.T) {
	set := NewMultiset(dec("7"), dec("12.5"), dec("7.000000"))
	require.Equal(t, 3, set.Len())
	require.Equal(t, 2, set.Count(dec("7.0")))

	require.True(t, set.Remove(dec("7")))
	require.True(t, set.Contains(dec("7")))
	require.Equal(t, 2, set.Len())

	require.True(t, set.Remove(dec("7")))
	require.False(t, set.Contains(dec("7")))
	require.False(t, set.Remove(dec("7")))

	values := set.Values()
	require.Len(t, values, 1)
	require.True(t, values[0].Equal(dec("12.5")))
}

func TestMultisetValuesAreSorted(t *testing.T) {
	set := NewMultiset(dec("3"), dec("1"), dec("2"), dec("1"))
	got := set.Values()
	want := []string{"1", "1", "2", "3"}
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, got[i].Equal(dec(want[i])), "index %d: %s", i, got[i])
	}
}
