package amount

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Multiset tracks observed amounts with their multiplicity. Equal values with
// different scales (7 and 7.000000) are the same member.
type Multiset struct {
	counts map[string]int
	values map[string]decimal.Decimal
	size   int
}

// NewMultiset builds a multiset holding the supplied amounts.
func NewMultiset(values ...decimal.Decimal) *Multiset {
	m := &Multiset{
		counts: make(map[string]int),
		values: make(map[string]decimal.Decimal),
	}
	for _, v := range values {
		m.Add(v)
	}
	return m
}

// Add records one occurrence of value.
func (m *Multiset) Add(value decimal.Decimal) {
	key := canonical(value)
	if _, ok := m.values[key]; !ok {
		m.values[key] = value
	}
	m.counts[key]++
	m.size++
}

// Contains reports whether at least one occurrence of value is present.
func (m *Multiset) Contains(value decimal.Decimal) bool {
	return m.counts[canonical(value)] > 0
}

// Count returns the multiplicity of value.
func (m *Multiset) Count(value decimal.Decimal) int {
	return m.counts[canonical(value)]
}

// Remove drops a single occurrence of value and reports whether one existed.
func (m *Multiset) Remove(value decimal.Decimal) bool {
	key := canonical(value)
	n := m.counts[key]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(m.counts, key)
		delete(m.values, key)
	} else {
		m.counts[key] = n - 1
	}
	m.size--
	return true
}

// Len is the total number of occurrences.
func (m *Multiset) Len() int {
	return m.size
}

// Values expands the multiset into an ascending slice.
func (m *Multiset) Values() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, m.size)
	for key, n := range m.counts {
		for i := 0; i < n; i++ {
			out = append(out, m.values[key])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}
