package scanstate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultStartHeight is the first block scanned when no state was persisted.
const DefaultStartHeight uint64 = 330000

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("scanstate: store not initialised")

// State is the reconciliation progress shared across cycles.
type State struct {
	LastScannedHeight uint64
	Unconsumed        []decimal.Decimal
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{LastScannedHeight: s.LastScannedHeight}
	if len(s.Unconsumed) > 0 {
		out.Unconsumed = append([]decimal.Decimal(nil), s.Unconsumed...)
	}
	return out
}

func encodeAmounts(values []decimal.Decimal) ([]byte, error) {
	strs := make([]string, 0, len(values))
	for _, v := range values {
		strs = append(strs, v.String())
	}
	return json.Marshal(strs)
}

func decodeAmounts(raw []byte) ([]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err != nil {
		return nil, fmt.Errorf("scanstate: decode amounts: %w", err)
	}
	out := make([]decimal.Decimal, 0, len(strs))
	for _, s := range strs {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("scanstate: decode amount %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}
