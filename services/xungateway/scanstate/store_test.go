package scanstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type store interface {
	Load(context.Context) (State, error)
	Save(context.Context, State) error
	Reset(context.Context, uint64) error
}

func openStores(t *testing.T, start uint64) map[string]store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "scan.db"), start)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlStore, err := NewSQLStore(db, start)
	require.NoError(t, err)

	return map[string]store{"bolt": bolt, "sql": sqlStore}
}

func TestLoadDefaultsToStartHeight(t *testing.T) {
	for name, s := range openStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			state, err := s.Load(context.Background())
			require.NoError(t, err)
			require.Equal(t, DefaultStartHeight, state.LastScannedHeight)
			require.Empty(t, state.Unconsumed)
		})
	}
}

func TestSaveReplacesHeightAndAmounts(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t, 1000) {
		t.Run(name, func(t *testing.T) {
			first := State{LastScannedHeight: 1005, Unconsumed: []decimal.Decimal{
				decimal.RequireFromString("7"),
				decimal.RequireFromString("12.50042"),
				decimal.RequireFromString("7"),
			}}
			require.NoError(t, s.Save(ctx, first))

			loaded, err := s.Load(ctx)
			require.NoError(t, err)
			require.EqualValues(t, 1005, loaded.LastScannedHeight)
			require.Len(t, loaded.Unconsumed, 3)
			require.Equal(t, "12.50042", loaded.Unconsumed[1].String())

			require.NoError(t, s.Save(ctx, State{LastScannedHeight: 1010}))
			loaded, err = s.Load(ctx)
			require.NoError(t, err)
			require.EqualValues(t, 1010, loaded.LastScannedHeight)
			require.Empty(t, loaded.Unconsumed)

			require.NoError(t, s.Reset(ctx, 0))
			loaded, err = s.Load(ctx)
			require.NoError(t, err)
			require.EqualValues(t, 1000, loaded.LastScannedHeight)
		})
	}
}

func TestBoltStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scan.db")
	s, err := NewBoltStore(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, State{LastScannedHeight: 400000, Unconsumed: []decimal.Decimal{decimal.NewFromInt(3)}}))
	require.NoError(t, s.Close())

	reopened, err := NewBoltStore(path, 0)
	require.NoError(t, err)
	defer reopened.Close()
	state, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 400000, state.LastScannedHeight)
	require.Len(t, state.Unconsumed, 1)
}
