package scanstate

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var (
	bucketScan    = []byte("scan")
	keyHeight     = []byte("height")
	keyUnconsumed = []byte("unconsumed")
)

// BoltStore persists scan state in a local bbolt file. bbolt holds an
// exclusive file lock, so only one process can own a state file.
type BoltStore struct {
	db          *bbolt.DB
	startHeight uint64
}

// NewBoltStore opens or creates the state file at path.
func NewBoltStore(path string, startHeight uint64) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("scanstate: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketScan)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if startHeight == 0 {
		startHeight = DefaultStartHeight
	}
	return &BoltStore{db: db, startHeight: startHeight}, nil
}

// Close releases the underlying database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the persisted state or the initial state when none exists.
func (s *BoltStore) Load(ctx context.Context) (State, error) {
	if s == nil || s.db == nil {
		return State{}, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	state := State{LastScannedHeight: s.startHeight}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketScan)
		if raw := bucket.Get(keyHeight); len(raw) == 8 {
			state.LastScannedHeight = binary.BigEndian.Uint64(raw)
		}
		amounts, err := decodeAmounts(bucket.Get(keyUnconsumed))
		if err != nil {
			return err
		}
		state.Unconsumed = amounts
		return nil
	})
	if err != nil {
		return State{}, err
	}
	return state, nil
}

// Save writes height and amounts in a single transaction.
func (s *BoltStore) Save(ctx context.Context, state State) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeAmounts(state.Unconsumed)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketScan)
		var height [8]byte
		binary.BigEndian.PutUint64(height[:], state.LastScannedHeight)
		if err := bucket.Put(keyHeight, height[:]); err != nil {
			return err
		}
		return bucket.Put(keyUnconsumed, encoded)
	})
}

// Reset sets the scan height and discards every unconsumed amount.
func (s *BoltStore) Reset(ctx context.Context, height uint64) error {
	if height == 0 {
		height = s.startHeight
	}
	return s.Save(ctx, State{LastScannedHeight: height})
}
