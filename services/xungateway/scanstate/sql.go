package scanstate

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const scanRowID = 1

// Record is the single-row table backing SQLStore.
type Record struct {
	ID                uint   `gorm:"primaryKey;autoIncrement:false"`
	LastScannedHeight uint64 `gorm:"not null"`
	Unconsumed        string `gorm:"type:text"`
	UpdatedAt         time.Time
}

// TableName pins the table name.
func (Record) TableName() string { return "scan_states" }

// SQLStore keeps scan state next to the orders so that replicas sharing one
// database see the same progress.
type SQLStore struct {
	db          *gorm.DB
	startHeight uint64
	now         func() time.Time
}

// NewSQLStore migrates the scan state table and returns the store.
func NewSQLStore(db *gorm.DB, startHeight uint64) (*SQLStore, error) {
	if db == nil {
		return nil, ErrStoreClosed
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	if startHeight == 0 {
		startHeight = DefaultStartHeight
	}
	return &SQLStore{db: db, startHeight: startHeight, now: time.Now}, nil
}

// Load returns the persisted state or the initial state when none exists.
func (s *SQLStore) Load(ctx context.Context) (State, error) {
	if s == nil || s.db == nil {
		return State{}, ErrStoreClosed
	}
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", scanRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{LastScannedHeight: s.startHeight}, nil
	}
	if err != nil {
		return State{}, err
	}
	amounts, err := decodeAmounts([]byte(rec.Unconsumed))
	if err != nil {
		return State{}, err
	}
	return State{LastScannedHeight: rec.LastScannedHeight, Unconsumed: amounts}, nil
}

// Save upserts the state row in one statement.
func (s *SQLStore) Save(ctx context.Context, state State) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	encoded, err := encodeAmounts(state.Unconsumed)
	if err != nil {
		return err
	}
	rec := Record{
		ID:                scanRowID,
		LastScannedHeight: state.LastScannedHeight,
		Unconsumed:        string(encoded),
		UpdatedAt:         s.now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_scanned_height", "unconsumed", "updated_at"}),
	}).Create(&rec).Error
}

// Reset sets the scan height and discards every unconsumed amount.
func (s *SQLStore) Reset(ctx context.Context, height uint64) error {
	if height == 0 {
		height = s.startHeight
	}
	return s.Save(ctx, State{LastScannedHeight: height})
}
