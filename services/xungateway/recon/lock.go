package recon

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Locker guards a reconciliation cycle. TryLock never blocks: ok is false when
// another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLocker is an in-process single-flight lock.
type LocalLocker struct {
	mu sync.Mutex
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// PostgresLocker takes a session-level advisory lock so that only one replica
// reconciles at a time. The lock lives on a dedicated pooled connection that
// is returned on release.
type PostgresLocker struct {
	db  *gorm.DB
	key int64
}

// NewPostgresLocker builds a locker around the advisory lock key.
func NewPostgresLocker(db *gorm.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

// TryLock implements Locker.
func (l *PostgresLocker) TryLock(ctx context.Context) (func(), bool, error) {
	if l == nil || l.db == nil {
		return nil, false, fmt.Errorf("recon: advisory locker not configured")
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, false, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("recon: advisory lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("recon: advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return func() { l.release(conn) }, true, nil
}

func (l *PostgresLocker) release(conn *sql.Conn) {
	_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.key)
	_ = conn.Close()
}
