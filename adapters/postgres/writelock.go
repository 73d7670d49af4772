package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/fjogeleit/event-store/core/es"
)

// AdvisoryWriteLock is an es.WriteLockStrategy on session level advisory
// locks. Advisory locks are reentrant per session, so every held lock pins
// its own connection and names already held in this process are refused
// without asking postgres.
type AdvisoryWriteLock struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func NewAdvisoryWriteLock(s *Store) (*AdvisoryWriteLock, error) {
	db, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	return &AdvisoryWriteLock{db: db, conns: map[string]*sql.Conn{}}, nil
}

func (l *AdvisoryWriteLock) CreateLock(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	if _, held := l.conns[name]; held {
		l.mu.Unlock()
		return false, nil
	}
	// reserve the name while talking to postgres
	l.conns[name] = nil
	l.mu.Unlock()

	conn, ok, err := l.tryLock(ctx, name)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok {
		delete(l.conns, name)
		return false, err
	}
	l.conns[name] = conn
	return true, nil
}

func (l *AdvisoryWriteLock) tryLock(ctx context.Context, name string) (*sql.Conn, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryKey(name)).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

func (l *AdvisoryWriteLock) ReleaseLock(ctx context.Context, name string) error {
	l.mu.Lock()
	conn := l.conns[name]
	delete(l.conns, name)
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryKey(name)).Scan(&released); err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("advisory lock %s was not held", name)
	}
	return nil
}

var _ es.WriteLockStrategy = (*AdvisoryWriteLock)(nil)
