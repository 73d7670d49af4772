package es

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/fjogeleit/event-store/ports/kv"
)

// WriteLockStrategy serializes appends per stream across writers.
type WriteLockStrategy interface {
	// CreateLock tries to take the named lock without blocking.
	CreateLock(ctx context.Context, name string) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// WriteLockName is the lock name guarding appends to stream.
func WriteLockName(stream string) string { return stream + "_write_lock" }

const (
	writeLockMinBackoff = 2 * time.Millisecond
	writeLockMaxBackoff = 100 * time.Millisecond
)

// AcquireWriteLock polls l until the lock is taken or ctx ends.
func AcquireWriteLock(ctx context.Context, l WriteLockStrategy, name string) error {
	backoff := writeLockMinBackoff
	for {
		ok, err := l.CreateLock(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, writeLockMaxBackoff)
	}
}

// LocalWriteLock is a process-local WriteLockStrategy.
type LocalWriteLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalWriteLock() *LocalWriteLock {
	return &LocalWriteLock{held: map[string]struct{}{}}
}

func (l *LocalWriteLock) CreateLock(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return false, nil
	}
	l.held[name] = struct{}{}
	return true, nil
}

func (l *LocalWriteLock) ReleaseLock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

// NoWriteLock always grants the lock. Use it when the backend already
// serializes appends, e.g. inside a transaction holding a table lock.
type NoWriteLock struct{}

func (NoWriteLock) CreateLock(context.Context, string) (bool, error) { return true, nil }
func (NoWriteLock) ReleaseLock(context.Context, string) error        { return nil }

// KVWriteLock keeps locks as keys of a kv.Store, which makes them visible
// to every process sharing the store. A lock left behind by a crashed
// writer stays until the key expires or is removed.
type KVWriteLock struct {
	kv kv.Store
}

func NewKVWriteLock(store kv.Store) *KVWriteLock { return &KVWriteLock{kv: store} }

func kvLockKey(name string) string {
	return "locks." + base64.RawURLEncoding.EncodeToString([]byte(name))
}

func (l *KVWriteLock) CreateLock(ctx context.Context, name string) (bool, error) {
	_, err := l.kv.Create(ctx, kvLockKey(name), []byte(Now().Format(time.RFC3339Nano)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kv.ErrExists):
		return false, nil
	}
	return false, err
}

func (l *KVWriteLock) ReleaseLock(ctx context.Context, name string) error {
	return l.kv.Delete(ctx, kvLockKey(name))
}

var (
	_ WriteLockStrategy = (*LocalWriteLock)(nil)
	_ WriteLockStrategy = NoWriteLock{}
	_ WriteLockStrategy = (*KVWriteLock)(nil)
)
