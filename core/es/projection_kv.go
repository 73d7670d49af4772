package es

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fjogeleit/event-store/ports/kv"
)

const kvProjectionPrefix = "projections."

// KVProjectionStore keeps projection records in a kv.Store. Every write is
// a compare-and-swap on the entry revision, so concurrent lease
// acquisitions from different processes cannot both succeed.
type KVProjectionStore struct {
	kv kv.Store
}

func NewKVProjectionStore(store kv.Store) *KVProjectionStore {
	return &KVProjectionStore{kv: store}
}

type kvProjectionRecord struct {
	Name        string           `json:"name"`
	Positions   map[string]int64 `json:"positions"`
	State       json.RawMessage  `json:"state,omitempty"`
	Status      ProjectionStatus `json:"status"`
	LockedUntil *time.Time       `json:"locked_until,omitempty"`
}

func kvProjectionKey(name string) string {
	return kvProjectionPrefix + base64.RawURLEncoding.EncodeToString([]byte(name))
}

func (s *KVProjectionStore) modify(ctx context.Context, name string, fn func(r *kvProjectionRecord) error) error {
	err := kv.Modify(ctx, s.kv, kvProjectionKey(name), fn)
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return err
}

func (s *KVProjectionStore) CreateProjection(ctx context.Context, name string, status ProjectionStatus) error {
	data, err := json.Marshal(kvProjectionRecord{Name: name, Positions: map[string]int64{}, Status: status})
	if err != nil {
		return err
	}
	_, err = s.kv.Create(ctx, kvProjectionKey(name), data)
	if errors.Is(err, kv.ErrExists) {
		return nil
	}
	return err
}

func (s *KVProjectionStore) GetProjection(ctx context.Context, name string) (ProjectionRecord, error) {
	r, err := kv.Get[kvProjectionRecord](ctx, s.kv, kvProjectionKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return ProjectionRecord{}, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	if err != nil {
		return ProjectionRecord{}, err
	}
	if r.Positions == nil {
		r.Positions = map[string]int64{}
	}
	return ProjectionRecord(r), nil
}

var errLeaseHeld = errors.New("lease held")

func (s *KVProjectionStore) AcquireLock(ctx context.Context, name string, now, until time.Time) (bool, error) {
	err := s.modify(ctx, name, func(r *kvProjectionRecord) error {
		if ProjectionRecord(*r).Locked(now) {
			return errLeaseHeld
		}
		r.LockedUntil = &until
		r.Status = StatusRunning
		return nil
	})
	if errors.Is(err, errLeaseHeld) {
		return false, nil
	}
	return err == nil, err
}

func (s *KVProjectionStore) RenewLock(ctx context.Context, name string, until time.Time) error {
	return s.modify(ctx, name, func(r *kvProjectionRecord) error {
		r.LockedUntil = &until
		return nil
	})
}

func (s *KVProjectionStore) ReleaseLock(ctx context.Context, name string) error {
	err := s.modify(ctx, name, func(r *kvProjectionRecord) error {
		r.LockedUntil = nil
		r.Status = StatusIdle
		return nil
	})
	if errors.Is(err, ErrProjectionNotFound) {
		return nil
	}
	return err
}

func (s *KVProjectionStore) SaveCheckpoint(ctx context.Context, name string, cp Checkpoint, until time.Time) error {
	return s.modify(ctx, name, func(r *kvProjectionRecord) error {
		r.Positions = cp.Positions
		r.State = cp.State
		r.LockedUntil = &until
		return nil
	})
}

func (s *KVProjectionStore) ResetCheckpoint(ctx context.Context, name string, cp Checkpoint, status ProjectionStatus) error {
	return s.modify(ctx, name, func(r *kvProjectionRecord) error {
		r.Positions = cp.Positions
		r.State = cp.State
		r.Status = status
		return nil
	})
}

func (s *KVProjectionStore) SetStatus(ctx context.Context, name string, status ProjectionStatus) error {
	return s.modify(ctx, name, func(r *kvProjectionRecord) error {
		r.Status = status
		return nil
	})
}

func (s *KVProjectionStore) DeleteProjection(ctx context.Context, name string) error {
	key := kvProjectionKey(name)
	if _, err := s.kv.Get(ctx, key); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
		}
		return err
	}
	return s.kv.Delete(ctx, key)
}

func (s *KVProjectionStore) ProjectionNames(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, kvProjectionPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(k, kvProjectionPrefix))
		if err != nil {
			continue
		}
		names = append(names, string(raw))
	}
	slices.Sort(names)
	return names, nil
}

var _ ProjectionStore = (*KVProjectionStore)(nil)
