package es

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

type InMemoryProjectionStore struct {
	mu      sync.Mutex
	records map[string]*ProjectionRecord
}

func NewInMemoryProjectionStore() *InMemoryProjectionStore {
	return &InMemoryProjectionStore{records: map[string]*ProjectionRecord{}}
}

func (s *InMemoryProjectionStore) get(name string) (*ProjectionRecord, error) {
	r, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return r, nil
}

func (s *InMemoryProjectionStore) CreateProjection(_ context.Context, name string, status ProjectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; ok {
		return nil
	}
	s.records[name] = &ProjectionRecord{Name: name, Positions: map[string]int64{}, Status: status}
	return nil
}

func (s *InMemoryProjectionStore) GetProjection(_ context.Context, name string) (ProjectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return ProjectionRecord{}, err
	}
	return r.Clone(), nil
}

func (s *InMemoryProjectionStore) AcquireLock(_ context.Context, name string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return false, err
	}
	if r.Locked(now) {
		return false, nil
	}
	r.LockedUntil = &until
	r.Status = StatusRunning
	return true, nil
}

func (s *InMemoryProjectionStore) RenewLock(_ context.Context, name string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return err
	}
	r.LockedUntil = &until
	return nil
}

func (s *InMemoryProjectionStore) ReleaseLock(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[name]; ok {
		r.LockedUntil = nil
		r.Status = StatusIdle
	}
	return nil
}

func (s *InMemoryProjectionStore) SaveCheckpoint(_ context.Context, name string, cp Checkpoint, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return err
	}
	r.Positions = maps.Clone(cp.Positions)
	r.State = slices.Clone(cp.State)
	r.LockedUntil = &until
	return nil
}

func (s *InMemoryProjectionStore) ResetCheckpoint(_ context.Context, name string, cp Checkpoint, status ProjectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return err
	}
	r.Positions = maps.Clone(cp.Positions)
	r.State = slices.Clone(cp.State)
	r.Status = status
	return nil
}

func (s *InMemoryProjectionStore) SetStatus(_ context.Context, name string, status ProjectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(name)
	if err != nil {
		return err
	}
	r.Status = status
	return nil
}

func (s *InMemoryProjectionStore) DeleteProjection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(name); err != nil {
		return err
	}
	delete(s.records, name)
	return nil
}

func (s *InMemoryProjectionStore) ProjectionNames(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.records)), nil
}

var _ ProjectionStore = (*InMemoryProjectionStore)(nil)
