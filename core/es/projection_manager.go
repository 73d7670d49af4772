package es

import (
	"context"
	"encoding/json"
	"slices"
)

// ProjectionManager inspects projection records and requests lifecycle
// changes. Requests are written as status values; the process running the
// projection acts on them at its next block or round boundary.
type ProjectionManager struct {
	store *EventStore
}

func (m *ProjectionManager) FetchProjectionStatus(ctx context.Context, name string) (ProjectionStatus, error) {
	rec, err := m.store.projections.GetProjection(ctx, name)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (m *ProjectionManager) FetchProjectionState(ctx context.Context, name string) (json.RawMessage, error) {
	rec, err := m.store.projections.GetProjection(ctx, name)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

func (m *ProjectionManager) FetchProjectionStreamPositions(ctx context.Context, name string) (map[string]int64, error) {
	rec, err := m.store.projections.GetProjection(ctx, name)
	if err != nil {
		return nil, err
	}
	return rec.Positions, nil
}

// FetchAllProjectionNames returns registered projections plus those only
// known from stored records, sorted.
func (m *ProjectionManager) FetchAllProjectionNames(ctx context.Context) ([]string, error) {
	stored, err := m.store.projections.ProjectionNames(ctx)
	if err != nil {
		return nil, err
	}
	names := slices.Concat(m.store.ProjectionNames(), stored)
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (m *ProjectionManager) FetchAllStreamNames(ctx context.Context) ([]string, error) {
	return m.store.persistence.StreamNames(ctx)
}

// DeleteProjection requests deletion, optionally including the emitted stream.
func (m *ProjectionManager) DeleteProjection(ctx context.Context, name string, deleteEmittedEvents bool) error {
	status := StatusDeleting
	if deleteEmittedEvents {
		status = StatusDeletingInclEmittedEvents
	}
	return m.store.projections.SetStatus(ctx, name, status)
}

func (m *ProjectionManager) ResetProjection(ctx context.Context, name string) error {
	return m.store.projections.SetStatus(ctx, name, StatusResetting)
}

func (m *ProjectionManager) StopProjection(ctx context.Context, name string) error {
	return m.store.projections.SetStatus(ctx, name, StatusStopping)
}

func (m *ProjectionManager) IdleProjection(ctx context.Context, name string) error {
	return m.store.projections.SetStatus(ctx, name, StatusIdle)
}
