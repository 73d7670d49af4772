package es

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

type ProjectionStatus string

const (
	StatusIdle                      ProjectionStatus = "idle"
	StatusRunning                   ProjectionStatus = "running"
	StatusStopping                  ProjectionStatus = "stopping"
	StatusDeleting                  ProjectionStatus = "deleting"
	StatusDeletingInclEmittedEvents ProjectionStatus = "deleting incl emitted events"
	StatusResetting                 ProjectionStatus = "resetting"
)

// IsRequest reports whether s asks a running projector to do something.
func (s ProjectionStatus) IsRequest() bool {
	switch s {
	case StatusStopping, StatusDeleting, StatusDeletingInclEmittedEvents, StatusResetting:
		return true
	}
	return false
}

// Checkpoint is the persisted progress of a projection.
type Checkpoint struct {
	Positions map[string]int64
	State     json.RawMessage
}

// ProjectionRecord is the row shared by every process running a projection.
type ProjectionRecord struct {
	Name        string
	Positions   map[string]int64
	State       json.RawMessage
	Status      ProjectionStatus
	LockedUntil *time.Time
}

func (r ProjectionRecord) Clone() ProjectionRecord {
	r.Positions = maps.Clone(r.Positions)
	if r.State != nil {
		r.State = append(json.RawMessage(nil), r.State...)
	}
	if r.LockedUntil != nil {
		t := *r.LockedUntil
		r.LockedUntil = &t
	}
	return r
}

// Locked reports whether the lease is held at now.
func (r ProjectionRecord) Locked(now time.Time) bool {
	return r.LockedUntil != nil && r.LockedUntil.After(now)
}

// ProjectionStore persists projection records. Every method addressing a
// missing record fails with ErrProjectionNotFound, except CreateProjection
// and ReleaseLock.
type ProjectionStore interface {
	// CreateProjection inserts an empty record unless one exists.
	CreateProjection(ctx context.Context, name string, status ProjectionStatus) error
	GetProjection(ctx context.Context, name string) (ProjectionRecord, error)

	// AcquireLock takes the lease until until and marks the record running,
	// but only if nobody holds an unexpired lease at now.
	AcquireLock(ctx context.Context, name string, now, until time.Time) (bool, error)
	RenewLock(ctx context.Context, name string, until time.Time) error
	// ReleaseLock clears the lease and marks the record idle.
	ReleaseLock(ctx context.Context, name string) error

	// SaveCheckpoint stores progress and extends the lease to until.
	SaveCheckpoint(ctx context.Context, name string, cp Checkpoint, until time.Time) error
	ResetCheckpoint(ctx context.Context, name string, cp Checkpoint, status ProjectionStatus) error

	SetStatus(ctx context.Context, name string, status ProjectionStatus) error
	DeleteProjection(ctx context.Context, name string) error
	ProjectionNames(ctx context.Context) ([]string, error)
}

// ProjectionRunner is the untyped view of a registered projector.
type ProjectionRunner interface {
	Name() string
	Run(ctx context.Context, keepRunning bool) error
	Reset(ctx context.Context) error
	Stop(ctx context.Context) error
	Delete(ctx context.Context, deleteEmittedEvents bool) error
}
