package es

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fjogeleit/event-store/core/perkey"
)

type MiddlewareAction string

const (
	PreAppend     MiddlewareAction = "PRE_APPEND"
	Appended      MiddlewareAction = "APPENDED"
	AppendErrored MiddlewareAction = "APPEND_ERRORED"
	Loaded        MiddlewareAction = "LOADED"
)

// MiddlewareFunc sees every event passing through the store for one action.
// The returned event replaces the input for PreAppend and Loaded.
type MiddlewareFunc func(ctx context.Context, ev Event, action MiddlewareAction, store *EventStore) (Event, error)

type Middleware struct {
	Action MiddlewareAction
	Handle MiddlewareFunc
}

// NewLoggerMiddleware logs appends and loads at debug level.
func NewLoggerMiddleware(log *slog.Logger) []Middleware {
	handle := func(ctx context.Context, ev Event, action MiddlewareAction, _ *EventStore) (Event, error) {
		log.DebugContext(ctx, "event", slog.String("action", string(action)), slog.Any("event", ev))
		return ev, nil
	}
	return []Middleware{
		{Action: PreAppend, Handle: handle},
		{Action: Appended, Handle: handle},
		{Action: Loaded, Handle: handle},
	}
}

type projectionRunKey struct{}

func withinProjectionRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, projectionRunKey{}, true)
}

func inProjectionRun(ctx context.Context) bool {
	v, _ := ctx.Value(projectionRunKey{}).(bool)
	return v
}

// NewProjectionMiddleware runs every registered projection once after each
// append. Runs of one projection never overlap; a run that is still queued
// absorbs later triggers. Appends issued from inside a projection (Emit,
// LinkTo) do not trigger runs.
func NewProjectionMiddleware(log *slog.Logger) Middleware {
	pm := &projectionMiddleware{
		log:   log,
		sched: perkey.New[string](),
	}
	return Middleware{Action: Appended, Handle: pm.handle}
}

type projectionMiddleware struct {
	log     *slog.Logger
	sched   *perkey.Scheduler[string]
	pending sync.Map
}

func (m *projectionMiddleware) queued(name string) *atomic.Bool {
	v, _ := m.pending.LoadOrStore(name, &atomic.Bool{})
	return v.(*atomic.Bool)
}

func (m *projectionMiddleware) handle(ctx context.Context, ev Event, _ MiddlewareAction, store *EventStore) (Event, error) {
	if inProjectionRun(ctx) {
		return ev, nil
	}

	var g errgroup.Group
	for _, name := range store.ProjectionNames() {
		flag := m.queued(name)
		if !flag.CompareAndSwap(false, true) {
			continue
		}
		g.Go(func() error {
			err := m.sched.DoContext(ctx, name, func() error {
				flag.Store(false)
				runner, err := store.Projection(name)
				if err != nil {
					return err
				}
				return runner.Run(ctx, false)
			})
			switch {
			case err == nil:
			case errors.Is(err, ErrProjectionLocked):
				m.log.DebugContext(ctx, "projection busy", slog.String("projection", name))
			default:
				flag.Store(false)
				m.log.ErrorContext(ctx, "projection run failed", slog.String("projection", name), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return ev, nil
}
