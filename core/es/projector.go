package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

const releaseTimeout = 5 * time.Second

// projection is the engine behind Projector and ReadModelProjector. The
// record in the ProjectionStore is the only coordination point between
// processes: whoever holds an unexpired lease runs the projection.
type projection[S any] struct {
	selection[S]

	name        string
	store       *EventStore
	projections ProjectionStore
	readModel   ReadModel
	opts        projectorOpts
	log         *slog.Logger
	metrics     ESMetrics

	mu        sync.Mutex
	positions map[string]int64
	current   []string
	status    ProjectionStatus
	stopped   bool
	dirty     bool

	lastLockUpdate atomic.Int64
	observed       atomic.Value
}

func newProjection[S any](store *EventStore, name string, rm ReadModel, opts ...ProjectorOption) *projection[S] {
	options := newProjectorOpts(append([]ProjectorOption{WithLog(store.log), WithMetrics(store.metrics)}, opts...)...)
	return &projection[S]{
		name:        name,
		store:       store,
		projections: store.projections,
		readModel:   rm,
		opts:        options,
		log: options.log.With(slog.Group("projection",
			slog.String("name", name),
			slog.String("instance", options.id),
		)),
		metrics:   options.metrics,
		positions: map[string]int64{},
		status:    StatusIdle,
	}
}

func (p *projection[S]) Name() string { return p.name }

func (p *projection[S]) Status() ProjectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// State returns a copy of the current state. The copy is a JSON round
// trip; if it fails the live value is returned.
func (p *projection[S]) State() S {
	p.mu.Lock()
	s := p.state
	p.mu.Unlock()
	out, err := cloneState(s)
	if err != nil {
		return s
	}
	return out
}

// Positions returns the last processed position per stream.
func (p *projection[S]) Positions() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.positions)
}

func (p *projection[S]) setStatus(s ProjectionStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *projection[S]) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// reseed drops positions and state and reinitializes the state.
func (p *projection[S]) reseed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = map[string]int64{}
	var zero S
	p.state = zero
	if p.init != nil {
		p.state = p.init()
	}
	p.dirty = false
}

// Run catches the projection up with its streams. With keepRunning it
// keeps polling until ctx ends or a stop, delete or reset request arrives.
// Failures inside the loop are logged and end the run without an error;
// only configuration and lease errors are returned.
func (p *projection[S]) Run(ctx context.Context, keepRunning bool) error {
	if err := p.validate(); err != nil {
		return err
	}
	ctx = withinProjectionRun(ctx)

	rec, err := p.projections.GetProjection(ctx, p.name)
	switch {
	case errors.Is(err, ErrProjectionNotFound):
	case err != nil:
		return err
	default:
		// requests are left to a live lease holder, which sees them in its loop
		if rec.Status.IsRequest() && rec.Locked(time.Now()) {
			p.metrics.ProjectorLockAcquired(p.name, false)
			return fmt.Errorf("%w: %s", ErrProjectionLocked, p.name)
		}
		switch rec.Status {
		case StatusStopping:
			if err := p.loadCheckpoint(ctx); err != nil {
				return err
			}
			if err := p.Stop(ctx); err != nil {
				return err
			}
			return p.projections.ReleaseLock(ctx, p.name)
		case StatusDeleting:
			return p.Delete(ctx, false)
		case StatusDeletingInclEmittedEvents:
			return p.Delete(ctx, true)
		case StatusResetting:
			if err := p.Reset(ctx); err != nil {
				return err
			}
		}
	}

	if err := p.projections.CreateProjection(ctx, p.name, StatusIdle); err != nil {
		return fmt.Errorf("failed to create projection %s: %w", p.name, err)
	}

	now := time.Now()
	ok, err := p.projections.AcquireLock(ctx, p.name, now, now.Add(p.opts.lockTimeout))
	if err != nil {
		return fmt.Errorf("failed to acquire lock of %s: %w", p.name, err)
	}
	p.metrics.ProjectorLockAcquired(p.name, ok)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectionLocked, p.name)
	}
	p.lastLockUpdate.Store(now.UnixNano())
	p.setStatus(StatusRunning)
	p.observed.Store(StatusRunning)

	defer p.release(ctx)

	if err := p.preparePositions(ctx); err != nil {
		p.log.ErrorContext(ctx, "failed to prepare stream positions", slog.Any("error", err))
		return nil
	}
	if err := p.loadCheckpoint(ctx); err != nil {
		p.log.ErrorContext(ctx, "failed to load checkpoint", slog.Any("error", err))
		return nil
	}
	if p.readModel != nil {
		if err := p.initReadModel(ctx); err != nil {
			p.log.ErrorContext(ctx, "failed to initialise read model", slog.Any("error", err))
			return nil
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watch(watchCtx)
	}()
	defer func() {
		stopWatch()
		wg.Wait()
	}()

	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()

	p.log.DebugContext(ctx, "running", slog.Bool("keep_running", keepRunning))
	for {
		if err := p.round(ctx, keepRunning); err != nil {
			p.logLoopError(ctx, "projection round failed", err)
			return nil
		}
		if err := p.reactToRemoteStatus(ctx, keepRunning); err != nil {
			p.logLoopError(ctx, "failed to react to projection status", err)
			return nil
		}
		if err := p.preparePositions(ctx); err != nil {
			p.logLoopError(ctx, "failed to prepare stream positions", err)
			return nil
		}
		if !keepRunning || p.isStopped() || ctx.Err() != nil {
			return nil
		}
	}
}

func (p *projection[S]) logLoopError(ctx context.Context, msg string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.log.DebugContext(ctx, msg, slog.Any("error", err))
		return
	}
	p.log.ErrorContext(ctx, msg, slog.Any("error", err))
}

func (p *projection[S]) initReadModel(ctx context.Context) error {
	ok, err := p.readModel.IsInitialized(ctx)
	if err != nil || ok {
		return err
	}
	return p.readModel.Init(ctx)
}

// release persists unsaved progress, then clears the lease. It runs on
// every exit path of Run, with a context that survives cancellation.
func (p *projection[S]) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	p.mu.Lock()
	dirty := p.dirty
	p.mu.Unlock()
	if dirty {
		if err := p.persist(ctx); err != nil && !errors.Is(err, ErrProjectionNotFound) {
			p.log.ErrorContext(ctx, "failed to persist on release", slog.Any("error", err))
		}
	}

	if err := p.projections.ReleaseLock(ctx, p.name); err != nil {
		p.log.ErrorContext(ctx, "failed to release lock", slog.Any("error", err))
	}
	p.setStatus(StatusIdle)
}

// round loads every selected stream once from the last position on.
func (p *projection[S]) round(ctx context.Context, keepRunning bool) error {
	processed, inBlock := 0, 0
	defer func() { p.metrics.ProjectorEventsProcessed(p.name, processed) }()

	for ev, err := range p.store.MergeAndLoad(ctx, p.loadParameters()...) {
		if err != nil {
			return err
		}
		if err := p.handle(ctx, ev); err != nil {
			return err
		}
		processed++
		inBlock++

		if inBlock >= p.opts.persistBlockSize {
			inBlock = 0
			if err := p.persist(ctx); err != nil {
				return err
			}
			if p.interrupted(ctx) {
				p.log.DebugContext(ctx, "interrupted after block", slog.Int("processed", processed))
				break
			}
		}
	}

	if processed > 0 {
		err := p.persist(ctx)
		if errors.Is(err, ErrProjectionNotFound) && p.isStopped() {
			// deleted during the round
			return nil
		}
		return err
	}
	if keepRunning {
		t := time.NewTimer(p.opts.idleSleep)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return p.updateLock(ctx)
}

func (p *projection[S]) handle(ctx context.Context, ev Event) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	next, err := p.fold(ctx, state, ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.state = next
	p.positions[ev.Stream()] = ev.Position()
	p.dirty = true
	p.mu.Unlock()
	return nil
}

// interrupted reports whether the projection was stopped locally, the
// watcher saw a lifecycle request or ctx ended.
func (p *projection[S]) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil || p.isStopped() {
		return true
	}
	s, _ := p.observed.Load().(ProjectionStatus)
	return s.IsRequest()
}

func (p *projection[S]) loadParameters() []LoadStreamParameter {
	p.mu.Lock()
	defer p.mu.Unlock()
	params := make([]LoadStreamParameter, 0, len(p.current))
	for _, name := range p.current {
		params = append(params, LoadStreamParameter{
			StreamName: name,
			FromNumber: p.positions[name] + 1,
			Matcher:    p.matcherFor(name),
		})
	}
	return params
}

// preparePositions resolves the selected streams and starts unknown ones at 0.
func (p *projection[S]) preparePositions(ctx context.Context) error {
	names, err := p.streamNames(ctx, p.store)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = names
	for _, n := range names {
		if _, ok := p.positions[n]; !ok {
			p.positions[n] = 0
		}
	}
	return nil
}

// loadCheckpoint merges the persisted record into the working copies.
// Persisted positions win; persisted state is decoded over a fresh seed.
func (p *projection[S]) loadCheckpoint(ctx context.Context) error {
	rec, err := p.projections.GetProjection(ctx, p.name)
	if err != nil {
		return err
	}

	var (
		state    S
		hasState = len(rec.State) > 0 && string(rec.State) != "null"
	)
	if hasState {
		state = p.init()
		if err := json.Unmarshal(rec.State, &state); err != nil {
			return fmt.Errorf("failed to decode state of %s: %w", p.name, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	maps.Copy(p.positions, rec.Positions)
	if hasState {
		p.state = state
	}
	return nil
}

func (p *projection[S]) checkpoint() (Checkpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, err := json.Marshal(p.state)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to encode state of %s: %w", p.name, err)
	}
	return Checkpoint{Positions: maps.Clone(p.positions), State: state}, nil
}

// persist flushes the read model, then writes the checkpoint, which also
// extends the lease.
func (p *projection[S]) persist(ctx context.Context) error {
	defer p.metrics.ProjectorPersistDuration(p.name).ObserveDuration()

	if p.readModel != nil {
		if err := p.readModel.Persist(ctx); err != nil {
			return fmt.Errorf("failed to persist read model of %s: %w", p.name, err)
		}
	}

	cp, err := p.checkpoint()
	if err != nil {
		return err
	}
	now := time.Now()
	if err := p.projections.SaveCheckpoint(ctx, p.name, cp, now.Add(p.opts.lockTimeout)); err != nil {
		return err
	}
	p.lastLockUpdate.Store(now.UnixNano())

	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	return nil
}

// updateLock extends the lease unless the last renewal is younger than
// the update threshold.
func (p *projection[S]) updateLock(ctx context.Context) error {
	now := time.Now()
	if last := p.lastLockUpdate.Load(); last != 0 && now.Sub(time.Unix(0, last)) < p.opts.updateLockThreshold {
		return nil
	}
	if err := p.projections.RenewLock(ctx, p.name, now.Add(p.opts.lockTimeout)); err != nil {
		return err
	}
	p.lastLockUpdate.Store(now.UnixNano())
	return nil
}

// watch renews the lease and samples the remote status every half lock
// timeout while a run is in progress.
func (p *projection[S]) watch(ctx context.Context) {
	t := time.NewTicker(p.opts.lockTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if err := p.updateLock(ctx); err != nil && ctx.Err() == nil {
			p.log.WarnContext(ctx, "failed to renew lock", slog.Any("error", err))
		}
		rec, err := p.projections.GetProjection(ctx, p.name)
		if err != nil {
			if ctx.Err() == nil {
				p.log.WarnContext(ctx, "failed to fetch projection status", slog.Any("error", err))
			}
			continue
		}
		p.observed.Store(rec.Status)
	}
}

func (p *projection[S]) reactToRemoteStatus(ctx context.Context, keepRunning bool) error {
	rec, err := p.projections.GetProjection(ctx, p.name)
	if err != nil {
		return err
	}

	switch rec.Status {
	case StatusStopping:
		err = p.Stop(ctx)
	case StatusDeleting:
		err = p.Delete(ctx, false)
	case StatusDeletingInclEmittedEvents:
		err = p.Delete(ctx, true)
	case StatusResetting:
		if err = p.Reset(ctx); err == nil && keepRunning {
			err = p.startAgain(ctx)
		}
	}
	p.observed.Store(StatusRunning)
	return err
}

func (p *projection[S]) startAgain(ctx context.Context) error {
	if err := p.projections.SetStatus(ctx, p.name, StatusRunning); err != nil {
		return err
	}
	if err := p.projections.RenewLock(ctx, p.name, time.Now().Add(p.opts.lockTimeout)); err != nil {
		return err
	}
	p.lastLockUpdate.Store(time.Now().UnixNano())
	p.mu.Lock()
	p.stopped = false
	p.status = StatusRunning
	p.mu.Unlock()
	return nil
}

// Emit appends ev to the stream named after the projection.
func (p *projection[S]) Emit(ctx context.Context, ev Event) error {
	return p.LinkTo(ctx, p.name, ev)
}

// LinkTo appends ev to stream, creating the stream on first use.
func (p *projection[S]) LinkTo(ctx context.Context, stream string, ev Event) error {
	if err := p.store.ensureStream(ctx, stream); err != nil {
		return err
	}
	return p.store.AppendTo(ctx, stream, []Event{ev})
}

// Reset clears progress and state, persists the cleared checkpoint as idle
// and drops the emitted stream.
func (p *projection[S]) Reset(ctx context.Context) error {
	p.reseed()

	if p.readModel != nil {
		if err := p.readModel.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset read model of %s: %w", p.name, err)
		}
	}

	cp, err := p.checkpoint()
	if err != nil {
		return err
	}
	if err := p.projections.ResetCheckpoint(ctx, p.name, cp, StatusIdle); err != nil && !errors.Is(err, ErrProjectionNotFound) {
		return fmt.Errorf("failed to reset %s: %w", p.name, err)
	}
	p.setStatus(StatusIdle)

	p.deleteEmitted(ctx)
	p.log.InfoContext(ctx, "reset")
	return nil
}

// Delete removes the projection record. With deleteEmittedEvents the
// emitted stream and the read model are removed too.
func (p *projection[S]) Delete(ctx context.Context, deleteEmittedEvents bool) error {
	if err := p.projections.DeleteProjection(ctx, p.name); err != nil {
		return err
	}

	if deleteEmittedEvents {
		p.deleteEmitted(ctx)
		if p.readModel != nil {
			if err := p.readModel.Delete(ctx); err != nil {
				return fmt.Errorf("failed to delete read model of %s: %w", p.name, err)
			}
		}
	}

	p.reseed()
	p.mu.Lock()
	p.stopped = true
	p.status = StatusIdle
	p.mu.Unlock()

	p.log.InfoContext(ctx, "deleted", slog.Bool("emitted_events", deleteEmittedEvents))
	return nil
}

func (p *projection[S]) deleteEmitted(ctx context.Context) {
	err := p.store.DeleteStream(ctx, p.name)
	switch {
	case err == nil:
	case errors.Is(err, ErrStreamNotFound):
		p.log.DebugContext(ctx, "no emitted stream to delete")
	default:
		p.log.WarnContext(ctx, "failed to delete emitted stream", slog.Any("error", err))
	}
}

// Stop persists progress, ends a running loop after the current round and
// marks the projection idle.
func (p *projection[S]) Stop(ctx context.Context) error {
	if err := p.persist(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if err := p.store.manager.IdleProjection(ctx, p.name); err != nil {
		return err
	}
	p.setStatus(StatusIdle)
	return nil
}

// Projector folds streams into in-memory state and checkpoints it in the
// ProjectionStore.
type Projector[S any] struct {
	*projection[S]
}

// ReadModelProjector is a Projector whose handlers stage writes on a
// ReadModel. Staged writes are flushed right before each checkpoint.
type ReadModelProjector[S any] struct {
	*projection[S]
}

func (p ReadModelProjector[S]) ReadModel() ReadModel { return p.readModel }

var (
	_ ProjectionRunner = Projector[struct{}]{}
	_ ProjectionRunner = ReadModelProjector[struct{}]{}
)
