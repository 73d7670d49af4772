package es

import (
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	valueOption[T any] struct{ v T }

	LogOption                 valueOption[*slog.Logger]
	MetricsOption             valueOption[ESMetrics]
	RegistryOption            valueOption[*Registry]
	WriteLockOption           valueOption[WriteLockStrategy]
	LockTimeoutOption         valueOption[time.Duration]
	PersistBlockSizeOption    valueOption[int]
	UpdateLockThresholdOption valueOption[time.Duration]
	IdleSleepOption           valueOption[time.Duration]
	MiddlewareOption          struct{ mw []Middleware }
	ProjectorOptsOption       struct{ opts []ProjectorOption }
)

type (
	StoreOption       interface{ applyToStoreOpts(*storeOpts) }
	ProjectorOption   interface{ applyToProjectorOpts(*projectorOpts) }
	PersistenceOption interface{ applyToPersistenceOpts(*persistenceOpts) }
)

func WithLog(l *slog.Logger) LogOption                 { return LogOption{v: l} }
func WithMetrics(m ESMetrics) MetricsOption            { return MetricsOption{v: m} }
func WithRegistry(r *Registry) RegistryOption          { return RegistryOption{v: r} }
func WithWriteLock(l WriteLockStrategy) WriteLockOption { return WriteLockOption{v: l} }
func WithMiddleware(mw ...Middleware) MiddlewareOption { return MiddlewareOption{mw: mw} }

// WithProjectorOptions applies opts to every projector built by the store.
func WithProjectorOptions(opts ...ProjectorOption) ProjectorOptsOption {
	return ProjectorOptsOption{opts: opts}
}

func WithLockTimeout(d time.Duration) LockTimeoutOption { return LockTimeoutOption{v: d} }
func WithPersistBlockSize(n int) PersistBlockSizeOption { return PersistBlockSizeOption{v: n} }
func WithIdleSleep(d time.Duration) IdleSleepOption     { return IdleSleepOption{v: d} }

// WithUpdateLockThreshold skips lease renewals that happen sooner than d
// after the previous one.
func WithUpdateLockThreshold(d time.Duration) UpdateLockThresholdOption {
	return UpdateLockThresholdOption{v: d}
}

// === store ===

type storeOpts struct {
	log           *slog.Logger
	metrics       ESMetrics
	middleware    []Middleware
	registry      *Registry
	projectorOpts []ProjectorOption
}

func (o LogOption) applyToStoreOpts(s *storeOpts)           { s.log = o.v }
func (o MetricsOption) applyToStoreOpts(s *storeOpts)       { s.metrics = o.v }
func (o RegistryOption) applyToStoreOpts(s *storeOpts)      { s.registry = o.v }
func (o MiddlewareOption) applyToStoreOpts(s *storeOpts)    { s.middleware = append(s.middleware, o.mw...) }
func (o ProjectorOptsOption) applyToStoreOpts(s *storeOpts) { s.projectorOpts = append(s.projectorOpts, o.opts...) }

func newStoreOpts(opts ...StoreOption) storeOpts {
	options := storeOpts{
		log:      slog.Default().With(slog.String("component", "event_store")),
		metrics:  NopESMetrics(),
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt.applyToStoreOpts(&options)
	}
	return options
}

// === projector ===

type projectorOpts struct {
	id                  string
	log                 *slog.Logger
	metrics             ESMetrics
	lockTimeout         time.Duration
	persistBlockSize    int
	updateLockThreshold time.Duration
	idleSleep           time.Duration
}

func (o LogOption) applyToProjectorOpts(p *projectorOpts)         { p.log = o.v }
func (o MetricsOption) applyToProjectorOpts(p *projectorOpts)     { p.metrics = o.v }
func (o LockTimeoutOption) applyToProjectorOpts(p *projectorOpts) { p.lockTimeout = o.v }
func (o PersistBlockSizeOption) applyToProjectorOpts(p *projectorOpts) {
	if o.v > 0 {
		p.persistBlockSize = o.v
	}
}
func (o UpdateLockThresholdOption) applyToProjectorOpts(p *projectorOpts) {
	p.updateLockThreshold = o.v
}
func (o IdleSleepOption) applyToProjectorOpts(p *projectorOpts) { p.idleSleep = o.v }
func (o ProjectorOptsOption) applyToProjectorOpts(p *projectorOpts) {
	for _, opt := range o.opts {
		opt.applyToProjectorOpts(p)
	}
}

func newProjectorOpts(opts ...ProjectorOption) projectorOpts {
	options := projectorOpts{
		id:               gonanoid.Must(6),
		log:              slog.Default(),
		metrics:          NopESMetrics(),
		lockTimeout:      time.Second,
		persistBlockSize: 1000,
		idleSleep:        100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt.applyToProjectorOpts(&options)
	}
	if options.lockTimeout <= 0 {
		options.lockTimeout = time.Second
	}
	return options
}

// === persistence ===

type persistenceOpts struct {
	log       *slog.Logger
	writeLock WriteLockStrategy
}

func (o LogOption) applyToPersistenceOpts(p *persistenceOpts)       { p.log = o.v }
func (o WriteLockOption) applyToPersistenceOpts(p *persistenceOpts) { p.writeLock = o.v }

func newPersistenceOpts(opts ...PersistenceOption) persistenceOpts {
	options := persistenceOpts{
		log:       slog.Default().With(slog.String("component", "persistence"), slog.String("driver", "memory")),
		writeLock: NewLocalWriteLock(),
	}
	for _, opt := range opts {
		opt.applyToPersistenceOpts(&options)
	}
	return options
}
