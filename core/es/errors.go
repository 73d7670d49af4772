package es

import "errors"

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrEmptyAggregateID    = errors.New("aggregate id is empty")
	ErrConcurrency         = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrStreamAlreadyExists = errors.New("stream already exists")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrProjectionNotFound  = errors.New("projection not found")
	ErrProjectionLocked    = errors.New("projection is locked by another runner")
	ErrInvalidMatcher      = errors.New("invalid metadata matcher")

	// ErrProjector is returned for misuse of a projector, read model projector
	// or query: configuring something twice, combining exclusive setters, or
	// running without handlers or initial state.
	ErrProjector = errors.New("projector misconfigured")
)
