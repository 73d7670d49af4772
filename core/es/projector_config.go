package es

import (
	"context"
	"encoding/json"
	"fmt"
)

// Stream selects a stream to project, optionally filtered.
type Stream struct {
	Name    string
	Matcher MetadataMatcher
}

// Handler folds one event into the state and returns the next state.
type Handler[S any] func(ctx context.Context, state S, ev Event) (S, error)

// Handlers maps event names to handlers. Events without a handler are skipped.
type Handlers[S any] map[string]Handler[S]

// Typed adapts a handler for payload type P. The payload is decoded from
// the event before fn is called.
func Typed[P, S any](fn func(ctx context.Context, state S, payload P, ev Event) (S, error)) Handler[S] {
	return func(ctx context.Context, state S, ev Event) (S, error) {
		p, err := DecodePayload[P](ev)
		if err != nil {
			return state, err
		}
		return fn(ctx, state, p, ev)
	}
}

// On registers a typed handler in h under the event name of P.
func On[P, S any](h Handlers[S], fn func(ctx context.Context, state S, payload P, ev Event) (S, error)) Handlers[S] {
	h[NameOf[P]()] = Typed(fn)
	return h
}

// selection is the configuration shared by projectors and queries. Every
// setter may be used once.
type selection[S any] struct {
	init     func() S
	state    S
	fromAll  bool
	streams  []Stream
	handlers Handlers[S]
	any      Handler[S]
}

// Init sets the function seeding the state. States are copied and
// checkpointed through encoding/json, so S must round-trip through it:
// unexported fields are lost on every fold. A seed that cannot be encoded
// is rejected.
func (c *selection[S]) Init(fn func() S) error {
	if c.init != nil {
		return fmt.Errorf("%w: init was already called", ErrProjector)
	}
	if fn == nil {
		return fmt.Errorf("%w: init function is nil", ErrProjector)
	}
	seed := fn()
	if _, err := cloneState(seed); err != nil {
		return fmt.Errorf("%w: state %T does not round-trip through JSON: %w", ErrProjector, seed, err)
	}
	c.init = fn
	c.state = seed
	return nil
}

func (c *selection[S]) hasFrom() bool { return c.fromAll || len(c.streams) > 0 }

func (c *selection[S]) FromAll() error {
	if c.hasFrom() {
		return fmt.Errorf("%w: from was already called", ErrProjector)
	}
	c.fromAll = true
	return nil
}

func (c *selection[S]) FromStream(s Stream) error {
	return c.FromStreams(s)
}

func (c *selection[S]) FromStreams(streams ...Stream) error {
	if c.hasFrom() {
		return fmt.Errorf("%w: from was already called", ErrProjector)
	}
	if len(streams) == 0 {
		return fmt.Errorf("%w: no stream given", ErrProjector)
	}
	for _, s := range streams {
		if s.Name == "" {
			return fmt.Errorf("%w: stream name is empty", ErrProjector)
		}
		if err := s.Matcher.Validate(); err != nil {
			return fmt.Errorf("stream %s: %w", s.Name, err)
		}
	}
	c.streams = append([]Stream(nil), streams...)
	return nil
}

func (c *selection[S]) hasHandler() bool { return c.handlers != nil || c.any != nil }

func (c *selection[S]) When(h Handlers[S]) error {
	if c.hasHandler() {
		return fmt.Errorf("%w: when was already called", ErrProjector)
	}
	c.handlers = Handlers[S]{}
	for name, fn := range h {
		c.handlers[name] = fn
	}
	return nil
}

func (c *selection[S]) WhenAny(h Handler[S]) error {
	if c.hasHandler() {
		return fmt.Errorf("%w: when was already called", ErrProjector)
	}
	if h == nil {
		return fmt.Errorf("%w: handler is nil", ErrProjector)
	}
	c.any = h
	return nil
}

func (c *selection[S]) validate() error {
	if !c.hasHandler() {
		return fmt.Errorf("%w: no handler configured", ErrProjector)
	}
	if c.init == nil {
		return fmt.Errorf("%w: no state initialised", ErrProjector)
	}
	return nil
}

func (c *selection[S]) matcherFor(stream string) MetadataMatcher {
	for _, s := range c.streams {
		if s.Name == stream {
			return s.Matcher
		}
	}
	return nil
}

// streamNames resolves the selection: fromAll asks the store for every
// non-system stream.
func (c *selection[S]) streamNames(ctx context.Context, store *EventStore) ([]string, error) {
	if c.fromAll {
		return store.persistence.StreamNames(ctx)
	}
	names := make([]string, 0, len(c.streams))
	for _, s := range c.streams {
		names = append(names, s.Name)
	}
	return names, nil
}

// fold runs the handler for ev, if any, and returns a detached copy of the
// resulting state.
func (c *selection[S]) fold(ctx context.Context, state S, ev Event) (S, error) {
	h := c.any
	if h == nil {
		h = c.handlers[ev.Name()]
	}
	if h == nil {
		return state, nil
	}
	next, err := h(ctx, state, ev)
	if err != nil {
		return state, fmt.Errorf("handler for %s at %s#%d failed: %w", ev.Name(), ev.Stream(), ev.Position(), err)
	}
	return cloneState(next)
}

func cloneState[S any](s S) (S, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("failed to copy state: %w", err)
	}
	var out S
	if err := json.Unmarshal(data, &out); err != nil {
		return s, fmt.Errorf("failed to copy state: %w", err)
	}
	return out, nil
}
