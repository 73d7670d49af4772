package es

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/fjogeleit/event-store/internal/reflector"
)

// EventRegistry maps event names to payload types so persisted events can be
// decoded back into the values an aggregate folds over.
type EventRegistry struct {
	mu    sync.RWMutex
	types map[string]registeredPayload
}

type registeredPayload struct {
	t     reflect.Type
	isPtr bool
}

func NewEventRegistry(prototypes ...any) *EventRegistry {
	r := &EventRegistry{types: map[string]registeredPayload{}}
	r.Register(prototypes...)
	return r
}

// Register adds payload prototypes, e.g. Register(UserWasRegistered{}, &UserNameWasUpdated{}).
// Decode returns values of the same kind: a pointer prototype decodes to a pointer.
func (r *EventRegistry) Register(prototypes ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prototypes {
		rt := reflect.TypeOf(p)
		if rt == nil {
			continue
		}
		r.types[EventNameOf(p)] = registeredPayload{
			t:     reflector.TypeInfoForType(rt).Type,
			isPtr: rt.Kind() == reflect.Pointer,
		}
	}
}

func RegisterEventFor[P any](r *EventRegistry) {
	var p P
	r.Register(p)
}

func (r *EventRegistry) merge(o *EventRegistry) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.types, o.types)
}

func (r *EventRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

func (r *EventRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	return names
}

// Decode returns the typed payload of ev. Events whose name was never
// registered fail with ErrUnknownEventType.
func (r *EventRegistry) Decode(ev Event) (any, error) {
	r.mu.RLock()
	rp, ok := r.types[ev.Name()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Name())
	}

	v := reflect.New(rp.t)
	if data := ev.Payload(); len(data) > 0 {
		if err := json.Unmarshal(data, v.Interface()); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", ev.Name(), err)
		}
	}
	if rp.isPtr {
		return v.Interface(), nil
	}
	return v.Elem().Interface(), nil
}
