package es

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/fjogeleit/event-store/internal/reflector"
)

// Event is an immutable domain event. All With* methods return a copy.
type Event struct {
	uuid      string
	name      string
	payload   json.RawMessage
	metadata  Metadata
	createdAt time.Time
}

// NewEvent creates an event with a fresh v4 uuid and the current time.
func NewEvent(name string, payload json.RawMessage, md Metadata) Event {
	return Event{
		uuid:      uuid.NewString(),
		name:      name,
		payload:   clonePayload(payload),
		metadata:  md.Clone(),
		createdAt: Now(),
	}
}

// RestoreEvent rebuilds a persisted event. It is used by persistence backends.
func RestoreEvent(id, name string, payload json.RawMessage, md Metadata, createdAt time.Time) Event {
	return Event{
		uuid:      id,
		name:      name,
		payload:   payload,
		metadata:  md,
		createdAt: createdAt.UTC(),
	}
}

// Occur creates the event for payload, named after the payload type and
// addressed to the aggregate with the given id at version 1.
func Occur(aggregateID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode payload of %s: %w", EventNameOf(payload), err)
	}
	return NewEvent(EventNameOf(payload), data, Metadata{
		MetaAggregateID:      aggregateID,
		MetaAggregateType:    "",
		MetaAggregateVersion: Version(1),
	}), nil
}

// Now is the clock used for createdAt. Storage keeps microsecond precision,
// so events are created with it as well.
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func (e Event) UUID() string             { return e.uuid }
func (e Event) Name() string             { return e.name }
func (e Event) Payload() json.RawMessage { return e.payload }
func (e Event) CreatedAt() time.Time     { return e.createdAt }
func (e Event) Metadata() Metadata       { return e.metadata.Clone() }

func (e Event) MetadataValue(key string) (any, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

func (e Event) AggregateID() string   { return e.metadata.String(MetaAggregateID) }
func (e Event) AggregateType() string { return e.metadata.String(MetaAggregateType) }
func (e Event) Stream() string        { return e.metadata.String(MetaStream) }

func (e Event) Version() Version {
	v, _ := e.metadata.Int(MetaAggregateVersion)
	return Version(v)
}

// Position is the 1-based ordinal of the event in its stream, or 0 if the
// event was never loaded from storage.
func (e Event) Position() int64 {
	p, _ := e.metadata.Int(MetaPosition)
	return p
}

func (e Event) WithVersion(v Version) Event {
	return e.WithAddedMetadata(MetaAggregateVersion, v)
}

func (e Event) WithAggregateType(t string) Event {
	return e.WithAddedMetadata(MetaAggregateType, t)
}

func (e Event) WithAddedMetadata(key string, value any) Event {
	md := e.metadata.Clone()
	md[key] = value
	e.metadata = md
	return e
}

func (e Event) WithMetadata(md Metadata) Event {
	e.metadata = md.Clone()
	return e
}

// WithPosition stamps the load-time stream name and position.
func (e Event) WithPosition(stream string, position int64) Event {
	md := e.metadata.Clone()
	md[MetaStream] = stream
	md[MetaPosition] = position
	e.metadata = md
	return e
}

// StoredMetadata returns the metadata to persist: everything except the
// load-time stream and position stamps.
func (e Event) StoredMetadata() Metadata {
	md := e.metadata.Clone()
	delete(md, MetaStream)
	delete(md, MetaPosition)
	return md
}

// clone returns a copy that shares no mutable memory with e.
func (e Event) clone() Event {
	e.payload = clonePayload(e.payload)
	e.metadata = e.metadata.Clone()
	return e
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	return bytes.Clone(p)
}

func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("uuid", e.uuid),
		slog.String("name", e.name),
		slog.String("aggregate_type", e.AggregateType()),
		slog.String("aggregate_id", e.AggregateID()),
		e.Version().SlogAttr(),
		slog.String("stream", e.Stream()),
		slog.Int64("position", e.Position()),
		slog.Time("created_at", e.createdAt),
	)
}

type eventJSON struct {
	UUID      string          `json:"uuid"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	payload := e.payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(eventJSON{
		UUID:      e.uuid,
		Name:      e.name,
		Payload:   payload,
		Metadata:  e.metadata,
		CreatedAt: e.createdAt,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		eventJSON
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	md, err := DecodeMetadata(raw.Metadata)
	if err != nil {
		return fmt.Errorf("failed to decode event metadata: %w", err)
	}
	*e = RestoreEvent(raw.UUID, raw.Name, raw.Payload, md, raw.CreatedAt)
	return nil
}

// EventNamer lets a payload type choose its stored event name. Types that
// do not implement it are named after the Go type.
type EventNamer interface {
	EventName() string
}

func EventNameOf(payload any) string {
	if payload == nil {
		return ""
	}
	if n, ok := payload.(EventNamer); ok {
		if rv := reflect.ValueOf(payload); rv.Kind() != reflect.Pointer || !rv.IsNil() {
			return n.EventName()
		}
	}
	return EventNameFor(reflector.TypeInfoOf(payload).Type)
}

// EventNameFor returns the event name for payload type t.
func EventNameFor(t reflect.Type) string {
	ti := reflector.TypeInfoForType(t)
	if ti.Type == nil {
		return ""
	}
	if n, ok := reflect.New(ti.Type).Interface().(EventNamer); ok {
		return n.EventName()
	}
	return ti.ShortName
}

// NameOf returns the event name of payload type P.
func NameOf[P any]() string { return EventNameFor(reflect.TypeFor[P]()) }

// DecodePayload decodes the JSON payload of ev into T.
func DecodePayload[T any](ev Event) (out T, err error) {
	if len(ev.payload) == 0 {
		return out, nil
	}
	if err = json.Unmarshal(ev.payload, &out); err != nil {
		return out, fmt.Errorf("failed to decode payload of %s: %w", ev.name, err)
	}
	return out, nil
}
