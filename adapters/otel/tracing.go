// Package otel adds OpenTelemetry tracing to event store persistence.
package otel

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fjogeleit/event-store/core/es"
)

const instrumentationName = "github.com/fjogeleit/event-store"

// Metadata keys written by TraceMiddleware.
const (
	MetaTraceID = "_trace_id"
	MetaSpanID  = "_span_id"
)

type Option func(*TracingPersistence)

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(p *TracingPersistence) {
		p.tracer = provider.Tracer(instrumentationName)
	}
}

// TracingPersistence wraps a persistence strategy and records one span per
// operation. A load span lasts until the sequence is drained or abandoned.
type TracingPersistence struct {
	next   es.PersistenceStrategy
	tracer trace.Tracer
}

func NewTracingPersistence(next es.PersistenceStrategy, opts ...Option) *TracingPersistence {
	p := &TracingPersistence{next: next, tracer: otel.Tracer(instrumentationName)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TracingPersistence) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "es."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func stream(name string) attribute.KeyValue { return attribute.String("es.stream", name) }

func (p *TracingPersistence) CreateEventStreamsTable(ctx context.Context) (err error) {
	ctx, span := p.start(ctx, "create_event_streams_table")
	defer func() { finish(span, err) }()
	return p.next.CreateEventStreamsTable(ctx)
}

func (p *TracingPersistence) CreateProjectionsTable(ctx context.Context) (err error) {
	ctx, span := p.start(ctx, "create_projections_table")
	defer func() { finish(span, err) }()
	return p.next.CreateProjectionsTable(ctx)
}

func (p *TracingPersistence) AddStreamToStreamsTable(ctx context.Context, name string) (err error) {
	ctx, span := p.start(ctx, "add_stream", stream(name))
	defer func() { finish(span, err) }()
	return p.next.AddStreamToStreamsTable(ctx, name)
}

func (p *TracingPersistence) RemoveStreamFromStreamsTable(ctx context.Context, name string) (err error) {
	ctx, span := p.start(ctx, "remove_stream", stream(name))
	defer func() { finish(span, err) }()
	return p.next.RemoveStreamFromStreamsTable(ctx, name)
}

func (p *TracingPersistence) CreateSchema(ctx context.Context, name string) (err error) {
	ctx, span := p.start(ctx, "create_schema", stream(name))
	defer func() { finish(span, err) }()
	return p.next.CreateSchema(ctx, name)
}

func (p *TracingPersistence) DropSchema(ctx context.Context, name string) (err error) {
	ctx, span := p.start(ctx, "drop_schema", stream(name))
	defer func() { finish(span, err) }()
	return p.next.DropSchema(ctx, name)
}

func (p *TracingPersistence) AppendTo(ctx context.Context, name string, events []es.Event) (err error) {
	ctx, span := p.start(ctx, "append", stream(name), attribute.Int("es.events", len(events)))
	defer func() { finish(span, err) }()
	return p.next.AppendTo(ctx, name, events)
}

func (p *TracingPersistence) Load(ctx context.Context, name string, from int64, matcher es.MetadataMatcher) iter.Seq2[es.Event, error] {
	return func(yield func(es.Event, error) bool) {
		ctx, span := p.start(ctx, "load", stream(name), attribute.Int64("es.from", from))
		p.traced(span, p.next.Load(ctx, name, from, matcher), yield)
	}
}

func (p *TracingPersistence) MergeAndLoad(ctx context.Context, streams ...es.LoadStreamParameter) iter.Seq2[es.Event, error] {
	names := make([]string, 0, len(streams))
	for _, s := range streams {
		names = append(names, s.StreamName)
	}
	return func(yield func(es.Event, error) bool) {
		ctx, span := p.start(ctx, "merge_and_load", attribute.StringSlice("es.streams", names))
		p.traced(span, p.next.MergeAndLoad(ctx, streams...), yield)
	}
}

func (p *TracingPersistence) traced(span trace.Span, seq iter.Seq2[es.Event, error], yield func(es.Event, error) bool) {
	var (
		n       int
		loadErr error
	)
	defer func() {
		span.SetAttributes(attribute.Int("es.loaded", n))
		finish(span, loadErr)
	}()
	for ev, err := range seq {
		if err != nil {
			loadErr = err
			yield(es.Event{}, err)
			return
		}
		n++
		if !yield(ev, nil) {
			return
		}
	}
}

func (p *TracingPersistence) HasStream(ctx context.Context, name string) (ok bool, err error) {
	ctx, span := p.start(ctx, "has_stream", stream(name))
	defer func() { finish(span, err) }()
	return p.next.HasStream(ctx, name)
}

func (p *TracingPersistence) DeleteStream(ctx context.Context, name string) (err error) {
	ctx, span := p.start(ctx, "delete_stream", stream(name))
	defer func() { finish(span, err) }()
	return p.next.DeleteStream(ctx, name)
}

func (p *TracingPersistence) StreamNames(ctx context.Context) (names []string, err error) {
	ctx, span := p.start(ctx, "stream_names")
	defer func() { finish(span, err) }()
	return p.next.StreamNames(ctx)
}

// TraceMiddleware stamps the trace and span id of the appending context
// into each event's metadata. Events appended without a span pass
// unchanged.
func TraceMiddleware() es.Middleware {
	return es.Middleware{
		Action: es.PreAppend,
		Handle: func(ctx context.Context, ev es.Event, _ es.MiddlewareAction, _ *es.EventStore) (es.Event, error) {
			sc := trace.SpanContextFromContext(ctx)
			if !sc.IsValid() {
				return ev, nil
			}
			return ev.
				WithAddedMetadata(MetaTraceID, sc.TraceID().String()).
				WithAddedMetadata(MetaSpanID, sc.SpanID().String()), nil
		},
	}
}

var _ es.PersistenceStrategy = (*TracingPersistence)(nil)
