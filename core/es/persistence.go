package es

import (
	"container/heap"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"iter"
	"strings"
)

// LoadBatchSize is the number of rows a backend fetches per round trip.
const LoadBatchSize = 1000

// PersistenceStrategy is the storage contract of the event store. Every
// stream owns one backing storage object; the stream registry maps real
// stream names to it.
type PersistenceStrategy interface {
	CreateEventStreamsTable(ctx context.Context) error
	CreateProjectionsTable(ctx context.Context) error

	// AddStreamToStreamsTable registers stream. It fails with
	// ErrStreamAlreadyExists for a registered name.
	AddStreamToStreamsTable(ctx context.Context, stream string) error
	RemoveStreamFromStreamsTable(ctx context.Context, stream string) error

	CreateSchema(ctx context.Context, stream string) error
	DropSchema(ctx context.Context, stream string) error

	// AppendTo stores events atomically in the given order, assigning the
	// next gapless positions. A duplicate (aggregate type, id, version)
	// fails the whole batch with ErrConcurrency.
	AppendTo(ctx context.Context, stream string, events []Event) error

	// Load yields the events of stream from position from (inclusive) on,
	// stamped with stream and position, filtered by matcher.
	Load(ctx context.Context, stream string, from int64, matcher MetadataMatcher) iter.Seq2[Event, error]
	MergeAndLoad(ctx context.Context, streams ...LoadStreamParameter) iter.Seq2[Event, error]

	HasStream(ctx context.Context, stream string) (bool, error)
	DeleteStream(ctx context.Context, stream string) error

	// StreamNames lists registered streams without system ($-prefixed) ones.
	StreamNames(ctx context.Context) ([]string, error)
}

type LoadStreamParameter struct {
	StreamName string
	FromNumber int64
	Matcher    MetadataMatcher
}

// TableName is the name of the per-stream storage object.
func TableName(stream string) string {
	sum := sha1.Sum([]byte(stream))
	return "_" + hex.EncodeToString(sum[:])
}

func IsSystemStream(name string) bool { return strings.HasPrefix(name, "$") }

// PageFetcher returns up to limit events positioned after after, ordered by
// position and already stamped via WithPosition.
type PageFetcher func(ctx context.Context, after int64, limit int) ([]Event, error)

// Paginate turns keyset-paged reads into a lazy sequence starting at
// position from. matcher is evaluated for every row, so fetch may push a
// subset of it down to storage.
func Paginate(ctx context.Context, from int64, fetch PageFetcher, matcher MetadataMatcher) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		after := max(from, 1) - 1
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			page, err := fetch(ctx, after, LoadBatchSize)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, ev := range page {
				after = ev.Position()
				if !matcher.Matches(ev) {
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < LoadBatchSize {
				return
			}
		}
	}
}

// MergeByCreatedAt merges already ordered sequences into one ordered by
// createdAt. Ties go to the earlier input, then to the lower position.
// Inputs are pulled lazily, one head each.
func MergeByCreatedAt(seqs ...iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	if len(seqs) == 1 {
		return seqs[0]
	}
	return func(yield func(Event, error) bool) {
		h := make(mergeHeap, 0, len(seqs))
		for i, seq := range seqs {
			next, stop := iter.Pull2(seq)
			defer stop()

			c := &mergeCursor{idx: i, next: next}
			ok, err := c.advance()
			if err != nil {
				yield(Event{}, err)
				return
			}
			if ok {
				h = append(h, c)
			}
		}
		heap.Init(&h)

		for h.Len() > 0 {
			c := h[0]
			if !yield(c.head, nil) {
				return
			}
			ok, err := c.advance()
			if err != nil {
				yield(Event{}, err)
				return
			}
			if ok {
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}
		}
	}
}

type mergeCursor struct {
	idx  int
	head Event
	next func() (Event, error, bool)
}

func (c *mergeCursor) advance() (bool, error) {
	ev, err, ok := c.next()
	if !ok {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.head = ev
	return true, nil
}

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if c := a.head.CreatedAt().Compare(b.head.CreatedAt()); c != 0 {
		return c < 0
	}
	if a.idx != b.idx {
		return a.idx < b.idx
	}
	return a.head.Position() < b.head.Position()
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
