package es

import (
	"iter"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
)

// === Helpers ===

// StartTestStore returns an installed store on in-memory persistence and
// projection records.
func StartTestStore(t testing.TB, opts ...StoreOption) *EventStore {
	t.Helper()
	s, err := NewEventStore(NewInMemoryPersistence(), NewInMemoryProjectionStore(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Install(t.Context()))
	return s
}

// TestStreamName returns a unique stream name starting with prefix.
func TestStreamName(prefix string) string {
	return prefix + "_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 8)
}

// CollectEvents drains a load sequence.
func CollectEvents(t testing.TB, seq iter.Seq2[Event, error]) []Event {
	t.Helper()
	var out []Event
	for ev, err := range seq {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}
