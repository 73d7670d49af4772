package kv

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	type Foo struct {
		Name string
		Age  int
	}
	s := NewMemStore()

	_, err := Get[Foo](t.Context(), s, "foobar")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Put[Foo](t.Context(), s, "p1", Foo{Name: "P1", Age: 10}, PutOptions{}))
	require.NoError(t, Put[Foo](t.Context(), s, "p2", Foo{Name: "P2", Age: 20}, PutOptions{}))

	loaded, err := Get[Foo](t.Context(), s, "p1")
	require.NoError(t, err)
	require.Equal(t, Foo{Name: "P1", Age: 10}, loaded)

	require.NoError(t, s.Delete(t.Context(), "p1"))
	_, err = Get[Foo](t.Context(), s, "p1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_CreateAndUpdate(t *testing.T) {
	ctx := t.Context()
	s := NewMemStore()

	rev, err := s.Create(ctx, "projection.user_list", []byte(`{"n":1}`))
	require.NoError(t, err)

	_, err = s.Create(ctx, "projection.user_list", []byte(`{"n":2}`))
	require.ErrorIs(t, err, ErrExists)

	next, err := s.Update(ctx, "projection.user_list", []byte(`{"n":2}`), rev)
	require.NoError(t, err)
	assert.Greater(t, next, rev)

	_, err = s.Update(ctx, "projection.user_list", []byte(`{"n":3}`), rev)
	require.ErrorIs(t, err, ErrRevisionMismatch)

	_, err = s.Update(ctx, "missing", nil, 1)
	require.ErrorIs(t, err, ErrNotFound)

	e, err := s.Get(ctx, "projection.user_list")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(e.Data))
	assert.Equal(t, next, e.Revision)
}

func TestMemStore_Keys(t *testing.T) {
	ctx := t.Context()
	s := NewMemStore()
	for _, k := range []string{"a.2", "b.1", "a.1"} {
		_, err := s.Create(ctx, k, []byte("{}"))
		require.NoError(t, err)
	}

	keys, err := s.Keys(ctx, "a.")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.1", "a.2"}, keys)
}

func TestModify_Concurrent(t *testing.T) {
	type counter struct{ N int }
	ctx := t.Context()
	s := NewMemStore()
	require.NoError(t, Put(ctx, s, "c", counter{}, PutOptions{}))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, Modify(ctx, s, "c", func(c *counter) error {
				c.N++
				return nil
			}))
		}()
	}
	wg.Wait()

	c, err := Get[counter](ctx, s, "c")
	require.NoError(t, err)
	assert.Equal(t, 20, c.N)
}
