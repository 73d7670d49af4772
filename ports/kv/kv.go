// Package kv is the key/value port used for projection records. Keys are
// opaque strings; Revision increases on every write of a key and enables
// compare-and-swap updates.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("key exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

type Entry struct {
	Data     []byte
	Revision uint64
}

type PutOptions struct {
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error

	// Create writes key only if it does not exist yet, returning ErrExists
	// otherwise. It returns the new revision.
	Create(ctx context.Context, key string, data []byte) (uint64, error)
	// Update writes key only if its current revision is rev, returning
	// ErrRevisionMismatch otherwise.
	Update(ctx context.Context, key string, data []byte, rev uint64) (uint64, error)
	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	out, _, err = GetWithRevision[T](ctx, store, key)
	return
}

func GetWithRevision[T any](ctx context.Context, store Store, key string) (out T, rev uint64, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	if err = json.Unmarshal(entry.Data, &out); err != nil {
		return
	}
	return out, entry.Revision, nil
}

// Modify applies fn to the decoded value at key and writes it back with
// Update, retrying when a concurrent writer changed the key in between.
// fn must be free of side effects since it can run more than once.
func Modify[T any](ctx context.Context, store Store, key string, fn func(*T) error) error {
	for {
		v, rev, err := GetWithRevision[T](ctx, store, key)
		if err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = store.Update(ctx, key, data, rev)
		if errors.Is(err, ErrRevisionMismatch) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}
		return err
	}
}
