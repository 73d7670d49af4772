package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = ttl
	}
}

type Cache[V any] interface {
	Get(key string) (V, bool)
	Put(key string, val V, opts ...PutOption)
	Delete(key string)
}

// Nop never stores anything. It disables caching where a Cache is required.
type Nop[V any] struct{}

func NewNop[V any]() Nop[V] { return Nop[V]{} }

func (Nop[V]) Get(string) (v V, ok bool)    { return v, false }
func (Nop[V]) Put(string, V, ...PutOption) {}
func (Nop[V]) Delete(string)               {}

var _ Cache[any] = Nop[any]{}
