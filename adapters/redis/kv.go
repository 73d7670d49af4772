package redis

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/fjogeleit/event-store/ports/kv"
)

// Each key is a hash holding the data under "d" and the revision under "r".
var (
	createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return -1
end
redis.call("HSET", KEYS[1], "d", ARGV[1], "r", 1)
return 1
`)

	updateScript = redis.NewScript(`
local rev = redis.call("HGET", KEYS[1], "r")
if not rev or rev ~= ARGV[2] then
	return -1
end
redis.call("HSET", KEYS[1], "d", ARGV[1])
return redis.call("HINCRBY", KEYS[1], "r", 1)
`)

	putScript = redis.NewScript(`
redis.call("HSET", KEYS[1], "d", ARGV[1])
local rev = redis.call("HINCRBY", KEYS[1], "r", 1)
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
else
	redis.call("PERSIST", KEYS[1])
end
return rev
`)
)

// KvStore is a kv.Store over Redis hashes. Conditional writes run as Lua
// scripts, so Create and Update are atomic.
type KvStore struct {
	log    *slog.Logger
	client *redis.Client
	prefix string
}

func NewKvStore(client *redis.Client, prefix string, log *slog.Logger) *KvStore {
	if log == nil {
		log = slog.Default()
	}
	return &KvStore{
		log:    log.With(slog.String("component", "redis_kv")),
		client: client,
		prefix: prefix,
	}
}

func (k *KvStore) key(key string) string { return k.prefix + key }

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	return putScript.Run(ctx, k.client, []string{k.key(key)}, entry.Data, opts.TTL.Milliseconds()).Err()
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	vals, err := k.client.HMGet(ctx, k.key(key), "d", "r").Result()
	if err != nil {
		return kv.Entry{}, err
	}
	data, ok := vals[0].(string)
	if !ok {
		return kv.Entry{}, kv.ErrNotFound
	}
	rev, _ := vals[1].(string)
	r, err := strconv.ParseUint(rev, 10, 64)
	if err != nil {
		return kv.Entry{}, err
	}
	return kv.Entry{Data: []byte(data), Revision: r}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	return k.client.Del(ctx, k.key(key)).Err()
}

func (k *KvStore) Create(ctx context.Context, key string, data []byte) (uint64, error) {
	res, err := createScript.Run(ctx, k.client, []string{k.key(key)}, data).Int64()
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, kv.ErrExists
	}
	return uint64(res), nil
}

func (k *KvStore) Update(ctx context.Context, key string, data []byte, rev uint64) (uint64, error) {
	res, err := updateScript.Run(ctx, k.client, []string{k.key(key)}, data, strconv.FormatUint(rev, 10)).Int64()
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, kv.ErrRevisionMismatch
	}
	return uint64(res), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	match := globEscaper.Replace(k.key(prefix)) + "*"
	for {
		keys, next, err := k.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			out = append(out, strings.TrimPrefix(key, k.prefix))
		}
		if next == 0 {
			// SCAN may return a key more than once
			slices.Sort(out)
			return slices.Compact(out), nil
		}
		cursor = next
	}
}

var _ kv.Store = (*KvStore)(nil)
