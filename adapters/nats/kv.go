package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fjogeleit/event-store/ports/kv"
)

type KvConfig struct {
	Log     *slog.Logger
	Connect Connector
	Bucket  string
	// TTL expires every key of the bucket. Zero keeps keys forever.
	TTL      time.Duration
	Replicas int
}

// KvStore is a kv.Store over a JetStream key/value bucket. Revisions are
// the JetStream sequence numbers, so Update is a real compare-and-swap.
type KvStore struct {
	log    *slog.Logger
	kv     jetstream.KeyValue
	close  closeFunc
	bucket string
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	connect := cfg.Connect
	if connect == nil {
		connect = ConnectDefault()
	}

	nc, closeConn, err := connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		TTL:      cfg.TTL,
		Replicas: max(cfg.Replicas, 1),
	})
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{
		log:    log.With(slog.String("component", "nats_kv"), slog.String("bucket", cfg.Bucket)),
		kv:     bucket,
		close:  closeConn,
		bucket: cfg.Bucket,
	}, nil
}

// Close releases the connection.
func (k *KvStore) Close() { k.close() }

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, _ kv.PutOptions) error {
	_, err := k.kv.Put(ctx, key, entry.Data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	e, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return kv.Entry{Data: e.Value(), Revision: e.Revision()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (k *KvStore) Create(ctx context.Context, key string, data []byte) (uint64, error) {
	rev, err := k.kv.Create(ctx, key, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, kv.ErrExists
	}
	return rev, err
}

func (k *KvStore) Update(ctx context.Context, key string, data []byte, rev uint64) (uint64, error) {
	next, err := k.kv.Update(ctx, key, data, rev)
	if err == nil {
		return next, nil
	}
	if isWrongRevision(err) {
		k.log.DebugContext(ctx, "revision mismatch", slog.String("key", key), slog.Uint64("revision", rev))
		return 0, kv.ErrRevisionMismatch
	}
	return 0, err
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

var _ kv.Store = (*KvStore)(nil)
