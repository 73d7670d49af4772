package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjogeleit/event-store/adapters/nats"
	"github.com/fjogeleit/event-store/adapters/otel"
	"github.com/fjogeleit/event-store/adapters/postgres"
	"github.com/fjogeleit/event-store/adapters/redis"
	"github.com/fjogeleit/event-store/adapters/sqlite"
	"github.com/fjogeleit/event-store/core/es"
	"github.com/fjogeleit/event-store/internal/demo"
)

// backend is an opened store plus whatever has to be closed with it.
type backend struct {
	store   *es.EventStore
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg config, log *slog.Logger, opts ...es.StoreOption) (_ *backend, err error) {
	b := &backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	var writeLock es.WriteLockStrategy
	if cfg.RedisAddr != "" {
		client, err := redis.Connect(ctx, redis.Config{Addr: cfg.RedisAddr, Prefix: cfg.RedisPrefix})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		writeLock = redis.NewWriteLock(client, cfg.RedisPrefix, 30*time.Second)
	}

	var (
		persistence es.PersistenceStrategy
		projections es.ProjectionStore
		readModel   es.ReadModel = es.NewInMemoryReadModel()
	)
	switch cfg.Driver {
	case "memory":
		var popts []es.PersistenceOption
		if writeLock != nil {
			popts = append(popts, es.WithWriteLock(writeLock))
		}
		persistence = es.NewInMemoryPersistence(popts...)
		projections = es.NewInMemoryProjectionStore()
	case "sqlite":
		s, err := sqlite.Open(ctx, sqlite.Config{Log: log, Path: cfg.SQLitePath, WriteLock: writeLock})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		persistence, projections = s, s
	case "postgres":
		s, err := postgres.Open(ctx, postgres.Config{Log: log, DSN: cfg.PostgresDSN, WriteLock: writeLock})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		persistence, projections = s, s
		readModel = postgres.NewTableReadModel(s, demo.UserTableProjection)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}

	if cfg.NatsURL != "" {
		bucket, err := nats.NewKvStore(ctx, nats.KvConfig{
			Log:     log,
			Connect: nats.ConnectURL(cfg.NatsURL),
			Bucket:  cfg.NatsBucket,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { bucket.Close(); return nil })
		projections = es.NewKVProjectionStore(bucket)
	}

	if cfg.Tracing {
		persistence = otel.NewTracingPersistence(persistence)
		opts = append(opts, es.WithMiddleware(otel.TraceMiddleware()))
	}
	if cfg.LogLevel <= slog.LevelDebug {
		opts = append(opts, es.WithMiddleware(es.NewLoggerMiddleware(log)...))
	}

	reg := es.NewRegistry()
	demo.Register(reg, readModel)

	b.store, err = es.NewEventStore(persistence, projections, append([]es.StoreOption{
		es.WithLog(log),
		es.WithRegistry(reg),
		es.WithProjectorOptions(
			es.WithLockTimeout(cfg.LockTimeout),
			es.WithPersistBlockSize(cfg.BlockSize),
		),
	}, opts...)...)
	if err != nil {
		return nil, err
	}
	return b, nil
}
