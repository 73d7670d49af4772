package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"gorm.io/gorm"

	"github.com/fjogeleit/event-store/core/es"
)

func (s *Store) CreateEventStreamsTable(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&streamRow{})
}

func (s *Store) CreateProjectionsTable(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&projectionRow{})
}

func (s *Store) AddStreamToStreamsTable(ctx context.Context, stream string) error {
	err := s.db.WithContext(ctx).Create(&streamRow{
		RealStreamName: stream,
		StreamName:     es.TableName(stream),
		Metadata:       "{}",
	}).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", es.ErrStreamAlreadyExists, stream)
	}
	return err
}

func (s *Store) RemoveStreamFromStreamsTable(ctx context.Context, stream string) error {
	s.streams.Delete(stream)
	return s.db.WithContext(ctx).Where("real_stream_name = ?", stream).Delete(&streamRow{}).Error
}

func (s *Store) CreateSchema(ctx context.Context, stream string) error {
	table := es.TableName(stream)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS ` + quote(table) + ` (
				no BIGINT PRIMARY KEY,
				event_id TEXT NOT NULL UNIQUE,
				event_name TEXT NOT NULL,
				payload JSONB NOT NULL,
				metadata JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + quote(table+"_ix_unique_event") + ` ON ` + quote(table) + ` (
				(metadata->>'_aggregate_type'),
				(metadata->>'_aggregate_id'),
				(metadata->>'_aggregate_version')
			)`,
			`CREATE INDEX IF NOT EXISTS ` + quote(table+"_ix_aggregate") + ` ON ` + quote(table) + ` (
				(metadata->>'_aggregate_id'), no
			)`,
		}
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to create schema of %s: %w", stream, err)
			}
		}
		return nil
	})
}

func (s *Store) DropSchema(ctx context.Context, stream string) error {
	s.streams.Delete(stream)
	return s.db.WithContext(ctx).Exec(`DROP TABLE IF EXISTS ` + quote(es.TableName(stream))).Error
}

func (s *Store) HasStream(ctx context.Context, stream string) (bool, error) {
	if ok, hit := s.streams.Get(stream); hit {
		return ok, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&streamRow{}).Where("real_stream_name = ?", stream).Count(&n).Error
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.streams.Put(stream, true)
	}
	return n > 0, nil
}

func (s *Store) DeleteStream(ctx context.Context, stream string) error {
	s.streams.Delete(stream)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("real_stream_name = ?", stream).Delete(&streamRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", es.ErrStreamNotFound, stream)
		}
		return tx.Exec(`DROP TABLE IF EXISTS ` + quote(es.TableName(stream))).Error
	})
}

func (s *Store) StreamNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&streamRow{}).
		Where("real_stream_name NOT LIKE ?", "$%").
		Order("real_stream_name").
		Pluck("real_stream_name", &names).Error
	return names, err
}

// AppendTo writes events in one transaction. A transaction scoped
// advisory lock on the stream table serializes writers, so positions are
// gapless and commit in order.
func (s *Store) AppendTo(ctx context.Context, stream string, events []es.Event) error {
	if len(events) == 0 {
		return nil
	}

	lock := es.WriteLockName(stream)
	if err := es.AcquireWriteLock(ctx, s.writeLock, lock); err != nil {
		return fmt.Errorf("failed to acquire write lock for %s: %w", stream, err)
	}
	defer func() {
		if err := s.writeLock.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			s.log.Error("failed to release write lock", slog.String("stream", stream), slog.Any("error", err))
		}
	}()

	batch := slices.Clone(events)
	slices.SortStableFunc(batch, func(a, b es.Event) int { return cmp.Compare(a.Version(), b.Version()) })

	table := es.TableName(stream)
	rows := make([]eventRow, 0, len(batch))
	for _, ev := range batch {
		md, err := json.Marshal(ev.StoredMetadata())
		if err != nil {
			return fmt.Errorf("failed to encode metadata of %s: %w", ev.UUID(), err)
		}
		payload := string(ev.Payload())
		if payload == "" {
			payload = "null"
		}
		rows = append(rows, eventRow{
			EventID:   ev.UUID(),
			EventName: ev.Name(),
			Payload:   payload,
			Metadata:  string(md),
			CreatedAt: ev.CreatedAt(),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT pg_advisory_xact_lock(?)`, advisoryKey(table)).Error; err != nil {
			return err
		}
		var last int64
		if err := tx.Raw(`SELECT COALESCE(MAX(no), 0) FROM ` + quote(table)).Scan(&last).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].No = last + int64(i) + 1
		}
		return tx.Table(table).Create(&rows).Error
	})
	switch {
	case err == nil:
	case isMissingTable(err):
		return fmt.Errorf("%w: %s", es.ErrStreamNotFound, stream)
	case isUniqueViolation(err):
		return fmt.Errorf("%w: stream=%s: %v", es.ErrConcurrency, stream, err)
	default:
		return err
	}

	s.log.DebugContext(ctx, "appended", slog.String("stream", stream), slog.Int("count", len(batch)))
	return nil
}

// Load pages through stream. Exact string matches on metadata are
// evaluated by postgres; the full matcher runs on every returned event.
func (s *Store) Load(ctx context.Context, stream string, from int64, matcher es.MetadataMatcher) iter.Seq2[es.Event, error] {
	var (
		where strings.Builder
		args  []any
	)
	for _, m := range matcher.Pushable() {
		where.WriteString(` AND metadata->>? = ?`)
		args = append(args, m.Field, m.Value)
	}
	query := `SELECT no, event_id, event_name, payload::text AS payload, metadata::text AS metadata, created_at FROM ` +
		quote(es.TableName(stream)) + ` WHERE no > ?` + where.String() + ` ORDER BY no LIMIT ?`

	return es.Paginate(ctx, from, func(ctx context.Context, after int64, limit int) ([]es.Event, error) {
		var rows []eventRow
		err := s.db.WithContext(ctx).Raw(query, slices.Concat([]any{after}, args, []any{limit})...).Scan(&rows).Error
		if isMissingTable(err) {
			return nil, fmt.Errorf("%w: %s", es.ErrStreamNotFound, stream)
		}
		if err != nil {
			return nil, err
		}

		out := make([]es.Event, 0, len(rows))
		for _, r := range rows {
			md, err := es.DecodeMetadata([]byte(r.Metadata))
			if err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", r.EventID, err)
			}
			ev := es.RestoreEvent(r.EventID, r.EventName, json.RawMessage(r.Payload), md, r.CreatedAt.UTC())
			out = append(out, ev.WithPosition(stream, r.No))
		}
		return out, nil
	}, matcher)
}

func (s *Store) MergeAndLoad(ctx context.Context, streams ...es.LoadStreamParameter) iter.Seq2[es.Event, error] {
	seqs := make([]iter.Seq2[es.Event, error], 0, len(streams))
	for _, p := range streams {
		seqs = append(seqs, s.Load(ctx, p.StreamName, p.FromNumber, p.Matcher))
	}
	return es.MergeByCreatedAt(seqs...)
}
