package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fjogeleit/event-store/core/es"
)

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func (s *Store) CreateEventStreamsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+streamsTable+` (
		no INTEGER PRIMARY KEY AUTOINCREMENT,
		real_stream_name TEXT NOT NULL UNIQUE,
		stream_name TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`)
	return err
}

func (s *Store) CreateProjectionsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+projectionsTable+` (
		no INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		position TEXT NOT NULL DEFAULT '{}',
		state TEXT,
		status TEXT NOT NULL,
		locked_until INTEGER
	)`)
	return err
}

func (s *Store) AddStreamToStreamsTable(ctx context.Context, stream string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+streamsTable+` (real_stream_name, stream_name) VALUES (?, ?)`,
		stream, es.TableName(stream),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", es.ErrStreamAlreadyExists, stream)
	}
	return err
}

func (s *Store) RemoveStreamFromStreamsTable(ctx context.Context, stream string) error {
	s.streams.Delete(stream)
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+streamsTable+` WHERE real_stream_name = ?`, stream)
	return err
}

func (s *Store) CreateSchema(ctx context.Context, stream string) error {
	table := es.TableName(stream)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + quote(table) + ` (
			no INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + quote(table+"_ix_unique_event") + ` ON ` + quote(table) + ` (
			json_extract(metadata, '$._aggregate_type'),
			json_extract(metadata, '$._aggregate_id'),
			json_extract(metadata, '$._aggregate_version')
		)`,
		`CREATE INDEX IF NOT EXISTS ` + quote(table+"_ix_aggregate") + ` ON ` + quote(table) + ` (
			json_extract(metadata, '$._aggregate_id'),
			no
		)`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema of %s: %w", stream, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DropSchema(ctx context.Context, stream string) error {
	s.streams.Delete(stream)
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(es.TableName(stream)))
	return err
}

func (s *Store) HasStream(ctx context.Context, stream string) (bool, error) {
	if ok, hit := s.streams.Get(stream); hit {
		return ok, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+streamsTable+` WHERE real_stream_name = ?`, stream).Scan(&n)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM `+streamsTable+` WHERE real_stream_name = ?`, stream)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", es.ErrStreamNotFound, stream)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(es.TableName(stream))); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) StreamNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT real_stream_name FROM `+streamsTable+` WHERE real_stream_name NOT LIKE '$%' ORDER BY real_stream_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AppendTo writes events in one transaction, numbering them after the
// current last position.
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

	table := quote(es.TableName(stream))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(no), 0) FROM `+table).Scan(&last); err != nil {
		if isMissingTable(err) {
			return fmt.Errorf("%w: %s", es.ErrStreamNotFound, stream)
		}
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+table+` (no, event_id, event_name, payload, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, ev := range batch {
		md, err := json.Marshal(ev.StoredMetadata())
		if err != nil {
			return fmt.Errorf("failed to encode metadata of %s: %w", ev.UUID(), err)
		}
		payload := ev.Payload()
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		_, err = stmt.ExecContext(ctx,
			last+int64(i)+1, ev.UUID(), ev.Name(), string(payload), string(md),
			ev.CreatedAt().UTC().Format(timeFormat),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: stream=%s aggregate_type=%s aggregate_id=%s version=%d",
				es.ErrConcurrency, stream, ev.AggregateType(), ev.AggregateID(), ev.Version())
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.DebugContext(ctx, "appended", slog.String("stream", stream), slog.Int("count", len(batch)))
	return nil
}

func (s *Store) Load(ctx context.Context, stream string, from int64, matcher es.MetadataMatcher) iter.Seq2[es.Event, error] {
	table := quote(es.TableName(stream))

	var (
		where strings.Builder
		args  []any
	)
	for _, m := range matcher.Pushable() {
		where.WriteString(` AND json_extract(metadata, ?) = ?`)
		args = append(args, `$."`+m.Field+`"`, m.Value)
	}
	query := `SELECT no, event_id, event_name, payload, metadata, created_at FROM ` + table +
		` WHERE no > ?` + where.String() + ` ORDER BY no LIMIT ?`

	return es.Paginate(ctx, from, func(ctx context.Context, after int64, limit int) ([]es.Event, error) {
		rows, err := s.db.QueryContext(ctx, query, slices.Concat([]any{after}, args, []any{limit})...)
		if err != nil {
			if isMissingTable(err) {
				return nil, fmt.Errorf("%w: %s", es.ErrStreamNotFound, stream)
			}
			return nil, err
		}
		defer rows.Close()
		return scanEvents(rows, stream)
	}, matcher)
}

func scanEvents(rows *sql.Rows, stream string) ([]es.Event, error) {
	var out []es.Event
	for rows.Next() {
		var (
			no                int64
			id, name          string
			payload, metadata string
			createdAt         string
		)
		if err := rows.Scan(&no, &id, &name, &payload, &metadata, &createdAt); err != nil {
			return nil, err
		}
		md, err := es.DecodeMetadata([]byte(metadata))
		if err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", id, err)
		}
		ts, err := time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at of %s: %w", id, err)
		}
		out = append(out, es.RestoreEvent(id, name, json.RawMessage(payload), md, ts).WithPosition(stream, no))
	}
	return out, rows.Err()
}

func (s *Store) MergeAndLoad(ctx context.Context, streams ...es.LoadStreamParameter) iter.Seq2[es.Event, error] {
	seqs := make([]iter.Seq2[es.Event, error], 0, len(streams))
	for _, p := range streams {
		seqs = append(seqs, s.Load(ctx, p.StreamName, p.FromNumber, p.Matcher))
	}
	return es.MergeByCreatedAt(seqs...)
}
