package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjogeleit/event-store/core/es"
)

func notFound(name string) error {
	return fmt.Errorf("%w: %s", es.ErrProjectionNotFound, name)
}

// exec runs an update addressing one projection and maps zero affected
// rows to ErrProjectionNotFound.
func (s *Store) exec(ctx context.Context, name, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(name)
	}
	return nil
}

func encodePositions(p map[string]int64) (string, error) {
	if p == nil {
		p = map[string]int64{}
	}
	b, err := json.Marshal(p)
	return string(b), err
}

func nullState(state json.RawMessage) sql.NullString {
	if state == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(state), Valid: true}
}

func (s *Store) CreateProjection(ctx context.Context, name string, status es.ProjectionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+projectionsTable+` (name, position, status) VALUES (?, '{}', ?) ON CONFLICT(name) DO NOTHING`,
		name, string(status),
	)
	return err
}

func (s *Store) GetProjection(ctx context.Context, name string) (es.ProjectionRecord, error) {
	var (
		position    string
		state       sql.NullString
		status      string
		lockedUntil sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT position, state, status, locked_until FROM `+projectionsTable+` WHERE name = ?`, name,
	).Scan(&position, &state, &status, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return es.ProjectionRecord{}, notFound(name)
	}
	if err != nil {
		return es.ProjectionRecord{}, err
	}

	rec := es.ProjectionRecord{Name: name, Status: es.ProjectionStatus(status), Positions: map[string]int64{}}
	if err := json.Unmarshal([]byte(position), &rec.Positions); err != nil {
		return es.ProjectionRecord{}, fmt.Errorf("failed to decode positions of %s: %w", name, err)
	}
	if state.Valid {
		rec.State = json.RawMessage(state.String)
	}
	if lockedUntil.Valid {
		t := time.UnixMicro(lockedUntil.Int64).UTC()
		rec.LockedUntil = &t
	}
	return rec, nil
}

// AcquireLock is a single conditional update, so two processes racing for
// an expired lease cannot both win.
func (s *Store) AcquireLock(ctx context.Context, name string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+projectionsTable+` SET locked_until = ?, status = ?
		 WHERE name = ? AND (locked_until IS NULL OR locked_until <= ?)`,
		until.UnixMicro(), string(es.StatusRunning), name, now.UnixMicro(),
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.GetProjection(ctx, name); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) RenewLock(ctx context.Context, name string, until time.Time) error {
	return s.exec(ctx, name,
		`UPDATE `+projectionsTable+` SET locked_until = ? WHERE name = ?`,
		until.UnixMicro(), name,
	)
}

func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+projectionsTable+` SET locked_until = NULL, status = ? WHERE name = ?`,
		string(es.StatusIdle), name,
	)
	return err
}

func (s *Store) SaveCheckpoint(ctx context.Context, name string, cp es.Checkpoint, until time.Time) error {
	pos, err := encodePositions(cp.Positions)
	if err != nil {
		return err
	}
	return s.exec(ctx, name,
		`UPDATE `+projectionsTable+` SET position = ?, state = ?, locked_until = ? WHERE name = ?`,
		pos, nullState(cp.State), until.UnixMicro(), name,
	)
}

func (s *Store) ResetCheckpoint(ctx context.Context, name string, cp es.Checkpoint, status es.ProjectionStatus) error {
	pos, err := encodePositions(cp.Positions)
	if err != nil {
		return err
	}
	return s.exec(ctx, name,
		`UPDATE `+projectionsTable+` SET position = ?, state = ?, status = ? WHERE name = ?`,
		pos, nullState(cp.State), string(status), name,
	)
}

func (s *Store) SetStatus(ctx context.Context, name string, status es.ProjectionStatus) error {
	return s.exec(ctx, name,
		`UPDATE `+projectionsTable+` SET status = ? WHERE name = ?`,
		string(status), name,
	)
}

func (s *Store) DeleteProjection(ctx context.Context, name string) error {
	return s.exec(ctx, name, `DELETE FROM `+projectionsTable+` WHERE name = ?`, name)
}

func (s *Store) ProjectionNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM `+projectionsTable+` ORDER BY name`)
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
