package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fjogeleit/event-store/core/es"
)

func notFound(name string) error {
	return fmt.Errorf("%w: %s", es.ErrProjectionNotFound, name)
}

func (s *Store) projection(ctx context.Context, name string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&projectionRow{}).Where("name = ?", name)
}

// update changes the record called name; no matching row means it does
// not exist.
func (s *Store) update(ctx context.Context, name string, values map[string]any) error {
	res := s.projection(ctx, name).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(name)
	}
	return nil
}

func encodeCheckpoint(cp es.Checkpoint) (string, *string, error) {
	positions := cp.Positions
	if positions == nil {
		positions = map[string]int64{}
	}
	b, err := json.Marshal(positions)
	if err != nil {
		return "", nil, err
	}
	if cp.State == nil {
		return string(b), nil, nil
	}
	state := string(cp.State)
	return string(b), &state, nil
}

func (s *Store) CreateProjection(ctx context.Context, name string, status es.ProjectionStatus) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&projectionRow{Name: name, Position: "{}", Status: string(status)}).Error
}

func (s *Store) GetProjection(ctx context.Context, name string) (es.ProjectionRecord, error) {
	var row projectionRow
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return es.ProjectionRecord{}, notFound(name)
	}
	if err != nil {
		return es.ProjectionRecord{}, err
	}

	rec := es.ProjectionRecord{Name: row.Name, Status: es.ProjectionStatus(row.Status), Positions: map[string]int64{}}
	if err := json.Unmarshal([]byte(row.Position), &rec.Positions); err != nil {
		return es.ProjectionRecord{}, fmt.Errorf("failed to decode positions of %s: %w", name, err)
	}
	if row.State != nil {
		rec.State = json.RawMessage(*row.State)
	}
	if row.LockedUntil != nil {
		t := row.LockedUntil.UTC()
		rec.LockedUntil = &t
	}
	return rec, nil
}

func (s *Store) AcquireLock(ctx context.Context, name string, now, until time.Time) (bool, error) {
	res := s.projection(ctx, name).
		Where("(locked_until IS NULL OR locked_until <= ?)", now).
		Updates(map[string]any{"locked_until": until, "status": string(es.StatusRunning)})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := s.GetProjection(ctx, name); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) RenewLock(ctx context.Context, name string, until time.Time) error {
	return s.update(ctx, name, map[string]any{"locked_until": until})
}

func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	return s.projection(ctx, name).
		Updates(map[string]any{"locked_until": nil, "status": string(es.StatusIdle)}).Error
}

func (s *Store) SaveCheckpoint(ctx context.Context, name string, cp es.Checkpoint, until time.Time) error {
	pos, state, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.update(ctx, name, map[string]any{"position": pos, "state": state, "locked_until": until})
}

func (s *Store) ResetCheckpoint(ctx context.Context, name string, cp es.Checkpoint, status es.ProjectionStatus) error {
	pos, state, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.update(ctx, name, map[string]any{"position": pos, "state": state, "status": string(status)})
}

func (s *Store) SetStatus(ctx context.Context, name string, status es.ProjectionStatus) error {
	return s.update(ctx, name, map[string]any{"status": string(status)})
}

func (s *Store) DeleteProjection(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&projectionRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(name)
	}
	return nil
}

func (s *Store) ProjectionNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&projectionRow{}).Order("name").Pluck("name", &names).Error
	return names, err
}
