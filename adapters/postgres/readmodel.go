package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fjogeleit/event-store/core/es"
)

// TableReadModel keeps rows as JSON documents keyed by id in one table.
// It understands the same operations as es.InMemoryReadModel:
//
//	Stack(es.OpInsert, id, es.Row{...}) // upsert
//	Stack(es.OpUpdate, id, es.Row{...}) // merges fields
//	Stack(es.OpRemove, id)
type TableReadModel struct {
	*es.StackedReadModel

	db    *gorm.DB
	table string
}

type docRow struct {
	ID   string `gorm:"primaryKey"`
	Data string `gorm:"type:jsonb;not null"`
}

func NewTableReadModel(s *Store, table string) *TableReadModel {
	rm := &TableReadModel{db: s.db, table: table}
	rm.StackedReadModel = es.NewStackedReadModel(map[string]es.ReadModelOp{
		es.OpInsert: rm.insert,
		es.OpUpdate: rm.update,
		es.OpRemove: rm.remove,
	})
	return rm
}

func (m *TableReadModel) tx(ctx context.Context) *gorm.DB {
	return m.db.WithContext(ctx).Table(m.table)
}

func (m *TableReadModel) Init(ctx context.Context) error {
	return m.db.WithContext(ctx).Table(m.table).AutoMigrate(&docRow{})
}

func (m *TableReadModel) IsInitialized(ctx context.Context) (bool, error) {
	return m.db.WithContext(ctx).Migrator().HasTable(m.table), nil
}

func (m *TableReadModel) Reset(ctx context.Context) error {
	m.Discard()
	return m.db.WithContext(ctx).Exec(`TRUNCATE TABLE ` + quote(m.table)).Error
}

func (m *TableReadModel) Delete(ctx context.Context) error {
	m.Discard()
	return m.db.WithContext(ctx).Migrator().DropTable(m.table)
}

func rowArgs(op string, args []any, n int) (string, es.Row, error) {
	if len(args) < n {
		return "", nil, fmt.Errorf("%s expects %d arguments, got %d", op, n, len(args))
	}
	id, ok := args[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%s expects a string id, got %T", op, args[0])
	}
	if n == 1 {
		return id, nil, nil
	}
	switch r := args[1].(type) {
	case es.Row:
		return id, r, nil
	case map[string]any:
		return id, r, nil
	}
	return "", nil, fmt.Errorf("%s expects a row, got %T", op, args[1])
}

func (m *TableReadModel) insert(ctx context.Context, args ...any) error {
	id, row, err := rowArgs(es.OpInsert, args, 2)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return m.tx(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data"}),
		}).
		Create(&docRow{ID: id, Data: string(data)}).Error
}

func (m *TableReadModel) update(ctx context.Context, args ...any) error {
	id, row, err := rowArgs(es.OpUpdate, args, 2)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return m.tx(ctx).Where("id = ?", id).
		Update("data", gorm.Expr("data || ?::jsonb", string(data))).Error
}

func (m *TableReadModel) remove(ctx context.Context, args ...any) error {
	id, _, err := rowArgs(es.OpRemove, args, 1)
	if err != nil {
		return err
	}
	return m.tx(ctx).Where("id = ?", id).Delete(&docRow{}).Error
}

// Get returns the row with id.
func (m *TableReadModel) Get(ctx context.Context, id string) (es.Row, bool, error) {
	var doc docRow
	err := m.tx(ctx).Where("id = ?", id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var row es.Row
	if err := json.Unmarshal([]byte(doc.Data), &row); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// Rows returns all rows ordered by id.
func (m *TableReadModel) Rows(ctx context.Context) ([]es.Row, error) {
	var docs []docRow
	if err := m.tx(ctx).Order("id").Find(&docs).Error; err != nil {
		return nil, err
	}
	out := make([]es.Row, 0, len(docs))
	for _, d := range docs {
		var row es.Row
		if err := json.Unmarshal([]byte(d.Data), &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

var _ es.ReadModel = (*TableReadModel)(nil)
