package es

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ReadModel is an externally materialized view written by a
// ReadModelProjector. Handlers stage operations with Stack; Persist
// executes them in order and empties the stack.
type ReadModel interface {
	Init(ctx context.Context) error
	IsInitialized(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
	Delete(ctx context.Context) error
	Stack(op string, args ...any) error
	Persist(ctx context.Context) error
}

// ReadModelOp executes one staged operation.
type ReadModelOp func(ctx context.Context, args ...any) error

type stackedOp struct {
	name string
	args []any
}

// StackedReadModel implements Stack and Persist over a fixed table of
// operations. Embed it and provide Init, IsInitialized, Reset and Delete.
type StackedReadModel struct {
	mu    sync.Mutex
	ops   map[string]ReadModelOp
	stack []stackedOp
}

func NewStackedReadModel(ops map[string]ReadModelOp) *StackedReadModel {
	return &StackedReadModel{ops: maps.Clone(ops)}
}

func (m *StackedReadModel) Stack(op string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op]; !ok {
		return fmt.Errorf("unknown read model operation %q", op)
	}
	m.stack = append(m.stack, stackedOp{name: op, args: args})
	return nil
}

// Persist runs the staged operations in order. On failure the operations
// not yet executed stay staged.
func (m *StackedReadModel) Persist(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range m.stack {
		if err := m.ops[op.name](ctx, op.args...); err != nil {
			m.stack = slices.Delete(m.stack, 0, i)
			return fmt.Errorf("read model operation %s failed: %w", op.name, err)
		}
	}
	m.stack = nil
	return nil
}

// Pending returns the number of staged operations.
func (m *StackedReadModel) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// Discard drops staged operations.
func (m *StackedReadModel) Discard() {
	m.mu.Lock()
	m.stack = nil
	m.mu.Unlock()
}

// Row is a read model row.
type Row map[string]any

// Operations understood by InMemoryReadModel.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpRemove = "remove"
)

// InMemoryReadModel is a table of rows keyed by id.
//
//	Stack(OpInsert, id, Row{...})
//	Stack(OpUpdate, id, Row{...}) // merges fields
//	Stack(OpRemove, id)
type InMemoryReadModel struct {
	*StackedReadModel

	mu          sync.RWMutex
	initialized bool
	rows        map[string]Row
}

func NewInMemoryReadModel() *InMemoryReadModel {
	rm := &InMemoryReadModel{rows: map[string]Row{}}
	rm.StackedReadModel = NewStackedReadModel(map[string]ReadModelOp{
		OpInsert: rm.insert,
		OpUpdate: rm.update,
		OpRemove: rm.remove,
	})
	return rm
}

func (m *InMemoryReadModel) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *InMemoryReadModel) IsInitialized(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized, nil
}

func (m *InMemoryReadModel) Reset(context.Context) error {
	m.Discard()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = map[string]Row{}
	return nil
}

func (m *InMemoryReadModel) Delete(context.Context) error {
	m.Discard()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = map[string]Row{}
	m.initialized = false
	return nil
}

// Get returns a copy of the row with id.
func (m *InMemoryReadModel) Get(id string) (Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[id]
	return maps.Clone(r), ok
}

// Rows returns copies of all rows ordered by id.
func (m *InMemoryReadModel) Rows() []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Row, 0, len(m.rows))
	for _, id := range slices.Sorted(maps.Keys(m.rows)) {
		out = append(out, maps.Clone(m.rows[id]))
	}
	return out
}

func rowArgs(op string, args []any, n int) (string, Row, error) {
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
	case Row:
		return id, r, nil
	case map[string]any:
		return id, r, nil
	}
	return "", nil, fmt.Errorf("%s expects a row, got %T", op, args[1])
}

func (m *InMemoryReadModel) insert(_ context.Context, args ...any) error {
	id, row, err := rowArgs(OpInsert, args, 2)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = maps.Clone(row)
	return nil
}

func (m *InMemoryReadModel) update(_ context.Context, args ...any) error {
	id, row, err := rowArgs(OpUpdate, args, 2)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("row %s not found", id)
	}
	maps.Copy(cur, row)
	return nil
}

func (m *InMemoryReadModel) remove(_ context.Context, args ...any) error {
	id, _, err := rowArgs(OpRemove, args, 1)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

var _ ReadModel = (*InMemoryReadModel)(nil)
