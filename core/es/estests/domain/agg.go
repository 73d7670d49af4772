// Package domain holds a small counter aggregate and projection used by the
// backend test matrix.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjogeleit/event-store/core/es"
)

const MaxCount = 24

type (
	Counter struct {
		es.AggregateRoot

		Count          int `json:"count"`
		NumIncrements  int `json:"num_increments"`
		NumResets      int `json:"num_resets"`
		NumTotalEvents int `json:"num_total_events"`
	}

	Incremented struct {
		Inc   int  `json:"inc,omitempty"`
		Reset bool `json:"reset,omitempty"`
	}
)

var CounterType = es.NewAggregateType("counter", func() *Counter { return &Counter{} }, Incremented{})

func NewCounter(id string) *Counter { return CounterType.New(id) }

func (c *Counter) Apply(payload any) error {
	switch e := payload.(type) {
	case Incremented:
		c.NumTotalEvents++
		if e.Inc > 0 {
			c.Count += e.Inc
			c.NumIncrements++
		}
		if e.Reset {
			c.Count = 0
			c.NumResets++
		}
		return nil
	}
	return fmt.Errorf("unknown event: %T", payload)
}

// === Commands ===

func (c *Counter) Reset() error { return es.RecordThat(c, Incremented{Reset: true}) }
func (c *Counter) Inc() error   { return c.IncBy(1) }
func (c *Counter) IncBy(v int) error {
	if v <= 0 {
		return errors.New("increment must be positive")
	}
	if c.Count+v > MaxCount {
		return fmt.Errorf("counter cannot exceed %d", MaxCount)
	}
	return es.RecordThat(c, Incremented{Inc: v})
}

// === Projection ===

// Totals sums increments per counter.
type Totals struct {
	ByCounter map[string]int `json:"by_counter"`
	Events    int            `json:"events"`
}

const TotalsProjection = "counter_totals"

// ConfigureTotals projects stream into Totals.
func ConfigureTotals(stream string) func(p *es.Projector[Totals]) error {
	return func(p *es.Projector[Totals]) error {
		return errors.Join(
			p.Init(func() Totals { return Totals{ByCounter: map[string]int{}} }),
			p.FromStream(es.Stream{Name: stream}),
			p.When(es.On(es.Handlers[Totals]{}, func(_ context.Context, s Totals, e Incremented, ev es.Event) (Totals, error) {
				s.Events++
				if e.Reset {
					s.ByCounter[ev.AggregateID()] = 0
				} else {
					s.ByCounter[ev.AggregateID()] += e.Inc
				}
				return s, nil
			})),
		)
	}
}
