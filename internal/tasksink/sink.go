// Package tasksink defines an abstraction for task persistence. The
// task manager keeps every task in memory (internal/taskmgr); a Sink is
// an optional durable side-store a task is also written to, so the
// in-memory map can stay the source of truth for live status while
// still surviving a restart or feeding an external query layer.
//
// Grounded on the teacher's internal/logsink.LogSink: Save/SaveBatch/
// Close, with NoopSink/MultiSink implementations of the same shape.
package tasksink

import (
	"context"

	"github.com/zcyberseclab/vmm/internal/domain"
)

// Sink abstracts the destination for completed and in-flight tasks.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Save persists one task's current state.
	Save(ctx context.Context, task *domain.Task) error

	// SaveBatch persists several tasks in one round trip where the
	// backend supports it.
	SaveBatch(ctx context.Context, tasks []*domain.Task) error

	// Close releases any resources held by the sink.
	Close() error
}

// NoopSink discards every task. It is the default (spec.md §6
// "Persisted state: None required by the core").
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) Save(context.Context, *domain.Task) error       { return nil }
func (NoopSink) SaveBatch(context.Context, []*domain.Task) error { return nil }
func (NoopSink) Close() error                                    { return nil }

// MultiSink fans a task write out to every configured sink, continuing
// past a failing sink so one backend's outage doesn't block the others,
// and returning the first error encountered.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(primary Sink, secondary ...Sink) *MultiSink {
	sinks := make([]Sink, 0, 1+len(secondary))
	sinks = append(sinks, primary)
	sinks = append(sinks, secondary...)
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Save(ctx context.Context, task *domain.Task) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Save(ctx, task); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) SaveBatch(ctx context.Context, tasks []*domain.Task) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.SaveBatch(ctx, tasks); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
