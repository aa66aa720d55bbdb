package tasksink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
)

type fakeSink struct {
	saveErr  error
	saved    []*domain.Task
	closed   bool
	closeErr error
}

func (f *fakeSink) Save(_ context.Context, task *domain.Task) error {
	f.saved = append(f.saved, task)
	return f.saveErr
}

func (f *fakeSink) SaveBatch(ctx context.Context, tasks []*domain.Task) error {
	for _, t := range tasks {
		if err := f.Save(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return f.closeErr
}

func testTask(id string) *domain.Task {
	return &domain.Task{TaskID: id, Status: domain.TaskPending, CreatedAt: time.Now()}
}

func TestNoopSink_DiscardsEverything(t *testing.T) {
	s := NewNoopSink()
	if err := s.Save(context.Background(), testTask("t1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SaveBatch(context.Background(), []*domain.Task{testTask("t1")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMultiSink_FansOutToEverySink(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	m := NewMultiSink(a, b)

	task := testTask("t1")
	if err := m.Save(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.saved) != 1 || len(b.saved) != 1 {
		t.Fatalf("expected both sinks to receive the save, got a=%d b=%d", len(a.saved), len(b.saved))
	}
}

func TestMultiSink_ContinuesPastAFailingSinkAndReturnsFirstError(t *testing.T) {
	failing := &fakeSink{saveErr: errors.New("boom")}
	healthy := &fakeSink{}
	m := NewMultiSink(failing, healthy)

	err := m.Save(context.Background(), testTask("t1"))
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected the first sink's error, got %v", err)
	}
	if len(healthy.saved) != 1 {
		t.Fatalf("expected the healthy sink to still receive the save, got %d", len(healthy.saved))
	}
}

func TestMultiSink_CloseClosesEverySinkEvenIfOneFails(t *testing.T) {
	failing := &fakeSink{closeErr: errors.New("close failed")}
	healthy := &fakeSink{}
	m := NewMultiSink(failing, healthy)

	if err := m.Close(); err == nil {
		t.Fatalf("expected the first close error to propagate")
	}
	if !healthy.closed {
		t.Fatalf("expected the healthy sink to still be closed")
	}
}
