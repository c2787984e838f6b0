package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerAddTask(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddTask("export", "* * * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding task, got %v", err)
	}
	if err := s.AddTask("sweep", "@every 1m", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if s.Entries() != 2 {
		t.Errorf("expected 2 entries, got %d", s.Entries())
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddTask("bad", "not a cron", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid expression")
	}
	if s.Entries() != 0 {
		t.Errorf("invalid task must not be scheduled")
	}
}

func TestRunAppliesTimeout(t *testing.T) {
	s := NewScheduler(WithTaskTimeout(10 * time.Millisecond))
	defer s.Stop()
	done := make(chan error, 1)
	s.run("slow", func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled")
	}
}

func TestStopCancelsTasks(t *testing.T) {
	s := NewScheduler()
	s.Stop()
	if s.ctx.Err() == nil {
		t.Error("expected scheduler context to be cancelled after Stop")
	}
}
