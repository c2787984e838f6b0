package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// Mock recoverable for testing
type mockRecoverable struct {
	name          string
	recoverError  error
	recoverCalled bool
	order         *[]string
}

func (m *mockRecoverable) RecoverState(ctx context.Context) error {
	m.recoverCalled = true
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	return m.recoverError
}

type mockRunner struct{ calls int }

func (m *mockRunner) RecoverStaleJobs(ctx context.Context) error {
	m.calls++
	return nil
}

func TestRecoveryManager_RecoverAll_Success(t *testing.T) {
	manager := NewRecoveryManager()
	var order []string
	mock1 := &mockRecoverable{name: "jobs", order: &order}
	mock2 := &mockRecoverable{name: "sessions", order: &order}

	manager.RegisterRecoverable(mock1.name, mock1)
	manager.RegisterRecoverable(mock2.name, mock2)

	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}
	if fmt.Sprint(order) != "[jobs sessions]" {
		t.Errorf("components ran out of order: %v", order)
	}
}

func TestRecoveryManager_RecoverAll_WithErrors(t *testing.T) {
	manager := NewRecoveryManager()
	cause := errors.New("recovery failed")
	mock1 := &mockRecoverable{name: "mock1", recoverError: cause}
	mock2 := &mockRecoverable{name: "mock2"}

	manager.RegisterRecoverable(mock1.name, mock1)
	manager.RegisterRecoverable(mock2.name, mock2)

	err := manager.RecoverAll(context.Background())
	if !errors.Is(err, cause) {
		t.Errorf("expected joined error to wrap the cause, got %v", err)
	}
	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("All recoverables should be called despite errors")
	}
}

func TestRecoveryManager_RecoverAll_CancelledContext(t *testing.T) {
	manager := NewRecoveryManager()
	mock := &mockRecoverable{name: "mock"}
	manager.RegisterRecoverable(mock.name, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if mock.recoverCalled {
		t.Error("no component should run after cancellation")
	}
}

func TestJobsAdapter(t *testing.T) {
	runner := &mockRunner{}
	manager := NewRecoveryManager()
	manager.RegisterRecoverable("jobs", Jobs(runner))
	manager.RegisterRecoverable("noop", Func(func(ctx context.Context) error { return nil }))

	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("expected RecoverStaleJobs once, got %d", runner.calls)
	}
}

func TestRecoveryManager_Empty(t *testing.T) {
	if err := NewRecoveryManager().RecoverAll(context.Background()); err != nil {
		t.Errorf("empty manager should succeed, got %v", err)
	}
}
