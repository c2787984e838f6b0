// Package recovery restores in-flight work when BookingPipe restarts.
//
// Components register in the order they must run: jobs stranded in the
// running state are requeued before sessions re-enqueue the jobs they need,
// so the dedupe keys of requeued jobs win.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component that can restore its state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// Func adapts a function to Recoverable.
type Func func(ctx context.Context) error

// RecoverState calls f.
func (f Func) RecoverState(ctx context.Context) error { return f(ctx) }

// StaleJobRecoverer requeues durable jobs whose runner died mid-execution.
type StaleJobRecoverer interface {
	RecoverStaleJobs(ctx context.Context) error
}

// Jobs adapts a job runner to Recoverable.
func Jobs(r StaleJobRecoverer) Recoverable {
	return Func(r.RecoverStaleJobs)
}

type component struct {
	name string
	r    Recoverable
}

// RecoveryManager runs registered components in registration order.
type RecoveryManager struct {
	components []component
}

// NewRecoveryManager creates an empty recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component under name.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.components = append(rm.components, component{name: name, r: r})
}

// RecoverAll runs every component. A failing component does not stop the
// rest; the returned error joins every failure.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.components))

	var errs []error
	for _, c := range rm.components {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("recovery interrupted before %s: %w", c.name, err))
			break
		}
		start := time.Now()
		if err := c.r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("recover %s: %w", c.name, err))
			continue
		}
		slog.Debug("RecoveryManager.RecoverAll: component recovered", "component", c.name, "elapsed", time.Since(start))
	}

	slog.Info("RecoveryManager.RecoverAll: recovery completed", "components", len(rm.components), "errors", len(errs))
	return errors.Join(errs...)
}
