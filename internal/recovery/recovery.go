// Package recovery restores in-memory machinery after a restart: expiry timers
// of persisted conversations, outbox messages stuck in sending and old dedup
// records. Each concern is a Recoverable run once at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that restores its state at startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover is called once during application startup.
	Recover(ctx context.Context) error
}

// RecoveryManager runs every registered component.
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates an empty manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll recovers every component. A failing component does not stop the
// others; the returned error counts the failures.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, r := range rm.recoverables {
		if err := r.Recover(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", r.Name())
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}
