package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimerInfo describes an active timer.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// SimpleTimer runs one-shot callbacks on top of time.AfterFunc and keeps
// track of them so they can be cancelled and listed.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	slog.Debug("Creating SimpleTimer")
	return &SimpleTimer{
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules fn to run after delay and returns the timer ID.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	return t.schedule(delay, fmt.Sprintf("Timer scheduled for %v", delay), fn)
}

// ScheduleAfterWithDescription is ScheduleAfter with a label shown by ListActive.
func (t *SimpleTimer) ScheduleAfterWithDescription(delay time.Duration, description string, fn func()) (string, error) {
	return t.schedule(delay, description, fn)
}

func (t *SimpleTimer) schedule(delay time.Duration, description string, fn func()) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("timer callback is nil")
	}
	if delay < 0 {
		delay = 0
	}

	// The entry is registered before the lock is released so a zero delay
	// callback always finds (and removes) it.
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	now := time.Now()

	timer := time.AfterFunc(delay, func() {
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	t.timers[id] = &timerEntry{
		timer:       timer,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: description,
	}

	slog.Debug("SimpleTimer ScheduleAfter succeeded", "id", id, "delay", delay)
	return id, nil
}

// Cancel stops a scheduled function. Unknown IDs are ignored. Returns true if
// the timer was stopped before firing.
func (t *SimpleTimer) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.timers[id]
	if !exists {
		slog.Debug("SimpleTimer Cancel: timer not found", "id", id)
		return false
	}
	delete(t.timers, id)
	stopped := entry.timer.Stop()
	slog.Debug("SimpleTimer Cancel succeeded", "id", id, "stopped", stopped)
	return stopped
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	slog.Debug("SimpleTimer stopping all timers", "count", len(t.timers))
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	t.timers = make(map[string]*timerEntry)
	slog.Info("SimpleTimer stopped all timers")
}

// ListActive returns information about all active timers.
func (t *SimpleTimer) ListActive() []TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]TimerInfo, 0, len(t.timers))
	now := time.Now()
	for id, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, TimerInfo{
			ID:          id,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.String(),
			Description: entry.description,
		})
	}
	return result
}
