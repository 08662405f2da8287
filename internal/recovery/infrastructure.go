package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/flow"
	"github.com/lobikohealth/LobikoPipe/internal/store"
)

const (
	// DefaultDedupRetention is how long inbound message ids are remembered.
	DefaultDedupRetention = 7 * 24 * time.Hour
	// DefaultDedupPurgeInterval is how often a running process purges them.
	DefaultDedupPurgeInterval = time.Hour
)

// RecoverConversationTimers re-arms the expiry timer of every stored
// conversation with the time left in its inactivity window. Overdue states
// get a zero delay and expire right away, with the usual timeout notice.
func RecoverConversationTimers(ctx context.Context, conv *flow.ConversationStore, now time.Time) (int, error) {
	states, err := conv.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list conversation states: %w", err)
	}
	for _, st := range states {
		remaining := conv.TTL() - now.Sub(st.UpdatedAt)
		if remaining < 0 {
			remaining = 0
		}
		conv.ScheduleExpiry(st.UserID, st.Version, remaining)
		slog.Debug("Recovering conversation timer", "userID", st.UserID, "step", st.Step, "remaining", remaining)
	}
	return len(states), nil
}

// ConversationTimers recovers conversation expiry timers.
type ConversationTimers struct {
	Conversations *flow.ConversationStore
	Now           func() time.Time
}

func (c ConversationTimers) Name() string { return "conversation-timers" }

func (c ConversationTimers) Recover(ctx context.Context) error {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	n, err := RecoverConversationTimers(ctx, c.Conversations, now())
	if err != nil {
		return err
	}
	slog.Info("Recovered conversation timers", "count", n)
	return nil
}

// StaleOutbox requeues outbox messages a crashed process left in sending.
type StaleOutbox struct {
	Sender *store.OutboxSender
}

func (s StaleOutbox) Name() string { return "outbox" }

func (s StaleOutbox) Recover(ctx context.Context) error {
	return s.Sender.RecoverStaleMessages(ctx)
}

// DedupPurge forgets inbound message ids older than Retention.
type DedupPurge struct {
	Repo      store.DedupRepo
	Retention time.Duration
}

func (d DedupPurge) Name() string { return "inbound-dedup" }

func (d DedupPurge) Recover(ctx context.Context) error {
	retention := d.Retention
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	n, err := d.Repo.PurgeInboundBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Purged inbound dedup records", "count", n)
	}
	return nil
}

// Run purges on every tick of interval until ctx is cancelled. Startup
// recovery covers the first purge.
func (d DedupPurge) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDedupPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Recover(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Periodic dedup purge failed", "error", err)
			}
		}
	}
}
