package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRegistrationTimeout is the sliding inactivity window of a conversation.
const DefaultRegistrationTimeout = time.Hour

// expiryOpTimeout bounds the store call made when a timer fires.
const expiryOpTimeout = 10 * time.Second

// ExpiryFunc is called once for every state removed by its expiry timer.
type ExpiryFunc func(ctx context.Context, expired ConversationState)

// ConversationStore couples a StateStore with per-user expiry timers. Each
// timer carries the version it was armed for, so a timer that outlived its
// state is a no-op.
type ConversationStore struct {
	states StateStore
	timer  *SimpleTimer
	ttl    time.Duration
	locks  *KeyedMutex

	mu       sync.Mutex
	armed    map[string]armedTimer
	onExpire ExpiryFunc
}

type armedTimer struct {
	id      string
	version int64
}

// ConversationStoreOption configures a ConversationStore.
type ConversationStoreOption func(*ConversationStore)

// WithTTL sets the inactivity window.
func WithTTL(ttl time.Duration) ConversationStoreOption {
	return func(c *ConversationStore) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithKeyLocks makes expiry take the same per-user lock as inbound handling.
func WithKeyLocks(locks *KeyedMutex) ConversationStoreOption {
	return func(c *ConversationStore) { c.locks = locks }
}

// WithExpiryHandler sets the callback run after a state expires.
func WithExpiryHandler(fn ExpiryFunc) ConversationStoreOption {
	return func(c *ConversationStore) { c.onExpire = fn }
}

// NewConversationStore wraps states with expiry handling.
func NewConversationStore(states StateStore, opts ...ConversationStoreOption) *ConversationStore {
	c := &ConversationStore{
		states: states,
		timer:  NewSimpleTimer(),
		ttl:    DefaultRegistrationTimeout,
		armed:  make(map[string]armedTimer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetExpiryHandler replaces the expiry callback.
func (c *ConversationStore) SetExpiryHandler(fn ExpiryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = fn
}

// TTL returns the inactivity window.
func (c *ConversationStore) TTL() time.Duration {
	return c.ttl
}

// Get returns the user's state or nil.
func (c *ConversationStore) Get(ctx context.Context, userID string) (*ConversationState, error) {
	return c.states.Get(ctx, userID)
}

// Put stores st (compare-and-swap on st.Version) and re-arms its expiry timer.
func (c *ConversationStore) Put(ctx context.Context, st *ConversationState) error {
	if err := c.states.Put(ctx, st); err != nil {
		return err
	}
	c.ScheduleExpiry(st.UserID, st.Version, c.ttl)
	return nil
}

// Remove deletes the user's state and cancels its timer. Idempotent.
func (c *ConversationStore) Remove(ctx context.Context, userID string) error {
	c.cancelTimer(userID)
	return c.states.Remove(ctx, userID)
}

// List returns every stored state.
func (c *ConversationStore) List(ctx context.Context) ([]ConversationState, error) {
	return c.states.List(ctx)
}

// ScheduleExpiry arms a one-shot timer for the state at version, replacing
// any timer already armed for the user.
func (c *ConversationStore) ScheduleExpiry(userID string, version int64, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.armed[userID]; ok {
		c.timer.Cancel(prev.id)
	}
	id, err := c.timer.ScheduleAfterWithDescription(d, "expiry "+userID, func() {
		c.expire(userID, version)
	})
	if err != nil {
		slog.Error("ConversationStore.ScheduleExpiry failed", "error", err, "userID", userID)
		delete(c.armed, userID)
		return
	}
	c.armed[userID] = armedTimer{id: id, version: version}
}

func (c *ConversationStore) cancelTimer(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.armed[userID]; ok {
		c.timer.Cancel(prev.id)
		delete(c.armed, userID)
	}
}

func (c *ConversationStore) expire(userID string, version int64) {
	if c.locks != nil {
		unlock := c.locks.Lock(userID)
		defer unlock()
	}

	c.mu.Lock()
	if cur, ok := c.armed[userID]; ok && cur.version == version {
		delete(c.armed, userID)
	}
	onExpire := c.onExpire
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), expiryOpTimeout)
	defer cancel()

	removed, err := c.states.RemoveIfVersion(ctx, userID, version)
	if err != nil {
		slog.Error("ConversationStore.expire: remove failed", "error", err, "userID", userID)
		return
	}
	if removed == nil {
		slog.Debug("ConversationStore.expire: stale timer ignored", "userID", userID, "version", version)
		return
	}
	slog.Info("ConversationStore.expire: conversation expired", "userID", userID, "step", removed.Step)
	if onExpire != nil {
		onExpire(ctx, *removed)
	}
}

// ActiveTimers lists the armed expiry timers.
func (c *ConversationStore) ActiveTimers() []TimerInfo {
	return c.timer.ListActive()
}

// Stop cancels every pending timer.
func (c *ConversationStore) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.Stop()
	c.armed = make(map[string]armedTimer)
}
