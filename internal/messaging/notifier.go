package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/flow"
	"github.com/lobikohealth/LobikoPipe/internal/store"
)

const (
	// DefaultSendTimeout bounds one outbound send.
	DefaultSendTimeout = 10 * time.Second
	// OutboxKindText is the outbox kind of a plain text message.
	OutboxKindText = "text"
)

// ErrDeliveryDeferred means the direct send failed and the message was queued
// in the outbox for retry.
var ErrDeliveryDeferred = errors.New("delivery deferred to outbox")

// Compile-time check that Notifier implements flow.Notifier.
var _ flow.Notifier = (*Notifier)(nil)

// textPayload is the outbox payload of OutboxKindText.
type textPayload struct {
	Body string `json:"body"`
}

// Notifier sends text through a Service with a timeout. Failed sends are
// queued in the outbox when one is configured.
type Notifier struct {
	service Service
	outbox  store.OutboxRepo
	timeout time.Duration
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithOutbox queues failed sends in repo.
func WithOutbox(repo store.OutboxRepo) NotifierOption {
	return func(n *Notifier) { n.outbox = repo }
}

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// NewNotifier creates a Notifier over service.
func NewNotifier(service Service, opts ...NotifierOption) *Notifier {
	n := &Notifier{service: service, timeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SendText delivers body to the user. When the send fails and an outbox is
// configured, the message is queued and the returned error wraps
// ErrDeliveryDeferred.
func (n *Notifier) SendText(ctx context.Context, to, body string) error {
	err := n.send(ctx, to, body)
	if err == nil {
		return nil
	}
	if n.outbox == nil {
		return err
	}

	payload, mErr := json.Marshal(textPayload{Body: body})
	if mErr != nil {
		return fmt.Errorf("encode outbox payload: %w", mErr)
	}
	id, qErr := n.outbox.EnqueueOutboxMessage(context.WithoutCancel(ctx), to, OutboxKindText, string(payload), "")
	if qErr != nil {
		slog.Error("Notifier.SendText: enqueue failed", "error", qErr, "to", to)
		return fmt.Errorf("send failed: %w (enqueue failed: %v)", err, qErr)
	}
	slog.Warn("Notifier.SendText: send failed, queued for retry", "error", err, "to", to, "outboxID", id)
	return fmt.Errorf("%w: %w", ErrDeliveryDeferred, err)
}

// Deliver sends one outbox message. It is the store.OutboxSendFunc of the
// outbox sender.
func (n *Notifier) Deliver(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindText {
		return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
	}
	var p textPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
	}
	return n.send(ctx, msg.Recipient, p.Body)
}

func (n *Notifier) send(ctx context.Context, to, body string) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.service.SendMessage(ctx, to, body); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}
