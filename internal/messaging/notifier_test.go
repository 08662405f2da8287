package messaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/store"
	"github.com/lobikohealth/LobikoPipe/internal/twiliowhatsapp"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "messaging_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(dir, "messaging.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// blockingSender waits for the context to end.
type blockingSender struct{}

func (blockingSender) SendMessage(ctx context.Context, to, body string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNotifierSendText(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	n := NewNotifier(NewTwilioService(mock))

	if err := n.SendText(context.Background(), "+243810000001", "Bonjour"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].Body != "Bonjour" {
		t.Errorf("Unexpected sent messages %+v", sent)
	}
}

func TestNotifierTimeout(t *testing.T) {
	n := NewNotifier(NewTwilioService(blockingSender{}), WithSendTimeout(30*time.Millisecond))

	start := time.Now()
	err := n.SendText(context.Background(), "+243810000001", "Bonjour")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected send bounded by timeout, took %v", elapsed)
	}
}

func TestNotifierQueuesFailedSends(t *testing.T) {
	db := newSQLiteStore(t)
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("twilio unavailable")
	n := NewNotifier(NewTwilioService(mock), WithOutbox(db))
	ctx := context.Background()

	err := n.SendText(ctx, "+243810000001", "Votre session est ouverte")
	if !errors.Is(err, ErrDeliveryDeferred) {
		t.Fatalf("Expected ErrDeliveryDeferred, got %v", err)
	}

	queued, err := db.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("Expected 1 queued message, got %d", len(queued))
	}
	msg := queued[0]
	if msg.Recipient != "+243810000001" || msg.Kind != OutboxKindText {
		t.Errorf("Unexpected outbox message %+v", msg)
	}

	// The provider recovers; the outbox sender delivers through Deliver.
	mock.Err = nil
	if err := n.Deliver(ctx, msg); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].Body != "Votre session est ouverte" {
		t.Errorf("Expected queued body delivered, got %+v", sent)
	}
}

func TestNotifierDeliverRejectsUnknownKind(t *testing.T) {
	n := NewNotifier(NewTwilioService(twiliowhatsapp.NewMockClient()))
	err := n.Deliver(context.Background(), store.OutboxMessage{ID: "o1", Kind: "template", PayloadJSON: `{}`})
	if err == nil {
		t.Error("Expected unknown kind rejected")
	}
	err = n.Deliver(context.Background(), store.OutboxMessage{ID: "o2", Kind: OutboxKindText, PayloadJSON: `not json`})
	if err == nil {
		t.Error("Expected malformed payload rejected")
	}
}

func TestOutboxSenderUsesNotifier(t *testing.T) {
	db := newSQLiteStore(t)
	mock := twiliowhatsapp.NewMockClient()
	n := NewNotifier(NewTwilioService(mock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := db.EnqueueOutboxMessage(ctx, "+243810000001", OutboxKindText, `{"body":"Rappel"}`, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	sender := store.NewOutboxSender(db, n.Deliver, 20*time.Millisecond)
	go sender.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(mock.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].Body != "Rappel" {
		t.Errorf("Expected outbox message delivered, got %+v", sent)
	}
}
