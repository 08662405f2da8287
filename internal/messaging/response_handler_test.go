package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/flow"
	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/twiliowhatsapp"
)

type recordingHandler struct {
	mu       sync.Mutex
	received []models.Response
	delay    time.Duration
	err      error
	active   int
	maxSeen  int
}

func (h *recordingHandler) HandleInbound(_ context.Context, msg models.Response) (flow.Outcome, error) {
	h.mu.Lock()
	h.active++
	if h.active > h.maxSeen {
		h.maxSeen = h.active
	}
	h.mu.Unlock()

	time.Sleep(h.delay)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.active--
	h.received = append(h.received, msg)
	return flow.Outcome{Kind: flow.OutcomeMessageRecorded}, h.err
}

func (h *recordingHandler) bodiesFrom(from string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.received {
		if r.From == from {
			out = append(out, r.Body)
		}
	}
	return out
}

func TestProcessResponseCanonicalizesSender(t *testing.T) {
	h := &recordingHandler{}
	rh := NewResponseHandler(h)

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "whatsapp:+243 81 000 0001", Body: "oui"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if got := h.bodiesFrom("+243810000001"); len(got) != 1 {
		t.Errorf("Expected message under canonical sender, got %+v", h.received)
	}

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "oui"}); err == nil {
		t.Error("Expected invalid sender rejected")
	}
}

func TestProcessResponseReturnsHandlerError(t *testing.T) {
	h := &recordingHandler{err: errors.New("boom")}
	rh := NewResponseHandler(h)
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+243810000001", Body: "oui"}); err == nil {
		t.Error("Expected handler error returned")
	}
}

func TestResponseHandlerDropsDuplicates(t *testing.T) {
	db := newSQLiteStore(t)
	h := &recordingHandler{}
	rh := NewResponseHandler(h, WithDedup(db))
	ctx := context.Background()

	msg := models.Response{From: "+243810000001", Body: "oui", MessageID: "SM1"}
	for i := 0; i < 3; i++ {
		if err := rh.ProcessResponse(ctx, msg); err != nil {
			t.Fatalf("ProcessResponse failed: %v", err)
		}
	}
	if got := h.bodiesFrom("+243810000001"); len(got) != 1 {
		t.Errorf("Expected duplicate deliveries dropped, handled %d", len(got))
	}

	// Messages without a provider id are never deduplicated.
	msg.MessageID = ""
	rh.ProcessResponse(ctx, msg)
	rh.ProcessResponse(ctx, msg)
	if got := h.bodiesFrom("+243810000001"); len(got) != 3 {
		t.Errorf("Expected 3 handled messages, got %d", len(got))
	}
}

func TestDispatchKeepsPerSenderOrder(t *testing.T) {
	h := &recordingHandler{delay: 5 * time.Millisecond}
	rh := NewResponseHandler(h, WithMaxConcurrency(4))
	ctx := context.Background()

	want := []string{"1", "2", "3", "4", "5", "6"}
	for _, body := range want {
		rh.Dispatch(ctx, models.Response{From: "+243810000001", Body: body})
		rh.Dispatch(ctx, models.Response{From: "+243820000002", Body: body})
	}
	rh.Wait()

	for _, from := range []string{"+243810000001", "+243820000002"} {
		got := h.bodiesFrom(from)
		if len(got) != len(want) {
			t.Fatalf("Expected %d messages from %s, got %d", len(want), from, len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Expected order %v from %s, got %v", want, from, got)
				break
			}
		}
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	h := &recordingHandler{delay: 20 * time.Millisecond}
	rh := NewResponseHandler(h, WithMaxConcurrency(2))
	ctx := context.Background()

	for _, from := range []string{"+243810000001", "+243810000002", "+243810000003", "+243810000004", "+243810000005"} {
		rh.Dispatch(ctx, models.Response{From: from, Body: "oui"})
	}
	rh.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.received) != 5 {
		t.Errorf("Expected 5 messages handled, got %d", len(h.received))
	}
	if h.maxSeen > 2 {
		t.Errorf("Expected at most 2 concurrent handlers, saw %d", h.maxSeen)
	}
}

func TestResponseHandlerStartConsumesService(t *testing.T) {
	h := &recordingHandler{}
	rh := NewResponseHandler(h)
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rh.Start(context.Background(), svc)

	svc.events.emitResponse(models.Response{From: "+243810000001", Body: "Bonjour"})
	if err := svc.SendMessage(context.Background(), "+243810000001", "Bienvenue"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.bodiesFrom("+243810000001")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()
	rh.Wait()

	if got := h.bodiesFrom("+243810000001"); len(got) != 1 || got[0] != "Bonjour" {
		t.Errorf("Expected inbound message handled, got %v", got)
	}
	if len(svc.Receipts()) != 0 {
		t.Error("Expected receipts drained")
	}
}
