package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/store"
)

// openSession registers a patient and walks them through "oui".
func openSession(t *testing.T, h *harness, given string) (*models.Patient, int64) {
	t.Helper()
	p := h.patients.add(phone, given)
	if out := h.send(t, phone, "Bonjour"); out.Kind != OutcomeConsultPrompted {
		t.Fatalf("Expected consultation prompt, got %+v", out)
	}
	out := h.send(t, phone, "Oui")
	if out.Kind != OutcomeSessionCreated || out.SessionID == 0 {
		t.Fatalf("Expected session created, got %+v", out)
	}
	return p, out.SessionID
}

func TestSessionConfirmationYes(t *testing.T) {
	h := newHarness(t)
	p, sid := openSession(t, h, "Marie")

	if out := h.notifier.messagesTo(phone); out[len(out)-1] != MsgSessionCreated {
		t.Errorf("Expected creation acknowledgment, got %q", out[len(out)-1])
	}
	if h.state(t, phone) != nil {
		t.Error("Expected confirmation state removed")
	}
	if n := h.sessions.openCount(p.ID); n != 1 {
		t.Errorf("Expected one open session, got %d", n)
	}
	msgs := h.sessions.messagesOf(sid)
	if len(msgs) != 1 || msgs[0].Sender.Kind != models.SenderBot {
		t.Errorf("Expected bot acknowledgment in transcript, got %+v", msgs)
	}
	if n := len(h.events.ofType(EventSessionOpened)); n != 1 {
		t.Errorf("Expected one session.opened event, got %d", n)
	}
}

func TestSessionConfirmationNoAndOther(t *testing.T) {
	h := newHarness(t)
	p := h.patients.add(phone, "Marie")

	h.send(t, phone, "Bonjour")
	out := h.send(t, phone, "peut-être")
	if out.Kind != OutcomeConsultReprompted || out.Reply != MsgConsultReprompt {
		t.Errorf("Expected reprompt, got %+v", out)
	}
	if st := h.state(t, phone); st == nil || st.Step != StepAwaitingConsultConfirmation {
		t.Fatalf("Expected confirmation state kept, got %+v", st)
	}

	out = h.send(t, phone, "NON")
	if out.Kind != OutcomeConsultDeclined || out.Reply != MsgConsultDeclined {
		t.Errorf("Expected decline, got %+v", out)
	}
	if h.state(t, phone) != nil {
		t.Error("Expected state removed after decline")
	}
	if h.sessions.openCount(p.ID) != 0 {
		t.Error("Expected no session")
	}

	h.send(t, phone, "Bonjour")
	out = h.send(t, phone, "stop")
	if out.Kind != OutcomeCancelled || out.Reply != MsgCancelled {
		t.Errorf("Expected cancellation, got %+v", out)
	}
}

func TestSessionAlreadyOpen(t *testing.T) {
	h := newHarness(t)
	p := h.patients.add(phone, "Marie")
	ctx := context.Background()
	existing, _, _ := h.sessions.CreateSessionIfAbsent(ctx, p.ID)
	if err := h.conversations.Put(ctx, NewConversationState(phone, StepAwaitingConsultConfirmation, time.Now())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	out := h.send(t, phone, "oui")
	if out.Kind != OutcomeSessionAlreadyOpen || out.Reply != MsgSessionAlreadyOpen {
		t.Errorf("Expected already-open reply, got %+v", out)
	}
	if out.SessionID != existing.ID || h.sessions.openCount(p.ID) != 1 {
		t.Errorf("Expected the existing session only")
	}
}

func TestSessionPatientMessagesRecorded(t *testing.T) {
	h := newHarness(t)
	p, sid := openSession(t, h, "Marie")
	before := len(h.notifier.messagesTo(phone))

	out := h.send(t, phone, "  J'ai de la fièvre depuis hier ")
	if out.Kind != OutcomeMessageRecorded || out.SessionID != sid {
		t.Fatalf("Expected message recorded, got %+v", out)
	}
	msgs := h.sessions.messagesOf(sid)
	last := msgs[len(msgs)-1]
	if last.Content != "J'ai de la fièvre depuis hier" || last.Sender != models.PatientSender(p.ID) {
		t.Errorf("Unexpected transcript entry %+v", last)
	}
	if len(h.notifier.messagesTo(phone)) != before {
		t.Error("Expected no automatic reply inside a session")
	}
	if n := len(h.events.ofType(EventMessageReceived)); n != 1 {
		t.Errorf("Expected one message.received event, got %d", n)
	}

	// "oui" inside a session is just text.
	if out := h.send(t, phone, "oui"); out.Kind != OutcomeMessageRecorded {
		t.Errorf("Expected recorded, got %s", out.Kind)
	}
}

func TestSessionCancelKeywordsAreTranscriptText(t *testing.T) {
	h := newHarness(t)
	p, sid := openSession(t, h, "Marie")
	before := len(h.sessions.messagesOf(sid))
	replies := len(h.notifier.messagesTo(phone))

	for _, body := range []string{"stop", "Annuler", "cancel"} {
		out := h.send(t, phone, body)
		if out.Kind != OutcomeMessageRecorded || out.SessionID != sid {
			t.Errorf("Expected %q recorded in the session, got %+v", body, out)
		}
	}

	msgs := h.sessions.messagesOf(sid)
	if len(msgs) != before+3 {
		t.Fatalf("Expected %d transcript messages, got %d", before+3, len(msgs))
	}
	if last := msgs[len(msgs)-1]; last.Content != "cancel" || last.Sender != models.PatientSender(p.ID) {
		t.Errorf("Unexpected transcript entry %+v", last)
	}
	if n := len(h.events.ofType(EventMessageReceived)); n != 3 {
		t.Errorf("Expected three message.received events, got %d", n)
	}
	if h.sessions.openCount(p.ID) != 1 {
		t.Error("Expected the session to stay open")
	}
	if len(h.notifier.messagesTo(phone)) != replies {
		t.Error("Expected no automatic reply inside a session")
	}
}

func TestRegisteredPatientStopWithoutSessionIsNoOp(t *testing.T) {
	h := newHarness(t)
	p := h.patients.add(phone, "Marie")

	out := h.send(t, phone, "stop")
	if out.Kind != OutcomeIgnored || out.Reply != "" {
		t.Errorf("Expected ignored stop, got %+v", out)
	}
	if h.state(t, phone) != nil {
		t.Error("Expected no confirmation state from a bare stop")
	}
	if h.sessions.openCount(p.ID) != 0 {
		t.Error("Expected no session")
	}
	if n := len(h.notifier.messagesTo(phone)); n != 0 {
		t.Errorf("Expected no reply, got %d", n)
	}
}

func TestSessionMediaRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	media := &models.MediaDescriptor{Type: "image", Ref: "wamid.media.1", MimeType: "image/jpeg", FileName: "photo.jpg"}

	p := h.patients.add(phone, "Marie")
	out, _ := h.coord.HandleInbound(ctx, models.Response{From: phone, Media: media})
	if out.Kind != OutcomeIgnored {
		t.Errorf("Expected media without a session ignored, got %s", out.Kind)
	}
	if h.state(t, phone) != nil {
		t.Error("Expected no confirmation state from media")
	}

	h.send(t, phone, "Bonjour")
	sid := h.send(t, phone, "oui").SessionID

	out, _ = h.coord.HandleInbound(ctx, models.Response{From: phone, Body: "ma radio", Media: media})
	if out.Kind != OutcomeMediaRecorded {
		t.Fatalf("Expected media recorded, got %+v", out)
	}
	if len(h.sessions.media) != 1 {
		t.Fatalf("Expected one media entry, got %d", len(h.sessions.media))
	}
	m := h.sessions.media[0]
	if m.SessionID != sid || m.MediaRef != "wamid.media.1" || m.Caption != "ma radio" || m.Sender != models.PatientSender(p.ID) {
		t.Errorf("Unexpected media entry %+v", m)
	}
	if n := len(h.events.ofType(EventMediaReceived)); n != 1 {
		t.Errorf("Expected one media.received event, got %d", n)
	}
}

func TestSessionPatientStop(t *testing.T) {
	t.Run("unassigned", func(t *testing.T) {
		h := newHarness(t)
		p, sid := openSession(t, h, "Marie")
		out := h.send(t, phone, "Stop consultation")
		if out.Kind != OutcomeSessionClosed || out.Reply != MsgSessionClosedByPatient {
			t.Fatalf("Expected closure, got %+v", out)
		}
		cs, _ := h.sessions.GetSession(context.Background(), sid)
		if cs.IsOpen() || cs.CancelledAt == nil {
			t.Errorf("Expected cancelled session, got %+v", cs)
		}
		if h.sessions.openCount(p.ID) != 0 {
			t.Error("Expected no open session")
		}
	})

	t.Run("assigned", func(t *testing.T) {
		h := newHarness(t)
		h.physicians[7] = &models.Physician{ID: 7, Name: "Mukendi"}
		_, sid := openSession(t, h, "Marie")
		if _, err := h.manager.PhysicianReply(context.Background(), sid, 7, "Bonjour"); err != nil {
			t.Fatalf("PhysicianReply failed: %v", err)
		}
		h.send(t, phone, "arrêter consultation")
		cs, _ := h.sessions.GetSession(context.Background(), sid)
		if cs.IsOpen() || cs.CancelledAt != nil {
			t.Errorf("Expected closed, not cancelled, got %+v", cs)
		}
		if n := len(h.events.ofType(EventSessionClosed)); n != 1 {
			t.Errorf("Expected one session.closed event, got %d", n)
		}
	})
}

func TestPhysicianReply(t *testing.T) {
	h := newHarness(t)
	h.physicians[7] = &models.Physician{ID: 7, Name: "Mukendi"}
	h.physicians[8] = &models.Physician{ID: 8, Name: "Ilunga"}
	_, sid := openSession(t, h, "Marie")
	ctx := context.Background()

	msg, err := h.manager.PhysicianReply(ctx, sid, 7, " Prenez du paracétamol. ")
	if err != nil {
		t.Fatalf("PhysicianReply failed: %v", err)
	}
	if msg.Sender != models.PhysicianSender(7) || msg.Content != "Prenez du paracétamol." {
		t.Errorf("Unexpected message %+v", msg)
	}
	sent := h.notifier.messagesTo(phone)
	if sent[len(sent)-1] != "Prenez du paracétamol." {
		t.Errorf("Expected raw text relayed, got %q", sent[len(sent)-1])
	}
	cs, _ := h.sessions.GetSession(ctx, sid)
	if cs.PhysicianID == nil || *cs.PhysicianID != 7 {
		t.Errorf("Expected session claimed by 7, got %v", cs.PhysicianID)
	}
	if cs.Status() != models.SessionStatusInProgress {
		t.Errorf("Expected IN_PROGRESS, got %s", cs.Status())
	}

	if _, err := h.manager.PhysicianReply(ctx, sid, 8, "Bonjour"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.manager.PhysicianReply(ctx, 999, 7, "Bonjour"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.manager.PhysicianReply(ctx, sid, 42, "Bonjour"); !errors.Is(err, ErrPhysicianNotFound) {
		t.Errorf("Expected ErrPhysicianNotFound, got %v", err)
	}
	if n := len(h.events.ofType(EventMessageSent)); n != 1 {
		t.Errorf("Expected one message.sent event, got %d", n)
	}
}

func TestPhysicianVideoCall(t *testing.T) {
	h := newHarness(t)
	h.physicians[7] = &models.Physician{ID: 7, Name: "Mukendi"}
	h.physicians[8] = &models.Physician{ID: 8, Name: "Ilunga"}
	p, sid := openSession(t, h, "Marie")
	ctx := context.Background()

	msg, err := h.manager.PhysicianVideoCall(ctx, sid, 7)
	if err != nil {
		t.Fatalf("PhysicianVideoCall failed: %v", err)
	}
	if msg.Sender != models.PhysicianSender(7) {
		t.Errorf("Expected physician sender, got %+v", msg.Sender)
	}
	prefix := fmt.Sprintf("%sconsult-7-%d-", DefaultVideoBaseURL, p.ID)
	if !strings.Contains(msg.Content, prefix) || !strings.Contains(msg.Content, "Dr%20Mukendi") {
		t.Errorf("Expected room link %s... for Dr Mukendi, got %q", prefix, msg.Content)
	}
	sent := h.notifier.messagesTo(phone)
	if sent[len(sent)-1] != msg.Content {
		t.Errorf("Expected invite relayed to patient, got %q", sent[len(sent)-1])
	}
	msgs := h.sessions.messagesOf(sid)
	if last := msgs[len(msgs)-1]; last.Content != msg.Content {
		t.Errorf("Expected invite recorded in transcript, got %+v", last)
	}

	again, err := h.manager.PhysicianVideoCall(ctx, sid, 7)
	if err != nil {
		t.Fatalf("second PhysicianVideoCall failed: %v", err)
	}
	if again.Content == msg.Content {
		t.Error("Expected a fresh room for each call")
	}

	if _, err := h.manager.PhysicianVideoCall(ctx, sid, 8); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.manager.PhysicianClose(ctx, sid, 7); err != nil {
		t.Fatalf("PhysicianClose failed: %v", err)
	}
	if _, err := h.manager.PhysicianVideoCall(ctx, sid, 7); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestPhysicianClose(t *testing.T) {
	h := newHarness(t)
	h.physicians[7] = &models.Physician{ID: 7, Name: "Mukendi"}
	h.physicians[8] = &models.Physician{ID: 8, Name: "Ilunga"}
	p, sid := openSession(t, h, "Marie")
	ctx := context.Background()

	cs, err := h.manager.PhysicianClose(ctx, sid, 7)
	if err != nil {
		t.Fatalf("PhysicianClose failed: %v", err)
	}
	if cs.EndTime == nil || cs.Status() != models.SessionStatusClosed {
		t.Errorf("Expected closed session, got %+v", cs)
	}
	notice := PhysicianClosedNotice("Mukendi")
	if h.notifier.count(phone, notice) != 1 {
		t.Error("Expected the closing notice sent once")
	}
	msgs := h.sessions.messagesOf(sid)
	if last := msgs[len(msgs)-1]; last.Content != notice || last.Sender != models.PhysicianSender(7) {
		t.Errorf("Expected notice recorded as physician message, got %+v", last)
	}

	if _, err := h.manager.PhysicianClose(ctx, sid, 7); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if _, err := h.manager.PhysicianReply(ctx, sid, 8, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	// The next message offers a new consultation.
	if out := h.send(t, phone, "Bonjour"); out.Kind != OutcomeConsultPrompted {
		t.Errorf("Expected consultation prompt after closure, got %s", out.Kind)
	}
	if h.sessions.openCount(p.ID) != 0 {
		t.Error("Expected no open session")
	}
}

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "flow_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(dir, "flow.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Two processes share the database; both hold a confirmation state for the
// same patient and receive "oui" at the same time.
func TestConcurrentConfirmationsOpenOneSession(t *testing.T) {
	db := newSQLiteStore(t)
	ctx := context.Background()

	patient := &models.Patient{
		Phone: phone, WhatsAppID: phone, LastName: "Dupont", MiddleName: "Kabasele", GivenName: "Jean",
		Sex: "H", BirthDate: time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC), MaritalStatus: "Marié(e)", District: "Gombe",
	}
	if err := db.CreatePatient(ctx, patient); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}

	const workers = 4
	managers := make([]*SessionManager, workers)
	states := make([]*ConversationState, workers)
	for i := range managers {
		conv := NewConversationStore(NewMemoryStateStore())
		t.Cleanup(conv.Stop)
		st := NewConversationState(phone, StepAwaitingConsultConfirmation, time.Now())
		if err := conv.Put(ctx, st); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		states[i] = st
		managers[i] = NewSessionManager(db, db, db, conv, &recordingNotifier{}, nil)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[OutcomeKind]int{}
	)
	for i := range managers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := managers[i].HandlePatientMessage(ctx, patient, states[i], models.Response{From: phone, Body: "oui"})
			if err != nil {
				t.Errorf("HandlePatientMessage failed: %v", err)
			}
			mu.Lock()
			outcomes[out.Kind]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if outcomes[OutcomeSessionCreated] != 1 {
		t.Errorf("Expected exactly one session created, got %v", outcomes)
	}
	if outcomes[OutcomeSessionAlreadyOpen] != workers-1 {
		t.Errorf("Expected the others to see the open session, got %v", outcomes)
	}
	open, err := db.GetOpenSession(ctx, patient.ID)
	if err != nil || open == nil {
		t.Fatalf("Expected an open session, got %v %v", open, err)
	}
}
