package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/store"
)

type sentText struct {
	to   string
	body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentText
	err  error
}

func (n *recordingNotifier) SendText(_ context.Context, to, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentText{to: to, body: body})
	return n.err
}

func (n *recordingNotifier) messagesTo(to string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.to == to {
			out = append(out, s.body)
		}
	}
	return out
}

func (n *recordingNotifier) count(to, body string) int {
	c := 0
	for _, m := range n.messagesTo(to) {
		if m == body {
			c++
		}
	}
	return c
}

type memoryPatients struct {
	mu        sync.Mutex
	byPhone   map[string]*models.Patient
	nextID    int64
	createErr error
	creates   int
}

func newMemoryPatients() *memoryPatients {
	return &memoryPatients{byPhone: make(map[string]*models.Patient)}
}

func (r *memoryPatients) GetPatientByPhone(_ context.Context, phone string) (*models.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPhone[phone]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *memoryPatients) GetPatient(_ context.Context, id int64) (*models.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byPhone {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryPatients) CreatePatient(_ context.Context, p *models.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.byPhone[p.Phone]; ok {
		return fmt.Errorf("patient with phone %s: %w", p.Phone, store.ErrDuplicate)
	}
	r.nextID++
	p.ID = r.nextID
	p.CreatedAt = time.Now()
	cp := *p
	r.byPhone[p.Phone] = &cp
	r.creates++
	return nil
}

func (r *memoryPatients) add(phone, givenName string) *models.Patient {
	p := &models.Patient{Phone: phone, GivenName: givenName, LastName: "Test"}
	if err := r.CreatePatient(context.Background(), p); err != nil {
		panic(err)
	}
	return p
}

type memorySessions struct {
	mu       sync.Mutex
	sessions map[int64]*models.ConsultationSession
	messages []models.Message
	media    []models.MediaMessage
	nextID   int64
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: make(map[int64]*models.ConsultationSession)}
}

func (r *memorySessions) GetOpenSession(_ context.Context, patientID int64) (*models.ConsultationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.PatientID == patientID && s.IsOpen() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memorySessions) CreateSessionIfAbsent(_ context.Context, patientID int64) (*models.ConsultationSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.PatientID == patientID && s.IsOpen() {
			cp := *s
			return &cp, false, nil
		}
	}
	r.nextID++
	s := &models.ConsultationSession{ID: r.nextID, PatientID: patientID, StartTime: time.Now()}
	r.sessions[s.ID] = s
	cp := *s
	return &cp, true, nil
}

func (r *memorySessions) GetSession(_ context.Context, id int64) (*models.ConsultationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *memorySessions) CloseSession(_ context.Context, id int64, at time.Time, cancelled bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsOpen() {
		return false, nil
	}
	s.EndTime = &at
	if cancelled {
		s.CancelledAt = &at
	}
	return true, nil
}

func (r *memorySessions) AssignPhysician(_ context.Context, sessionID, physicianID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsOpen() || s.PhysicianID != nil {
		return false, nil
	}
	id := physicianID
	s.PhysicianID = &id
	return true, nil
}

func (r *memorySessions) AppendMessage(_ context.Context, m *models.Message) error {
	if !m.Sender.Valid() {
		return errors.New("invalid sender")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = int64(len(r.messages) + 1)
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	r.messages = append(r.messages, *m)
	return nil
}

func (r *memorySessions) AppendMedia(_ context.Context, m *models.MediaMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = int64(len(r.media) + 1)
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	r.media = append(r.media, *m)
	return nil
}

func (r *memorySessions) openCount(patientID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.PatientID == patientID && s.IsOpen() {
			n++
		}
	}
	return n
}

func (r *memorySessions) messagesOf(sessionID int64) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Message
	for _, m := range r.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

type memoryPhysicians map[int64]*models.Physician

func (r memoryPhysicians) GetPhysician(_ context.Context, id int64) (*models.Physician, error) {
	if p, ok := r[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Publish(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEvents) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	coord         *Coordinator
	manager       *SessionManager
	conversations *ConversationStore
	notifier      *recordingNotifier
	patients      *memoryPatients
	sessions      *memorySessions
	physicians    memoryPhysicians
	events        *recordingEvents
}

func newHarness(t *testing.T, opts ...ConversationStoreOption) *harness {
	t.Helper()
	h := &harness{
		notifier:   &recordingNotifier{},
		patients:   newMemoryPatients(),
		sessions:   newMemorySessions(),
		physicians: memoryPhysicians{},
		events:     &recordingEvents{},
	}
	locks := NewKeyedMutex()
	h.conversations = NewConversationStore(NewMemoryStateStore(), append([]ConversationStoreOption{WithKeyLocks(locks)}, opts...)...)
	t.Cleanup(h.conversations.Stop)
	h.manager = NewSessionManager(h.sessions, h.patients, h.physicians, h.conversations, h.notifier, h.events)
	h.coord = NewCoordinator(Dependencies{
		Engine:        NewEngine(),
		Conversations: h.conversations,
		Patients:      h.patients,
		Sessions:      h.manager,
		Notifier:      h.notifier,
		Events:        h.events,
		Locks:         locks,
	})
	return h
}

func (h *harness) send(t *testing.T, from, body string) Outcome {
	t.Helper()
	out, _ := h.coord.HandleInbound(context.Background(), models.Response{From: from, Body: body})
	return out
}

func (h *harness) state(t *testing.T, userID string) *ConversationState {
	t.Helper()
	st, err := h.conversations.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	return st
}

// validAnswers walks the registration from AWAITING_NAME to completion.
var validAnswers = []string{"Dupont", "Kabasele", "Jean", "H", "1990-05-17", "m", "Gombe", "Matonge", "Avenue de la Paix", "fr"}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
