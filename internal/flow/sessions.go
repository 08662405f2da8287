package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/models"
)

var (
	affirmativeAnswers = map[string]bool{"oui": true, "yes": true, "o": true, "y": true}
	negativeAnswers    = map[string]bool{"non": true, "no": true, "n": true}
	endSessionCommands = map[string]bool{"stop consultation": true, "arrêter consultation": true, "arreter consultation": true}
)

// IsEndSessionCommand reports whether input asks to close the open session.
func IsEndSessionCommand(input string) bool {
	return endSessionCommands[normalizeCommand(input)]
}

// SessionManager runs the consultation part of the conversation for
// registered patients and the physician side of a session.
type SessionManager struct {
	sessions      SessionRepository
	patients      PatientRepository
	physicians    PhysicianRepository
	conversations *ConversationStore
	notifier      Notifier
	events        EventSink
	now           func() time.Time
}

// NewSessionManager wires a SessionManager.
func NewSessionManager(sessions SessionRepository, patients PatientRepository, physicians PhysicianRepository,
	conversations *ConversationStore, notifier Notifier, events EventSink) *SessionManager {
	if events == nil {
		events = NopEventSink{}
	}
	return &SessionManager{
		sessions:      sessions,
		patients:      patients,
		physicians:    physicians,
		conversations: conversations,
		notifier:      notifier,
		events:        events,
		now:           time.Now,
	}
}

// HandlePatientMessage handles a message from a registered patient. st is the
// patient's transient state, nil unless a consultation confirmation is pending.
// The caller holds the patient's key lock and sends Outcome.Reply.
func (m *SessionManager) HandlePatientMessage(ctx context.Context, patient *models.Patient, st *ConversationState, msg models.Response) (Outcome, error) {
	if st != nil && st.Step == StepAwaitingConsultConfirmation {
		return m.handleConfirmation(ctx, patient, msg)
	}

	open, err := m.sessions.GetOpenSession(ctx, patient.ID)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure}, persistenceError("get open session", err)
	}
	if open != nil {
		return m.handleInSession(ctx, patient, open, msg)
	}

	if msg.Media != nil {
		slog.Warn("SessionManager: media without open session ignored", "patientID", patient.ID)
		return Outcome{Kind: OutcomeIgnored, PatientID: patient.ID}, nil
	}
	if IsCancelKeyword(msg.Body) {
		// No session and no pending question: nothing to cancel.
		return Outcome{Kind: OutcomeIgnored, PatientID: patient.ID}, nil
	}

	// A bare "oui" lands here too: nothing was asked, so it only opens the question.
	confirm := NewConversationState(msg.From, StepAwaitingConsultConfirmation, m.now())
	if err := m.conversations.Put(ctx, confirm); err != nil {
		return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure}, fmt.Errorf("store confirmation state: %w", err)
	}
	slog.Debug("SessionManager: consultation offered", "patientID", patient.ID)
	return Outcome{Kind: OutcomeConsultPrompted, Reply: ConsultPrompt(patient.GivenName), PatientID: patient.ID}, nil
}

func (m *SessionManager) handleConfirmation(ctx context.Context, patient *models.Patient, msg models.Response) (Outcome, error) {
	answer := normalizeCommand(msg.Body)
	switch {
	case cancelKeywords[answer]:
		if err := m.conversations.Remove(ctx, msg.From); err != nil {
			slog.Error("SessionManager: remove confirmation state failed", "error", err, "userID", msg.From)
		}
		return Outcome{Kind: OutcomeCancelled, Reply: MsgCancelled, PatientID: patient.ID}, nil

	case negativeAnswers[answer]:
		if err := m.conversations.Remove(ctx, msg.From); err != nil {
			slog.Error("SessionManager: remove confirmation state failed", "error", err, "userID", msg.From)
		}
		return Outcome{Kind: OutcomeConsultDeclined, Reply: MsgConsultDeclined, PatientID: patient.ID}, nil

	case affirmativeAnswers[answer]:
		// The state is cleared whatever happens next; a failed attempt is
		// retried by messaging again.
		if err := m.conversations.Remove(ctx, msg.From); err != nil {
			slog.Error("SessionManager: remove confirmation state failed", "error", err, "userID", msg.From)
		}
		cs, created, err := m.sessions.CreateSessionIfAbsent(ctx, patient.ID)
		if err != nil {
			return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure, PatientID: patient.ID}, persistenceError("create session", err)
		}
		if !created {
			slog.Info("SessionManager: session already open", "patientID", patient.ID, "sessionID", cs.ID)
			return Outcome{Kind: OutcomeSessionAlreadyOpen, Reply: MsgSessionAlreadyOpen, PatientID: patient.ID, SessionID: cs.ID}, nil
		}
		m.record(ctx, &models.Message{SessionID: cs.ID, Sender: models.BotSender(), Content: MsgSessionCreated})
		m.events.Publish(ctx, Event{
			Type: EventSessionOpened, UserID: msg.From, PatientID: patient.ID, SessionID: cs.ID,
			Data: cs, Time: m.now(),
		})
		slog.Info("SessionManager: session opened", "patientID", patient.ID, "sessionID", cs.ID)
		return Outcome{Kind: OutcomeSessionCreated, Reply: MsgSessionCreated, PatientID: patient.ID, SessionID: cs.ID}, nil

	default:
		return Outcome{Kind: OutcomeConsultReprompted, Reply: MsgConsultReprompt, PatientID: patient.ID}, nil
	}
}

func (m *SessionManager) handleInSession(ctx context.Context, patient *models.Patient, cs *models.ConsultationSession, msg models.Response) (Outcome, error) {
	base := Outcome{PatientID: patient.ID, SessionID: cs.ID}

	if msg.Media == nil && IsEndSessionCommand(msg.Body) {
		// Nobody picked the request up yet: the patient withdrew it.
		cancelled := cs.PhysicianID == nil
		closed, err := m.sessions.CloseSession(ctx, cs.ID, m.now(), cancelled)
		if err != nil {
			base.Kind, base.Reply = OutcomeFailed, MsgTemporaryFailure
			return base, persistenceError("close session", err)
		}
		if closed {
			m.events.Publish(ctx, Event{
				Type: EventSessionClosed, UserID: msg.From, PatientID: patient.ID, SessionID: cs.ID,
				Data: map[string]interface{}{"closed_by": models.SenderPatient, "cancelled": cancelled}, Time: m.now(),
			})
		}
		slog.Info("SessionManager: session closed by patient", "sessionID", cs.ID, "cancelled", cancelled)
		base.Kind, base.Reply = OutcomeSessionClosed, MsgSessionClosedByPatient
		return base, nil
	}

	if msg.Media != nil {
		media := &models.MediaMessage{
			SessionID: cs.ID,
			Sender:    models.PatientSender(patient.ID),
			MediaType: msg.Media.Type,
			MediaRef:  msg.Media.Ref,
			FileName:  msg.Media.FileName,
			MimeType:  msg.Media.MimeType,
			Caption:   firstNonEmpty(msg.Media.Caption, strings.TrimSpace(msg.Body)),
		}
		if err := m.sessions.AppendMedia(ctx, media); err != nil {
			base.Kind = OutcomeFailed
			return base, persistenceError("append media", err)
		}
		m.events.Publish(ctx, Event{
			Type: EventMediaReceived, UserID: msg.From, PatientID: patient.ID, SessionID: cs.ID,
			Data: media, Time: media.Timestamp,
		})
		base.Kind = OutcomeMediaRecorded
		return base, nil
	}

	text := strings.TrimSpace(msg.Body)
	if text == "" {
		base.Kind = OutcomeIgnored
		return base, nil
	}
	message := &models.Message{SessionID: cs.ID, Sender: models.PatientSender(patient.ID), Content: text}
	if err := m.sessions.AppendMessage(ctx, message); err != nil {
		base.Kind = OutcomeFailed
		return base, persistenceError("append message", err)
	}
	m.events.Publish(ctx, Event{
		Type: EventMessageReceived, UserID: msg.From, PatientID: patient.ID, SessionID: cs.ID,
		Data: message, Time: message.Timestamp,
	})
	base.Kind = OutcomeMessageRecorded
	return base, nil
}

// record stores a bot or physician message; failures are logged only.
func (m *SessionManager) record(ctx context.Context, msg *models.Message) {
	if err := m.sessions.AppendMessage(ctx, msg); err != nil {
		slog.Error("SessionManager: record message failed", "error", err, "sessionID", msg.SessionID)
	}
}

// authorize loads the session and physician and makes sure the physician may
// act on it, claiming the session if nobody has yet.
func (m *SessionManager) authorize(ctx context.Context, sessionID, physicianID int64) (*models.ConsultationSession, *models.Physician, error) {
	doc, err := m.physicians.GetPhysician(ctx, physicianID)
	if err != nil {
		return nil, nil, persistenceError("get physician", err)
	}
	if doc == nil {
		return nil, nil, ErrPhysicianNotFound
	}
	cs, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, persistenceError("get session", err)
	}
	if cs == nil {
		return nil, nil, ErrSessionNotFound
	}
	if cs.PhysicianID != nil && *cs.PhysicianID != physicianID {
		slog.Warn("SessionManager: unauthorized physician", "sessionID", sessionID, "physicianID", physicianID, "assigned", *cs.PhysicianID)
		return nil, nil, ErrUnauthorized
	}
	if !cs.IsOpen() {
		return nil, nil, ErrSessionClosed
	}
	if cs.PhysicianID == nil {
		ok, err := m.sessions.AssignPhysician(ctx, sessionID, physicianID)
		if err != nil {
			return nil, nil, persistenceError("assign physician", err)
		}
		if !ok {
			// Lost a race: someone else claimed or closed it.
			return m.authorizeAssigned(ctx, sessionID, physicianID, doc)
		}
		cs.PhysicianID = &physicianID
		slog.Info("SessionManager: physician assigned", "sessionID", sessionID, "physicianID", physicianID)
	}
	return cs, doc, nil
}

func (m *SessionManager) authorizeAssigned(ctx context.Context, sessionID, physicianID int64, doc *models.Physician) (*models.ConsultationSession, *models.Physician, error) {
	cs, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, persistenceError("get session", err)
	}
	if cs == nil {
		return nil, nil, ErrSessionNotFound
	}
	if cs.PhysicianID != nil && *cs.PhysicianID != physicianID {
		return nil, nil, ErrUnauthorized
	}
	if !cs.IsOpen() || cs.PhysicianID == nil {
		return nil, nil, ErrSessionClosed
	}
	return cs, doc, nil
}

func (m *SessionManager) patientOf(ctx context.Context, cs *models.ConsultationSession) (*models.Patient, error) {
	p, err := m.patients.GetPatient(ctx, cs.PatientID)
	if err != nil {
		return nil, persistenceError("get patient", err)
	}
	if p == nil {
		return nil, fmt.Errorf("patient %d of session %d: %w", cs.PatientID, cs.ID, ErrPersistence)
	}
	return p, nil
}

// PhysicianReply stores a physician message and relays it to the patient.
func (m *SessionManager) PhysicianReply(ctx context.Context, sessionID, physicianID int64, text string) (*models.Message, error) {
	cs, _, err := m.authorize(ctx, sessionID, physicianID)
	if err != nil {
		return nil, err
	}
	return m.relay(ctx, cs, physicianID, strings.TrimSpace(text))
}

// PhysicianVideoCall sends the patient a fresh video room link on behalf of
// the physician. The link is part of the transcript like any reply.
func (m *SessionManager) PhysicianVideoCall(ctx context.Context, sessionID, physicianID int64) (*models.Message, error) {
	cs, doc, err := m.authorize(ctx, sessionID, physicianID)
	if err != nil {
		return nil, err
	}
	link := VideoCallLink(DefaultVideoBaseURL, doc, cs.PatientID)
	slog.Info("SessionManager: video call link issued", "sessionID", cs.ID, "physicianID", physicianID)
	return m.relay(ctx, cs, physicianID, VideoCallInvite(link))
}

func (m *SessionManager) relay(ctx context.Context, cs *models.ConsultationSession, physicianID int64, text string) (*models.Message, error) {
	patient, err := m.patientOf(ctx, cs)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{SessionID: cs.ID, Sender: models.PhysicianSender(physicianID), Content: text}
	if err := m.sessions.AppendMessage(ctx, msg); err != nil {
		return nil, persistenceError("append physician message", err)
	}
	if err := m.notifier.SendText(ctx, patient.Phone, msg.Content); err != nil {
		slog.Error("SessionManager.relay: send failed", "error", err, "sessionID", cs.ID)
	}
	m.events.Publish(ctx, Event{
		Type: EventMessageSent, UserID: patient.Phone, PatientID: patient.ID, SessionID: cs.ID,
		Data: msg, Time: msg.Timestamp,
	})
	return msg, nil
}

// PhysicianClose ends the session and sends the closing notice to the patient.
func (m *SessionManager) PhysicianClose(ctx context.Context, sessionID, physicianID int64) (*models.ConsultationSession, error) {
	cs, doc, err := m.authorize(ctx, sessionID, physicianID)
	if err != nil {
		return nil, err
	}
	patient, err := m.patientOf(ctx, cs)
	if err != nil {
		return nil, err
	}

	at := m.now()
	closed, err := m.sessions.CloseSession(ctx, cs.ID, at, false)
	if err != nil {
		return nil, persistenceError("close session", err)
	}
	if !closed {
		return nil, ErrSessionClosed
	}
	cs.EndTime = &at

	notice := PhysicianClosedNotice(doc.Name)
	m.record(ctx, &models.Message{SessionID: cs.ID, Sender: models.PhysicianSender(physicianID), Content: notice})
	if err := m.notifier.SendText(ctx, patient.Phone, notice); err != nil {
		slog.Error("SessionManager.PhysicianClose: send failed", "error", err, "sessionID", cs.ID)
	}
	m.events.Publish(ctx, Event{
		Type: EventSessionClosed, UserID: patient.Phone, PatientID: patient.ID, SessionID: cs.ID,
		Data: map[string]interface{}{"closed_by": models.SenderPhysician, "physician_id": physicianID}, Time: at,
	})
	slog.Info("SessionManager: session closed by physician", "sessionID", cs.ID, "physicianID", physicianID)
	return cs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
