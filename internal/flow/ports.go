package flow

import (
	"context"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// Notifier delivers text to a user. Implementations bound the call with a
// timeout; callers log failures and carry on.
type Notifier interface {
	SendText(ctx context.Context, to, body string) error
}

// PatientRepository is the patient persistence the flow depends on.
type PatientRepository interface {
	GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
	GetPatient(ctx context.Context, id int64) (*models.Patient, error)
	// CreatePatient must fail with an error wrapping store.ErrDuplicate when
	// the phone number is already registered.
	CreatePatient(ctx context.Context, p *models.Patient) error
}

// SessionRepository is the consultation session persistence.
type SessionRepository interface {
	GetOpenSession(ctx context.Context, patientID int64) (*models.ConsultationSession, error)
	CreateSessionIfAbsent(ctx context.Context, patientID int64) (*models.ConsultationSession, bool, error)
	GetSession(ctx context.Context, id int64) (*models.ConsultationSession, error)
	CloseSession(ctx context.Context, id int64, at time.Time, cancelled bool) (bool, error)
	AssignPhysician(ctx context.Context, sessionID, physicianID int64) (bool, error)
	AppendMessage(ctx context.Context, m *models.Message) error
	AppendMedia(ctx context.Context, m *models.MediaMessage) error
}

// PhysicianRepository looks physicians up.
type PhysicianRepository interface {
	GetPhysician(ctx context.Context, id int64) (*models.Physician, error)
}

// EventType names a domain event published to listeners.
type EventType string

const (
	EventRegistrationCompleted EventType = "registration.completed"
	EventConversationAdvanced  EventType = "conversation.advanced"
	EventSessionOpened         EventType = "session.opened"
	EventSessionClosed         EventType = "session.closed"
	EventMessageReceived       EventType = "message.received"
	EventMediaReceived         EventType = "media.received"
	EventMessageSent           EventType = "message.sent"
)

// Event is a domain event. SessionID is zero for events outside a session.
type Event struct {
	Type      EventType   `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	PatientID int64       `json:"patient_id,omitempty"`
	SessionID int64       `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Time      time.Time   `json:"time"`
}

// PatientRef names a patient in events without the rest of the record.
type PatientRef struct {
	PatientID int64  `json:"patient_id"`
	GivenName string `json:"given_name"`
	LastName  string `json:"last_name"`
}

// EventSink receives domain events. Publish must not block for long.
type EventSink interface {
	Publish(ctx context.Context, evt Event)
}

// NopEventSink drops every event.
type NopEventSink struct{}

// Publish implements EventSink.
func (NopEventSink) Publish(context.Context, Event) {}
