package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LanguageList holds preferred language codes. It is stored as a JSON array.
type LanguageList []string

// Value implements driver.Valuer.
func (l LanguageList) Value() (driver.Value, error) {
	if l == nil {
		l = LanguageList{}
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *LanguageList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = LanguageList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported language list type %T", src)
	}
	if len(raw) == 0 {
		*l = LanguageList{}
		return nil
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return fmt.Errorf("failed to decode language list: %w", err)
	}
	*l = codes
	return nil
}

// Patient is a registered user. One per phone number.
type Patient struct {
	ID            int64        `json:"id" db:"id"`
	Phone         string       `json:"phone" db:"phone"`
	WhatsAppID    string       `json:"whatsapp_id" db:"whatsapp_id"`
	LastName      string       `json:"last_name" db:"last_name"`
	MiddleName    string       `json:"middle_name" db:"middle_name"`
	GivenName     string       `json:"given_name" db:"given_name"`
	Sex           string       `json:"sex" db:"sex"`
	BirthDate     time.Time    `json:"birth_date" db:"birth_date"`
	MaritalStatus string       `json:"marital_status" db:"marital_status"`
	District      string       `json:"district" db:"district"`
	Neighborhood  *string      `json:"neighborhood,omitempty" db:"neighborhood"`
	Street        *string      `json:"street,omitempty" db:"street"`
	Languages     LanguageList `json:"languages" db:"languages"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// FullName renders the patient's name the way it is printed on clinic documents.
func (p Patient) FullName() string {
	return strings.Join(strings.Fields(p.LastName+" "+p.MiddleName+" "+p.GivenName), " ")
}

// Physician is an on-call doctor who answers consultation sessions.
type Physician struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	Specialty string    `json:"specialty,omitempty" db:"specialty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PhysicianRequest is the payload for registering a physician.
type PhysicianRequest struct {
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Specialty string `json:"specialty,omitempty"`
}

// Validate validates a PhysicianRequest.
func (r *PhysicianRequest) Validate() error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return ErrEmptyPhysicianName
	}
	if len(name) > MaxNameLength {
		return ErrPhysicianNameLong
	}
	return nil
}

// SessionStatus is derived from a session's timestamps and assignment.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "PENDING"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusClosed     SessionStatus = "CLOSED"
	SessionStatusCancelled  SessionStatus = "CANCELLED"
)

// ConsultationSession is one request-for-physician episode.
// A patient has at most one open session (EndTime nil).
type ConsultationSession struct {
	ID          int64      `json:"id" db:"id"`
	PatientID   int64      `json:"patient_id" db:"patient_id"`
	PhysicianID *int64     `json:"physician_id,omitempty" db:"physician_id"`
	StartTime   time.Time  `json:"start_time" db:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty" db:"end_time"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// IsOpen reports whether the session has not ended.
func (s ConsultationSession) IsOpen() bool {
	return s.EndTime == nil
}

// Status derives the lifecycle status.
func (s ConsultationSession) Status() SessionStatus {
	switch {
	case s.CancelledAt != nil:
		return SessionStatusCancelled
	case s.EndTime != nil:
		return SessionStatusClosed
	case s.PhysicianID != nil:
		return SessionStatusInProgress
	default:
		return SessionStatusPending
	}
}

// SenderKind is the discriminant of Sender.
type SenderKind string

const (
	SenderPatient   SenderKind = "patient"
	SenderPhysician SenderKind = "physician"
	SenderBot       SenderKind = "bot"
)

// Sender identifies who wrote a message. ID is zero for the bot.
type Sender struct {
	Kind SenderKind `json:"kind"`
	ID   int64      `json:"id,omitempty"`
}

// PatientSender returns the sender for a patient.
func PatientSender(id int64) Sender { return Sender{Kind: SenderPatient, ID: id} }

// PhysicianSender returns the sender for a physician.
func PhysicianSender(id int64) Sender { return Sender{Kind: SenderPhysician, ID: id} }

// BotSender returns the sender for automated messages.
func BotSender() Sender { return Sender{Kind: SenderBot} }

// Valid reports whether the discriminant and id agree.
func (s Sender) Valid() bool {
	switch s.Kind {
	case SenderPatient, SenderPhysician:
		return s.ID > 0
	case SenderBot:
		return s.ID == 0
	default:
		return false
	}
}

// Message is a text exchanged inside a consultation session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaMessage is an attachment exchanged inside a consultation session.
type MediaMessage struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Sender    Sender    `json:"sender"`
	MediaType MediaType `json:"media_type"`
	MediaRef  string    `json:"media_ref"`
	FileName  string    `json:"file_name,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PhysicianMessageRequest is the payload a physician posts to reply in a session.
type PhysicianMessageRequest struct {
	PhysicianID int64  `json:"physician_id"`
	Message     string `json:"message"`
}

// Validate validates a PhysicianMessageRequest.
func (r *PhysicianMessageRequest) Validate() error {
	if r.PhysicianID <= 0 {
		return ErrMissingPhysicianID
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// SessionActionRequest is the payload of physician session actions such as
// closing the session or sending a video link.
type SessionActionRequest struct {
	PhysicianID int64 `json:"physician_id"`
}

// SessionDetail bundles a session with its transcript for API responses.
type SessionDetail struct {
	Session  ConsultationSession `json:"session"`
	Status   SessionStatus       `json:"status"`
	Messages []Message           `json:"messages"`
	Media    []MediaMessage      `json:"media"`
}

// SessionQueueFilter selects open sessions for a physician dashboard.
// Both fields set yields the union; neither yields every open session.
type SessionQueueFilter struct {
	// Pending selects sessions no physician has taken yet.
	Pending bool
	// PhysicianID selects sessions assigned to that physician.
	PhysicianID int64
}

// SessionSummary is one row of the physician queue.
type SessionSummary struct {
	Session          ConsultationSession `json:"session"`
	Status           SessionStatus       `json:"status"`
	PatientLastName  string              `json:"patient_last_name"`
	PatientGivenName string              `json:"patient_given_name"`
}
