// Package flow implements the patient intake conversation: per-user state with
// expiry, field validation, the step transition engine and the consultation
// session lifecycle.
package flow

import (
	"context"
	"errors"
	"time"
)

// Step is the position of a user in the intake conversation.
type Step string

const (
	StepAwaitingName                Step = "AWAITING_NAME"
	StepAwaitingMiddleName          Step = "AWAITING_MIDDLE_NAME"
	StepAwaitingGivenName           Step = "AWAITING_GIVEN_NAME"
	StepAwaitingSex                 Step = "AWAITING_SEX"
	StepAwaitingBirthDate           Step = "AWAITING_BIRTH_DATE"
	StepAwaitingMaritalStatus       Step = "AWAITING_MARITAL_STATUS"
	StepAwaitingDistrict            Step = "AWAITING_DISTRICT"
	StepAwaitingNeighborhood        Step = "AWAITING_NEIGHBORHOOD"
	StepAwaitingStreet              Step = "AWAITING_STREET"
	StepAwaitingLanguage            Step = "AWAITING_LANGUAGE"
	StepAwaitingConsultConfirmation Step = "AWAITING_CONSULT_CONFIRMATION"
	StepComplete                    Step = "COMPLETE"
)

// Field names a validated answer collected during registration.
type Field string

const (
	FieldLastName      Field = "last_name"
	FieldMiddleName    Field = "middle_name"
	FieldGivenName     Field = "given_name"
	FieldSex           Field = "sex"
	FieldBirthDate     Field = "birth_date"
	FieldMaritalStatus Field = "marital_status"
	FieldDistrict      Field = "district"
	FieldNeighborhood  Field = "neighborhood"
	FieldStreet        Field = "street"
	FieldLanguage      Field = "language"
)

// IsRegistration reports whether the step belongs to the registration dialogue.
func (s Step) IsRegistration() bool {
	_, ok := stepIndex[s]
	return ok
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	return s.IsRegistration() || s == StepAwaitingConsultConfirmation || s == StepComplete
}

// ConversationState is the transient per-user intake state.
type ConversationState struct {
	UserID    string
	Step      Step
	Fields    map[Field]string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Version is bumped by the StateStore on every successful Put. Zero means
	// the state has never been stored.
	Version int64
}

// NewConversationState returns an unsaved state at step.
func NewConversationState(userID string, step Step, now time.Time) *ConversationState {
	return &ConversationState{
		UserID:    userID,
		Step:      step,
		Fields:    make(map[Field]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.Fields = make(map[Field]string, len(s.Fields))
	for k, v := range s.Fields {
		c.Fields[k] = v
	}
	return &c
}

// MissingFields returns the fields that every step before s.Step should have
// recorded but that are absent. A well-formed state returns nil.
func (s *ConversationState) MissingFields() []Field {
	idx, ok := stepIndex[s.Step]
	if !ok {
		if s.Step == StepComplete {
			idx = len(registrationSteps)
		} else {
			return nil
		}
	}
	var missing []Field
	for _, def := range registrationSteps[:idx] {
		if _, ok := s.Fields[def.field]; !ok {
			missing = append(missing, def.field)
		}
	}
	return missing
}

// ErrStateConflict is returned by Put when the stored version no longer
// matches the version the caller read.
var ErrStateConflict = errors.New("flow: conversation state changed concurrently")

// StateStore holds conversation states keyed by user ID.
type StateStore interface {
	// Get returns nil, nil when the user has no state.
	Get(ctx context.Context, userID string) (*ConversationState, error)
	// Put stores st if the stored version still equals st.Version (zero meaning
	// absent) and then increments st.Version. Returns ErrStateConflict otherwise.
	Put(ctx context.Context, st *ConversationState) error
	// Remove deletes the user's state. Missing states are not an error.
	Remove(ctx context.Context, userID string) error
	// RemoveIfVersion deletes the state only if it is still at version and
	// returns what was removed, or nil if nothing was.
	RemoveIfVersion(ctx context.Context, userID string, version int64) (*ConversationState, error)
	// List returns every stored state.
	List(ctx context.Context) ([]ConversationState, error)
}
