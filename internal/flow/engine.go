package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// Effect is the side effect the caller must apply after a transition.
type Effect int

const (
	// EffectNone leaves the stored state untouched (validation failure).
	EffectNone Effect = iota
	// EffectAdvance stores Result.Next and re-arms the expiry timer.
	EffectAdvance
	// EffectCancel removes the state and cancels its timer.
	EffectCancel
	// EffectCreatePatient persists a patient from Result.Next, then removes the state.
	EffectCreatePatient
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectAdvance:
		return "advance"
	case EffectCancel:
		return "cancel"
	case EffectCreatePatient:
		return "create_patient"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// Result is the outcome of one transition.
type Result struct {
	// Next is the state after the transition; nil when the conversation ends.
	Next   *ConversationState
	Reply  string
	Effect Effect
	// Err is a *ValidationError when the input was rejected.
	Err error
}

// cancelKeywords end any conversation in progress.
var cancelKeywords = map[string]bool{
	"stop":    true,
	"cancel":  true,
	"annuler": true,
}

// normalizeCommand lower-cases and collapses whitespace.
func normalizeCommand(input string) string {
	return strings.ToLower(strings.Join(strings.Fields(input), " "))
}

// IsCancelKeyword reports whether input is one of the cancellation keywords.
func IsCancelKeyword(input string) bool {
	return cancelKeywords[normalizeCommand(input)]
}

// ErrNotRegistrationStep is returned when Transition gets a state outside the
// registration dialogue.
var ErrNotRegistrationStep = errors.New("flow: state is not a registration step")

// Engine drives the registration dialogue. It is pure apart from its clock.
type Engine struct {
	now func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start opens a registration for userID. The triggering message is consumed
// as a greeting; the answer to the first question comes with the next one.
func (e *Engine) Start(userID string) (*ConversationState, string) {
	return NewConversationState(userID, StepAwaitingName, e.now()), MsgGreeting
}

// Transition applies one inbound message to a registration state.
func (e *Engine) Transition(st ConversationState, input string) Result {
	idx, ok := stepIndex[st.Step]
	if !ok {
		return Result{Next: st.Clone(), Err: fmt.Errorf("%w: %s", ErrNotRegistrationStep, st.Step)}
	}

	if IsCancelKeyword(input) {
		slog.Debug("Engine.Transition: cancelled", "userID", st.UserID, "step", st.Step)
		return Result{Reply: MsgCancelled, Effect: EffectCancel}
	}

	def := registrationSteps[idx]
	now := e.now()
	value, err := def.validate(input, now)
	if err != nil {
		var ve *ValidationError
		reply := err.Error()
		if errors.As(err, &ve) {
			reply = ve.Message
		}
		slog.Debug("Engine.Transition: rejected", "userID", st.UserID, "step", st.Step)
		return Result{Next: st.Clone(), Reply: reply, Effect: EffectNone, Err: err}
	}

	next := st.Clone()
	next.Fields[def.field] = value
	next.UpdatedAt = now

	if idx+1 == len(registrationSteps) {
		next.Step = StepComplete
		slog.Debug("Engine.Transition: registration complete", "userID", st.UserID)
		return Result{Next: next, Effect: EffectCreatePatient}
	}

	nextDef := registrationSteps[idx+1]
	next.Step = nextDef.step
	slog.Debug("Engine.Transition: advanced", "userID", st.UserID, "from", st.Step, "to", next.Step)
	return Result{Next: next, Reply: nextDef.prompt(), Effect: EffectAdvance}
}

// BuildPatient converts a completed state into a patient record for phone.
func BuildPatient(st *ConversationState, phone string) (*models.Patient, error) {
	if st.Step != StepComplete {
		return nil, fmt.Errorf("cannot build patient from step %s", st.Step)
	}
	if missing := st.MissingFields(); len(missing) > 0 {
		return nil, fmt.Errorf("cannot build patient, missing fields %v", missing)
	}
	birth, err := time.Parse(BirthDateLayout, st.Fields[FieldBirthDate])
	if err != nil {
		return nil, fmt.Errorf("stored birth date %q: %w", st.Fields[FieldBirthDate], err)
	}
	return &models.Patient{
		Phone:         phone,
		WhatsAppID:    st.UserID,
		LastName:      st.Fields[FieldLastName],
		MiddleName:    st.Fields[FieldMiddleName],
		GivenName:     st.Fields[FieldGivenName],
		Sex:           st.Fields[FieldSex],
		BirthDate:     birth,
		MaritalStatus: st.Fields[FieldMaritalStatus],
		District:      st.Fields[FieldDistrict],
		Neighborhood:  pointer.ToStringOrNil(st.Fields[FieldNeighborhood]),
		Street:        pointer.ToStringOrNil(st.Fields[FieldStreet]),
		Languages:     models.LanguageList{st.Fields[FieldLanguage]},
	}, nil
}
