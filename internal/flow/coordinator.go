package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/store"
)

// OutcomeKind summarizes what an inbound message did.
type OutcomeKind string

const (
	OutcomeIgnored               OutcomeKind = "ignored"
	OutcomeFailed                OutcomeKind = "failed"
	OutcomeConflict              OutcomeKind = "conflict"
	OutcomeRegistrationStarted   OutcomeKind = "registration_started"
	OutcomeRegistrationAdvanced  OutcomeKind = "registration_advanced"
	OutcomeRegistrationRejected  OutcomeKind = "registration_rejected"
	OutcomeRegistrationCompleted OutcomeKind = "registration_completed"
	OutcomeRegistrationDuplicate OutcomeKind = "registration_duplicate"
	OutcomeRegistrationFailed    OutcomeKind = "registration_failed"
	OutcomeCancelled             OutcomeKind = "cancelled"
	OutcomeConsultPrompted       OutcomeKind = "consult_prompted"
	OutcomeConsultReprompted     OutcomeKind = "consult_reprompted"
	OutcomeConsultDeclined       OutcomeKind = "consult_declined"
	OutcomeSessionCreated        OutcomeKind = "session_created"
	OutcomeSessionAlreadyOpen    OutcomeKind = "session_already_open"
	OutcomeSessionClosed         OutcomeKind = "session_closed"
	OutcomeMessageRecorded       OutcomeKind = "message_recorded"
	OutcomeMediaRecorded         OutcomeKind = "media_recorded"
)

// Outcome is the result of handling one inbound message. Reply, when set, has
// already been sent to the user.
type Outcome struct {
	Kind      OutcomeKind
	Reply     string
	PatientID int64
	SessionID int64
}

// Dependencies holds the collaborators of a Coordinator.
type Dependencies struct {
	Engine        *Engine
	Conversations *ConversationStore
	Patients      PatientRepository
	Sessions      *SessionManager
	Notifier      Notifier
	Events        EventSink
	Locks         *KeyedMutex
}

// Coordinator routes inbound messages to the registration engine or the
// session manager, one message per user at a time.
type Coordinator struct {
	engine        *Engine
	conversations *ConversationStore
	patients      PatientRepository
	sessions      *SessionManager
	notifier      Notifier
	events        EventSink
	locks         *KeyedMutex
}

// NewCoordinator wires a Coordinator and installs its expiry handler on the
// conversation store.
func NewCoordinator(deps Dependencies) *Coordinator {
	c := &Coordinator{
		engine:        deps.Engine,
		conversations: deps.Conversations,
		patients:      deps.Patients,
		sessions:      deps.Sessions,
		notifier:      deps.Notifier,
		events:        deps.Events,
		locks:         deps.Locks,
	}
	if c.engine == nil {
		c.engine = NewEngine()
	}
	if c.events == nil {
		c.events = NopEventSink{}
	}
	if c.locks == nil {
		c.locks = c.conversations.locks
	}
	if c.locks == nil {
		c.locks = NewKeyedMutex()
	}
	if c.conversations.locks == nil {
		c.conversations.locks = c.locks
	}
	c.conversations.SetExpiryHandler(c.onExpire)
	return c
}

// Locks returns the per-user locks so other components can share them.
func (c *Coordinator) Locks() *KeyedMutex {
	return c.locks
}

// HandleInbound processes one inbound message and sends the reply, if any.
func (c *Coordinator) HandleInbound(ctx context.Context, msg models.Response) (Outcome, error) {
	msg.From = strings.TrimSpace(msg.From)
	if msg.From == "" {
		return Outcome{Kind: OutcomeIgnored}, fmt.Errorf("inbound message without sender")
	}

	unlock := c.locks.Lock(msg.From)
	defer unlock()

	out, err := c.handle(ctx, msg)
	if out.Reply != "" {
		c.reply(ctx, msg.From, out.Reply)
	}
	slog.Debug("Coordinator.HandleInbound", "from", msg.From, "outcome", out.Kind, "error", err)
	return out, err
}

func (c *Coordinator) handle(ctx context.Context, msg models.Response) (Outcome, error) {
	st, err := c.conversations.Get(ctx, msg.From)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure}, persistenceError("get conversation state", err)
	}
	if st != nil && (!st.Step.Valid() || len(st.MissingFields()) > 0) {
		slog.Warn("Coordinator: dropping malformed conversation state", "userID", msg.From, "step", st.Step)
		if err := c.conversations.Remove(ctx, msg.From); err != nil {
			slog.Error("Coordinator: remove malformed state failed", "error", err, "userID", msg.From)
		}
		st = nil
	}

	// An attachment is never an answer, whatever caption it carries.
	hasMedia := msg.Media != nil

	patient, err := c.patients.GetPatientByPhone(ctx, msg.From)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure}, persistenceError("get patient", err)
	}
	if patient == nil && st == nil && !hasMedia && IsCancelKeyword(msg.Body) {
		// Nothing to cancel.
		return Outcome{Kind: OutcomeIgnored}, nil
	}
	if patient != nil {
		if st != nil && st.Step != StepAwaitingConsultConfirmation {
			// Registered elsewhere meanwhile; the dialogue is moot.
			if err := c.conversations.Remove(ctx, msg.From); err != nil {
				slog.Error("Coordinator: remove stale registration failed", "error", err, "userID", msg.From)
			}
			st = nil
		}
		return c.sessions.HandlePatientMessage(ctx, patient, st, msg)
	}

	if st == nil || !st.Step.IsRegistration() {
		if st != nil {
			// Confirmation state without a patient row cannot be answered.
			if err := c.conversations.Remove(ctx, msg.From); err != nil {
				slog.Error("Coordinator: remove orphan state failed", "error", err, "userID", msg.From)
			}
		}
		if hasMedia {
			slog.Warn("Coordinator: media from unregistered user ignored", "userID", msg.From)
			return Outcome{Kind: OutcomeIgnored}, nil
		}
		return c.startRegistration(ctx, msg.From)
	}

	if hasMedia {
		return Outcome{Kind: OutcomeRegistrationRejected, Reply: Prompt(st.Step)}, nil
	}
	return c.advanceRegistration(ctx, st, msg.Body)
}

func (c *Coordinator) startRegistration(ctx context.Context, userID string) (Outcome, error) {
	st, greeting := c.engine.Start(userID)
	if err := c.conversations.Put(ctx, st); err != nil {
		return c.putFailure(err)
	}
	slog.Info("Coordinator: registration started", "userID", userID)
	c.events.Publish(ctx, Event{Type: EventConversationAdvanced, UserID: userID, Data: st.Step, Time: st.UpdatedAt})
	return Outcome{Kind: OutcomeRegistrationStarted, Reply: greeting}, nil
}

func (c *Coordinator) advanceRegistration(ctx context.Context, st *ConversationState, input string) (Outcome, error) {
	res := c.engine.Transition(*st, input)
	switch res.Effect {
	case EffectNone:
		var ve *ValidationError
		if res.Err != nil && !errors.As(res.Err, &ve) {
			return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure}, res.Err
		}
		return Outcome{Kind: OutcomeRegistrationRejected, Reply: res.Reply}, nil

	case EffectCancel:
		if err := c.conversations.Remove(ctx, st.UserID); err != nil {
			slog.Error("Coordinator: remove cancelled state failed", "error", err, "userID", st.UserID)
		}
		slog.Info("Coordinator: registration cancelled", "userID", st.UserID, "step", st.Step)
		return Outcome{Kind: OutcomeCancelled, Reply: res.Reply}, nil

	case EffectAdvance:
		if err := c.conversations.Put(ctx, res.Next); err != nil {
			return c.putFailure(err)
		}
		c.events.Publish(ctx, Event{Type: EventConversationAdvanced, UserID: st.UserID, Data: res.Next.Step, Time: res.Next.UpdatedAt})
		return Outcome{Kind: OutcomeRegistrationAdvanced, Reply: res.Reply}, nil

	case EffectCreatePatient:
		return c.completeRegistration(ctx, res.Next)
	}
	return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure}, fmt.Errorf("unexpected effect %s", res.Effect)
}

// completeRegistration persists the patient and always clears the state, so a
// failure never leaves a stuck conversation behind.
func (c *Coordinator) completeRegistration(ctx context.Context, st *ConversationState) (Outcome, error) {
	defer func() {
		if err := c.conversations.Remove(ctx, st.UserID); err != nil {
			slog.Error("Coordinator: remove completed state failed", "error", err, "userID", st.UserID)
		}
	}()

	patient, err := BuildPatient(st, st.UserID)
	if err != nil {
		return Outcome{Kind: OutcomeRegistrationFailed, Reply: MsgRegistrationFailed}, err
	}
	if err := c.patients.CreatePatient(ctx, patient); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			slog.Warn("Coordinator: duplicate registration", "userID", st.UserID)
			return Outcome{Kind: OutcomeRegistrationDuplicate, Reply: MsgAlreadyRegistered}, fmt.Errorf("%w: %w", ErrDuplicateRegistration, err)
		}
		slog.Error("Coordinator: create patient failed", "error", err, "userID", st.UserID)
		return Outcome{Kind: OutcomeRegistrationFailed, Reply: MsgRegistrationFailed}, persistenceError("create patient", err)
	}

	slog.Info("Coordinator: registration completed", "userID", st.UserID, "patientID", patient.ID)
	c.events.Publish(ctx, Event{
		Type: EventRegistrationCompleted, UserID: st.UserID, PatientID: patient.ID, Time: patient.CreatedAt,
		Data: PatientRef{PatientID: patient.ID, GivenName: patient.GivenName, LastName: patient.LastName},
	})
	return Outcome{Kind: OutcomeRegistrationCompleted, Reply: RegistrationSuccess(patient.GivenName), PatientID: patient.ID}, nil
}

func (c *Coordinator) putFailure(err error) (Outcome, error) {
	if errors.Is(err, ErrStateConflict) {
		return Outcome{Kind: OutcomeConflict, Reply: MsgTemporaryFailure}, err
	}
	return Outcome{Kind: OutcomeFailed, Reply: MsgTemporaryFailure}, persistenceError("store conversation state", err)
}

func (c *Coordinator) reply(ctx context.Context, to, body string) {
	if err := c.notifier.SendText(ctx, to, body); err != nil {
		slog.Error("Coordinator: reply failed", "error", err, "to", to)
	}
}

// onExpire runs under the user's lock when an expiry timer removed a state.
// Only an abandoned registration is announced; an unanswered consultation
// question lapses silently.
func (c *Coordinator) onExpire(ctx context.Context, expired ConversationState) {
	if !expired.Step.IsRegistration() {
		return
	}
	c.reply(ctx, expired.UserID, MsgRegistrationExpiry)
}
