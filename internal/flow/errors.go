package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRegistration means the phone number already has a patient.
	ErrDuplicateRegistration = errors.New("flow: patient already registered")
	// ErrPersistence wraps infrastructure failures of the repositories.
	ErrPersistence = errors.New("flow: persistence failure")
	// ErrUnauthorized means a physician acted on a session assigned to someone else.
	ErrUnauthorized = errors.New("flow: session is assigned to another physician")
	// ErrSessionNotFound means the session id is unknown.
	ErrSessionNotFound = errors.New("flow: session not found")
	// ErrSessionClosed means the session has already ended.
	ErrSessionClosed = errors.New("flow: session is closed")
	// ErrPhysicianNotFound means the physician id is unknown.
	ErrPhysicianNotFound = errors.New("flow: physician not found")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
