package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by write paths addressing a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyProcessed is returned when an inbound message was already stored.
	ErrAlreadyProcessed = errors.New("message already processed")
)

// IntegrityError is returned when the store refuses an operation that would
// break referential integrity.
type IntegrityError struct {
	Op     string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: integrity violation: %s", e.Op, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// KindMismatchError is returned when an inbound message reuses the remote
// id of a stored message of a different kind.
type KindMismatchError struct {
	RemoteID string
	Stored   Kind
	Incoming Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("message %q: stored as %s, received as %s", e.RemoteID, e.Stored, e.Incoming)
}

const integrityPrefix = "integrity: "

// Classify wraps constraint failures raised by the integrity triggers or by
// foreign keys as *IntegrityError. Other errors are wrapped with op.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return err
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		msg := serr.Error()
		if i := strings.Index(msg, integrityPrefix); i >= 0 {
			return &IntegrityError{Op: op, Reason: msg[i+len(integrityPrefix):], Err: err}
		}
		if serr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return &IntegrityError{Op: op, Reason: "foreign key constraint failed", Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
