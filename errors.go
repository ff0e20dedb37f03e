package strata

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Sentinel errors for the failure kinds surfaced by the query and migration
// layers. Every typed error below matches exactly one sentinel, so callers can
// branch with errors.Is or the Is*Err helpers without knowing the concrete type.
var (
	// ErrUserInput is returned for malformed filters, unknown filter keys, and
	// invalid pagination argument combinations. Never retried.
	ErrUserInput = errors.New("strata: invalid input")

	// ErrAccessDenied is returned when a permission re-check fails after a write
	// or when a point lookup finds a row the principal may not read.
	ErrAccessDenied = errors.New("strata: access denied")

	// ErrConstraintViolation is returned when the store rejects a write because
	// of a uniqueness constraint on one or more logical fields.
	ErrConstraintViolation = errors.New("strata: constraint violation")

	// ErrHandler indicates a schema configuration bug, such as a list
	// representation requested for a field kind that cannot store lists.
	ErrHandler = errors.New("strata: field handler contract violation")

	// ErrMigration wraps any failure while applying migration actions.
	ErrMigration = errors.New("strata: migration failed")
)

// UserInputError describes a request the caller must fix.
type UserInputError struct {
	Message string
	// Keys lists the offending filter or argument keys, sorted.
	Keys []string
}

func (e *UserInputError) Error() string {
	if len(e.Keys) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (keys: %s)", e.Message, strings.Join(e.Keys, ", "))
}

// Is reports whether target is ErrUserInput.
func (e *UserInputError) Is(target error) bool { return target == ErrUserInput }

// NewUserInputError returns a UserInputError with a stack attached.
func NewUserInputError(keys []string, format string, args ...any) error {
	return errors.WithStack(&UserInputError{Message: fmt.Sprintf(format, args...), Keys: keys})
}

// AccessDeniedError is raised when row-level permissions exclude a row.
type AccessDeniedError struct {
	Type      string
	Operation string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s on %s", e.Operation, e.Type)
}

// Is reports whether target is ErrAccessDenied.
func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// NewAccessDeniedError returns an AccessDeniedError with a stack attached.
func NewAccessDeniedError(typeName, operation string) error {
	return errors.WithStack(&AccessDeniedError{Type: typeName, Operation: operation})
}

// ConstraintViolationError reports a uniqueness violation mapped back to
// logical field names.
type ConstraintViolationError struct {
	Type       string
	Fields     []string
	Constraint string
}

func (e *ConstraintViolationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("unique constraint %s violated on %s", e.Constraint, e.Type)
	}
	return fmt.Sprintf("value for %s on %s must be unique", strings.Join(e.Fields, ", "), e.Type)
}

// Is reports whether target is ErrConstraintViolation.
func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

// HandlerError is an internal contract violation between the type map and a
// field handler. It is fatal: the type map must be fixed.
type HandlerError struct {
	Type    string
	Field   string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("field %s.%s: %s", e.Type, e.Field, e.Message)
}

// Is reports whether target is ErrHandler.
func (e *HandlerError) Is(target error) bool { return target == ErrHandler }

// NewHandlerError returns a HandlerError with a stack attached.
func NewHandlerError(typeName, field, format string, args ...any) error {
	return errors.WithStack(&HandlerError{Type: typeName, Field: field, Message: fmt.Sprintf(format, args...)})
}

// MigrationError records which type and phase failed during a migration run.
type MigrationError struct {
	Type  string
	Phase string
	Err   error
}

func (e *MigrationError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("migrating %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("migrating %s (%s): %v", e.Type, e.Phase, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrMigration.
func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

// NewMigrationError wraps err as a MigrationError for the given type and phase.
func NewMigrationError(typeName, phase string, err error) error {
	return errors.WithStack(&MigrationError{Type: typeName, Phase: phase, Err: err})
}

// IsUserInputErr returns true if err is or wraps ErrUserInput.
func IsUserInputErr(err error) bool {
	return errors.Is(err, ErrUserInput)
}

// IsAccessDeniedErr returns true if err is or wraps ErrAccessDenied.
func IsAccessDeniedErr(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsConstraintViolationErr returns true if err is or wraps ErrConstraintViolation.
func IsConstraintViolationErr(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsHandlerErr returns true if err is or wraps ErrHandler.
func IsHandlerErr(err error) bool {
	return errors.Is(err, ErrHandler)
}

// IsMigrationErr returns true if err is or wraps ErrMigration.
func IsMigrationErr(err error) bool {
	return errors.Is(err, ErrMigration)
}
