package strata_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pthm/strata"
)

func TestErrorHelpers(t *testing.T) {
	t.Run("IsUserInputErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", strata.NewUserInputError([]string{"AND", "name"}, "combinator mixed with fields"))
		if !strata.IsUserInputErr(err) {
			t.Error("IsUserInputErr should return true for wrapped UserInputError")
		}
		if strata.IsUserInputErr(errors.New("other error")) {
			t.Error("IsUserInputErr should return false for other errors")
		}
	})

	t.Run("IsAccessDeniedErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", strata.NewAccessDeniedError("User", "UPDATE"))
		if !strata.IsAccessDeniedErr(err) {
			t.Error("IsAccessDeniedErr should return true for wrapped AccessDeniedError")
		}
		if strata.IsAccessDeniedErr(strata.ErrUserInput) {
			t.Error("IsAccessDeniedErr should return false for other sentinels")
		}
	})

	t.Run("IsConstraintViolationErr", func(t *testing.T) {
		err := &strata.ConstraintViolationError{Type: "User", Fields: []string{"email"}}
		if !strata.IsConstraintViolationErr(err) {
			t.Error("IsConstraintViolationErr should return true for ConstraintViolationError")
		}
	})

	t.Run("IsHandlerErr", func(t *testing.T) {
		err := strata.NewHandlerError("User", "tags", "list not supported")
		if !strata.IsHandlerErr(err) {
			t.Error("IsHandlerErr should return true for HandlerError")
		}
	})

	t.Run("IsMigrationErr unwraps cause", func(t *testing.T) {
		cause := errors.New("relation already exists")
		err := strata.NewMigrationError("User", "main", cause)
		if !strata.IsMigrationErr(err) {
			t.Error("IsMigrationErr should return true for MigrationError")
		}
		if !errors.Is(err, cause) {
			t.Error("MigrationError should unwrap to its cause")
		}
	})
}

func TestUserInputErrorNamesKeys(t *testing.T) {
	err := strata.NewUserInputError([]string{"AND", "email"}, "AND cannot be combined with other keys")

	var uie *strata.UserInputError
	if !errors.As(err, &uie) {
		t.Fatal("expected *UserInputError")
	}
	if len(uie.Keys) != 2 || uie.Keys[0] != "AND" || uie.Keys[1] != "email" {
		t.Errorf("Keys = %v, want [AND email]", uie.Keys)
	}
	if got := uie.Error(); got != "AND cannot be combined with other keys (keys: AND, email)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestConstraintViolationMessage(t *testing.T) {
	err := &strata.ConstraintViolationError{Type: "User", Fields: []string{"email"}, Constraint: "user_email_uniq"}
	if got := err.Error(); got != "value for email on User must be unique" {
		t.Errorf("Error() = %q", got)
	}

	bare := &strata.ConstraintViolationError{Type: "User", Constraint: "user_x_uniq"}
	if got := bare.Error(); got != "unique constraint user_x_uniq violated on User" {
		t.Errorf("Error() = %q", got)
	}
}
