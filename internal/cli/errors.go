// Package cli provides shared configuration and utilities for the strata CLI.
package cli

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/pkg/schema"
)

// Exit codes.
const (
	ExitSuccess   = 0
	ExitGeneral   = 1
	ExitConfig    = 2
	ExitTypeMap   = 3
	ExitDBConnect = 4
	ExitMigration = 5
	// ExitPending is returned by status --check when the database lags
	// behind the type map.
	ExitPending = 6
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code for err. ExitErrors carry their
// own code; invalid type maps and failed migrations have dedicated codes.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case schema.IsInvalidTypeMapErr(err):
		return ExitTypeMap
	case strata.IsMigrationErr(err):
		return ExitMigration
	}
	return ExitGeneral
}

// ExitWithError prints the error and exits with the appropriate code.
func ExitWithError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(ExitCode(err))
}

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// TypeMapError creates an ExitError with ExitTypeMap code.
func TypeMapError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitTypeMap, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}
