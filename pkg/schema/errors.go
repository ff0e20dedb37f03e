package schema

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidTypeMap is returned when a type map fails validation.
	ErrInvalidTypeMap = errors.New("strata/schema: invalid type map")

	// ErrUnknownType is returned when a field or connection names a type that
	// does not resolve.
	ErrUnknownType = errors.New("strata/schema: unknown type")
)

// IsInvalidTypeMapErr returns true if err is or wraps ErrInvalidTypeMap.
func IsInvalidTypeMapErr(err error) bool {
	return errors.Is(err, ErrInvalidTypeMap)
}

// IsUnknownTypeErr returns true if err is or wraps ErrUnknownType.
func IsUnknownTypeErr(err error) bool {
	return errors.Is(err, ErrUnknownType)
}
