package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the datasource execution path. Callers classify with
// errors.Is; context (datasource id, tag name, connection string) is attached
// by wrapping so the chain stays matchable.
var (
	ErrNotFound             = errors.New("not found")
	ErrInactive             = errors.New("datasource inactive")
	ErrConnection           = errors.New("connection failed")
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrWriteRejected        = errors.New("write rejected")
	ErrUnsupportedOperation = errors.New("operation not supported")
	ErrValidation           = errors.New("validation failed")
)

// DatasourceNotFound reports an unknown datasource id.
func DatasourceNotFound(datasourceID string) error {
	return fmt.Errorf("datasource %s: %w", datasourceID, ErrNotFound)
}

// DatasourceInactive reports a datasource that exists but is deactivated.
func DatasourceInactive(datasourceID string) error {
	return fmt.Errorf("datasource %s: %w", datasourceID, ErrInactive)
}

// TagNotFound reports an unknown tag within a datasource.
func TagNotFound(name, datasourceID string) error {
	return fmt.Errorf("tag %q in datasource %s: %w", name, datasourceID, ErrNotFound)
}

// ConnectionFailed wraps a transport-level failure with its datasource id.
func ConnectionFailed(datasourceID string, cause error) error {
	return fmt.Errorf("datasource %s: %w: %w", datasourceID, ErrConnection, cause)
}

// PoolExhausted reports an acquire that timed out waiting for a free connection.
func PoolExhausted(datasourceID string) error {
	return fmt.Errorf("datasource %s: %w", datasourceID, ErrPoolExhausted)
}

// WriteRejected reports a backend that refused a written value.
func WriteRejected(connectionString string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%q: %w", connectionString, ErrWriteRejected)
	}
	return fmt.Errorf("%q: %w: %w", connectionString, ErrWriteRejected, cause)
}

// Unsupported reports a capability a datasource type does not offer.
func Unsupported(dsType, operation string) error {
	return fmt.Errorf("%s on %s datasource: %w", operation, dsType, ErrUnsupportedOperation)
}

// Invalid reports malformed caller input.
func Invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// IsTransient reports whether an error is worth retrying with a fresh
// connection. Only transport-level failures qualify; rejected writes, usage
// errors, and backpressure are surfaced as-is.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection)
}
