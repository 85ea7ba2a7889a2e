package clusterconfig

import (
	"fmt"
	"strings"
)

// ValidationError is returned for bad input and business rule violations.
// It's never retried and is reported to the caller as a client error.
type ValidationError struct {
	Message string
	Issues  []string
}

// NewValidationError creates a ValidationError with formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Issues, "; ")
}
