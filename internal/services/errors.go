package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("already exists")
	ErrTransient     = errors.New("transient failure")
	ErrTimeout       = errors.New("timeout")
	ErrConfiguration = errors.New("configuration error")
	ErrAuth          = errors.New("authentication failed")
)

// Kind labels the failure class an error belongs to. Kinds drive outcome
// classification and structured log fields.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindTransient     Kind = "transient"
	KindTimeout       Kind = "timeout"
	KindConfiguration Kind = "configuration"
	KindAuth          Kind = "auth"
	KindUnknown       Kind = "unknown"
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify reports which sentinel an error carries. Unmarked errors are
// KindUnknown; callers treat those the same as transient failures.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrAuth):
		return KindAuth
	default:
		return KindUnknown
	}
}

// Retryable reports whether a later run could plausibly succeed without an
// input change. Validation and configuration failures are not retryable.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// Details captures the structured pieces of a wrapped service error for
// logging and report rendering.
type Details struct {
	Kind    Kind
	Message string
	Cause   error
}

// Extract pulls Details out of an error produced by Wrap. The message is the
// human-readable remainder after the sentinel prefix.
func Extract(err error) Details {
	if err == nil {
		return Details{Kind: KindUnknown}
	}
	d := Details{Kind: Classify(err), Cause: errors.Unwrap(err), Message: err.Error()}
	for _, sentinel := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrTransient, ErrTimeout, ErrConfiguration, ErrAuth} {
		prefix := sentinel.Error() + ": "
		if strings.HasPrefix(d.Message, prefix) {
			d.Message = strings.TrimPrefix(d.Message, prefix)
			break
		}
	}
	return d
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
