package dms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"intake/internal/services"
)

// StatusError reports a non-success HTTP response from the DMS. The status
// code carries the semantics: 401/403 is an auth rejection, 429 and 5xx are
// transient. errors.Is against the services sentinels works directly, so
// callers never match on message text. Conflicts get their own type.
type StatusError struct {
	Transport  string
	Operation  string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	detail := strings.TrimSpace(e.Message)
	if detail == "" {
		detail = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("dms %s via %s: %d %s: %s", e.Operation, e.Transport, e.StatusCode, e.Code, detail)
	}
	return fmt.Sprintf("dms %s via %s: %d: %s", e.Operation, e.Transport, e.StatusCode, detail)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case services.ErrAuth:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case services.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case services.ErrTransient:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	case services.ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// ConflictError is the typed form of an HTTP 409: the subject already
// exists on the server. Callers recover by re-resolving, so this must stay
// distinguishable from every other rejection.
type ConflictError struct {
	Transport string
	Operation string
	Code      string
	Message   string
}

func (e *ConflictError) Error() string {
	detail := strings.TrimSpace(e.Message)
	if detail == "" {
		detail = "already exists"
	}
	return fmt.Sprintf("dms %s via %s: conflict: %s", e.Operation, e.Transport, detail)
}

func (e *ConflictError) Is(target error) bool {
	return target == services.ErrConflict
}

// Attempt records one transport's failure during a fallback chain.
type Attempt struct {
	Transport string
	Err       error
}

// FallbackError means every configured transport failed to serve an
// operation. It keeps the per-transport reasons so logs and reports can say
// which leg failed how, instead of flattening the chain into one string.
type FallbackError struct {
	Operation string
	Attempts  []Attempt
}

func (e *FallbackError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dms %s: all transports failed", e.Operation)
	for _, attempt := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", attempt.Transport, attempt.Err)
	}
	return b.String()
}

func (e *FallbackError) Is(target error) bool {
	return target == services.ErrTransient
}

func (e *FallbackError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		errs = append(errs, attempt.Err)
	}
	return errs
}

// deliveryError wraps a transport failure where no response arrived.
// Timeouts keep their own marker so a slow server stays distinguishable
// from an unreachable one; the fallback chain treats both as non-definitive.
func deliveryError(message string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %w", services.ErrTimeout, message, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

// definitive reports whether an error is a final answer from the DMS rather
// than a delivery failure. Definitive errors stop the fallback chain; only
// transport-level failures move on to the next leg.
func definitive(err error) bool {
	if err == nil {
		return true
	}
	for _, sentinel := range []error{services.ErrConflict, services.ErrAuth, services.ErrValidation, services.ErrNotFound} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
