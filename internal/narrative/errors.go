package narrative

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTimeout is returned when the collaborator does not answer within the
	// generator's time budget.
	ErrTimeout = errors.New("narrative: collaborator timed out")

	// ErrMalformedResponse marks replies that fail to decode or validate.
	ErrMalformedResponse = errors.New("malformed collaborator response")

	// ErrUnusableResponse marks replies that decode but carry no usable briefing.
	ErrUnusableResponse = errors.New("unusable collaborator response")
)

// CollaboratorError wraps any non-timeout failure talking to the collaborator.
type CollaboratorError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *CollaboratorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("narrative: collaborator %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("narrative: collaborator %s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// ErrorClass categorizes generation failures for logs and metrics.
type ErrorClass string

const (
	ErrorClassTimeout   ErrorClass = "TIMEOUT"
	ErrorClassTransport ErrorClass = "TRANSPORT"
	ErrorClassStatus    ErrorClass = "STATUS"
	ErrorClassMalformed ErrorClass = "MALFORMED"
	ErrorClassUnusable  ErrorClass = "UNUSABLE"
	ErrorClassUnknown   ErrorClass = "UNKNOWN"
)

// ClassifyError returns the most specific class for err.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrTimeout) {
		return ErrorClassTimeout
	}
	if errors.Is(err, ErrMalformedResponse) {
		return ErrorClassMalformed
	}
	if errors.Is(err, ErrUnusableResponse) {
		return ErrorClassUnusable
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		if ce.StatusCode != 0 {
			return ErrorClassStatus
		}
		return ErrorClassTransport
	}
	return ErrorClassUnknown
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
