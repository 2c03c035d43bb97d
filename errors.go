package chatrelay

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed          = errors.New("chatrelay: engine closed")
	ErrSocketNotFound  = errors.New("chatrelay: socket not found")
	ErrSocketNotOpen   = errors.New("chatrelay: socket not open")
	ErrBusyStreaming   = errors.New("chatrelay: a turn is already in flight")
	ErrEndpointTimeout = errors.New("chatrelay: transport endpoint never became ready")
)

// TransportKind classifies a transport failure.
type TransportKind string

const (
	KindNotOpen        TransportKind = "not-open"
	KindCreationFailed TransportKind = "creation-failed"
	KindConnectionLost TransportKind = "connection-lost"
)

// TransportError represents a connection-level failure. Errors of kind
// creation-failed and connection-lost are retried against the retry budget;
// exhausting the budget surfaces the final error to the caller.
type TransportError struct {
	Kind TransportKind
	Op   string
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("chatrelay: %s %s [%s]: %v", e.Op, e.URL, e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("chatrelay: %s [%s]: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("chatrelay: %s [%s]", e.Op, e.Kind)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError represents an authentication failure.
type AuthError struct {
	// Required is true when no stored credentials could produce a token and
	// an interactive login surface was opened. The caller must wait for the
	// out-of-band completion signal before retrying.
	Required bool

	// InProgress is true when another caller already holds the login surface
	// open. Never opens a second surface.
	InProgress bool

	Err error
}

func (e *AuthError) Error() string {
	switch {
	case e.InProgress:
		return "chatrelay: authentication in progress"
	case e.Required:
		return "chatrelay: authentication required"
	default:
		return fmt.Sprintf("chatrelay: authentication failed: %v", e.Err)
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// SessionError is a backend-reported conversational failure. It is surfaced
// to the caller with a retry affordance and never retried automatically.
type SessionError struct {
	Code    string
	Text    string
	HelpURL string
	Action  string
}

func (e *SessionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chatrelay: session error [%s]: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("chatrelay: session error: %s", e.Text)
}

// IsRetryable reports whether err is a transport failure the engine would
// retry on its own.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind != KindNotOpen
	}
	return false
}

// IsAuthRequired reports whether err means the caller must complete an
// interactive login before retrying.
func IsAuthRequired(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Required
}
