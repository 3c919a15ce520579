package domain

import "fmt"

// NotFoundError reports a reference to a phase or action that does not exist.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Ref)
}

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigurationError reports a caller that omitted a required field.
type ConfigurationError struct {
	Field string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// TransportError reports a connection that could not be written to.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeliveryError reports a failed channel send.
type DeliveryError struct {
	Channel Channel
	Attempt int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s (attempt %d): %v", e.Channel, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
