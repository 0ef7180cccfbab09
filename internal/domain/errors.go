package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// GeometryError reports an unusable affected area. Targeting recovers from
// it by falling back to region-wide delivery.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "geometry: " + e.Reason
}

// InvalidReadingError reports a reading that cannot be evaluated.
type InvalidReadingError struct {
	StationID string
	Reason    string
	Err       error
}

func (e *InvalidReadingError) Error() string {
	msg := fmt.Sprintf("invalid reading from station %q: %s", e.StationID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidReadingError) Unwrap() error { return e.Err }

// GatewayTransportError reports a batch call that failed before per-token
// results were available (network error, timeout or non-2xx status).
type GatewayTransportError struct {
	StatusCode int // zero when no response was received
	Body       string
	Err        error
}

func (e *GatewayTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push gateway: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("push gateway: %v", e.Err)
}

func (e *GatewayTransportError) Unwrap() error { return e.Err }

// GatewayTicketError reports a per-token rejection returned by the gateway.
type GatewayTicketError struct {
	Token   string
	Code    string
	Message string
}

func (e *GatewayTicketError) Error() string {
	return fmt.Sprintf("push ticket for %s: %s: %s", e.Token, e.Code, e.Message)
}

// TokenFormatError reports a token rejected before contacting the gateway.
type TokenFormatError struct {
	Token string
}

func (e *TokenFormatError) Error() string {
	return fmt.Sprintf("malformed push token %q", e.Token)
}

// ValidationError reports an alert or rule that violates a domain invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
