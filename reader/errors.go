package reader

import (
	"errors"
	"fmt"
	"time"

	"cryptotrack/models"
)

// AuthError reports a rejected signature, key or permission. It is never
// retried automatically.
type AuthError struct {
	Venue   models.VenueID
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status=%d code=%s): %s", e.Venue, e.Status, e.Code, e.Message)
}

// RateLimitError reports a request refused for exceeding venue limits.
type RateLimitError struct {
	Venue      models.VenueID
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	IPBan      bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (status=%d code=%s): %s", e.Venue, e.Status, e.Code, e.Message)
}

// TransportError reports a network failure, timeout, server error or lost
// stream connection.
type TransportError struct {
	Venue  models.VenueID
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Venue, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports a payload that could not be understood.
type ValidationError struct {
	Venue  models.VenueID
	Reason string
	Raw    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid payload: %s", e.Venue, e.Reason)
}

// ConfigError reports missing or unusable configuration such as a missing
// credential field. It fails the operation before any network call.
type ConfigError struct {
	Venue models.VenueID
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Msg)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsTerminal reports errors that must not trigger retries or reconnects.
func IsTerminal(err error) bool {
	return IsAuth(err) || IsConfig(err)
}

// Invalid builds a ValidationError, truncating raw to a loggable size.
func Invalid(venue models.VenueID, raw []byte, format string, args ...interface{}) *ValidationError {
	const maxRaw = 256
	s := string(raw)
	if len(s) > maxRaw {
		s = s[:maxRaw]
	}
	return &ValidationError{Venue: venue, Reason: fmt.Sprintf(format, args...), Raw: s}
}

// APIError is a request the venue rejected for reasons other than auth or
// rate limits, such as an unknown symbol.
type APIError struct {
	Venue   models.VenueID
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: request rejected (status=%d code=%s): %s", e.Venue, e.Status, e.Code, e.Message)
}
