package reader

import (
	"errors"
	"net/http"

	"cryptotrack/internal/metrics/rate"
	"cryptotrack/models"
)

// Classifier maps a REST response to the error taxonomy. It returns nil for
// a successful response.
type Classifier func(status int, header http.Header, body []byte) error

// ErrorCodes lists the venue error codes that mean auth failure or rate limiting.
type ErrorCodes struct {
	Auth      map[string]bool
	RateLimit map[string]bool
}

// Classify builds the typed error for a failed response. code is the venue
// error code from the body, empty when the body carried none.
func (c ErrorCodes) Classify(venue models.VenueID, status int, header http.Header, code, msg string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || c.Auth[code]:
		return &AuthError{Venue: venue, Status: status, Code: code, Message: msg}
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || c.RateLimit[code]:
		return &RateLimitError{
			Venue: venue, Status: status, Code: code, Message: msg,
			RetryAfter: rate.RetryAfter(header),
			IPBan:      status == http.StatusTeapot,
		}
	}
	if limited, ban := rate.DetectLimit(string(venue), msg); limited || ban {
		return &RateLimitError{Venue: venue, Status: status, Code: code, Message: msg, RetryAfter: rate.RetryAfter(header), IPBan: ban}
	}
	if status >= http.StatusInternalServerError {
		return &TransportError{Venue: venue, Op: "http", Status: status, Err: errors.New(msg)}
	}
	return &APIError{Venue: venue, Status: status, Code: code, Message: msg}
}

// StatusClassifier treats any 2xx as success and classifies everything else
// from the status alone.
func StatusClassifier(venue models.VenueID) Classifier {
	return func(status int, header http.Header, body []byte) error {
		if status >= 200 && status < 300 {
			return nil
		}
		return ErrorCodes{}.Classify(venue, status, header, "", truncate(body))
	}
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
