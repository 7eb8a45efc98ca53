package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	ratemetrics "cryptotrack/internal/metrics/rate"
	"cryptotrack/internal/metrics"
	"cryptotrack/logger"
	"cryptotrack/models"
)

const maxResponseBytes = 4 << 20

// TransportConfig configures a venue REST transport.
type TransportConfig struct {
	Venue             models.VenueID
	BaseURL           string
	Timeout           time.Duration
	MaxRetries        uint
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Signer            Signer
	Classify          Classifier
	Now               func() time.Time
	Log               *logger.Log
}

// Call is one REST request. Body is JSON encoded when non-nil.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	Signed bool
}

// Transport performs paced, signed and classified REST calls for one venue.
// Rate limited calls are retried with exponential backoff; every other
// failure is returned as is.
type Transport struct {
	venue      models.VenueID
	baseURL    string
	client     *http.Client
	signer     Signer
	classify   Classifier
	limiter    *rate.Limiter
	maxRetries uint
	now        func() time.Time
	log        *logger.Log
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  false,
			},
		}
	}
	classify := cfg.Classify
	if classify == nil {
		classify = StatusClassifier(cfg.Venue)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Transport{
		venue:      cfg.Venue,
		baseURL:    cfg.BaseURL,
		client:     client,
		signer:     cfg.Signer,
		classify:   classify,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		now:        now,
		log:        logger.OrDefault(cfg.Log),
	}
}

func (t *Transport) Venue() models.VenueID { return t.venue }

func (t *Transport) BaseURL() string { return t.baseURL }

// HTTPClient exposes the underlying client so venue SDKs share the pool.
func (t *Transport) HTTPClient() *http.Client { return t.client }

// SetRateLimit retunes the request pacing.
func (t *Transport) SetRateLimit(perSecond float64, burst int) {
	t.limiter.SetLimit(rate.Limit(perSecond))
	t.limiter.SetBurst(burst)
}

// Wait blocks until the limiter admits one request. Venue SDK calls that
// bypass Do use it to share the pacing.
func (t *Transport) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return &TransportError{Venue: t.venue, Op: "rate wait", Err: err}
	}
	return nil
}

// RateLimit returns the current pacing.
func (t *Transport) RateLimit() (perSecond float64, burst int) {
	return float64(t.limiter.Limit()), t.limiter.Burst()
}

// Do executes call and returns the raw response body of a successful response.
func (t *Transport) Do(ctx context.Context, call Call) ([]byte, error) {
	var payload []byte
	if call.Body != nil {
		encoded, err := json.Marshal(call.Body)
		if err != nil {
			return nil, &ValidationError{Venue: t.venue, Reason: fmt.Sprintf("encode request body: %v", err)}
		}
		payload = encoded
	}
	if call.Signed && t.signer == nil {
		return nil, &ConfigError{Venue: t.venue, Msg: "signed call without credentials"}
	}

	started := time.Now()
	log := t.log.WithComponent("rest").WithVenue(string(t.venue)).WithFields(logger.Fields{
		"method": call.Method,
		"path":   call.Path,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		body, err := t.once(ctx, call, payload)
		if err == nil {
			return body, nil
		}
		var rl *RateLimitError
		if errors.As(err, &rl) {
			if rl.IPBan {
				ratemetrics.ReportIPBan(t.log, string(t.venue), call.Path)
				return nil, backoff.Permanent(err)
			}
			ratemetrics.ReportRateLimitExceeded(t.log, string(t.venue), call.Path)
			if rl.RetryAfter > 0 {
				return nil, &serverDelay{rl: rl, wait: &backoff.RetryAfterError{Duration: rl.RetryAfter}}
			}
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(t.maxRetries+1))
	var delayed *serverDelay
	if errors.As(err, &delayed) {
		err = delayed.rl
	}

	log.LogDuration("rest call", started)
	if err != nil {
		if !isTyped(err) {
			err = &TransportError{Venue: t.venue, Op: call.Method + " " + call.Path, Err: err}
		}
		metrics.IncRestRequest(string(t.venue), outcome(err))
		log.WithError(err).Debug("rest call failed")
		return nil, err
	}
	metrics.IncRestRequest(string(t.venue), "ok")
	return body, nil
}

func (t *Transport) once(ctx context.Context, call Call, payload []byte) ([]byte, error) {
	op := call.Method + " " + call.Path
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Venue: t.venue, Op: op, Err: err}
	}

	rawQuery := ""
	if call.Query != nil {
		rawQuery = call.Query.Encode()
	}
	header := http.Header{}
	if call.Signed {
		signed, err := t.signer.Sign(SignInput{
			Method:    call.Method,
			Path:      call.Path,
			RawQuery:  rawQuery,
			Body:      payload,
			Timestamp: t.now(),
		})
		if err != nil {
			return nil, err
		}
		rawQuery = signed.RawQuery
		for k, vs := range signed.Header {
			for _, v := range vs {
				header.Add(k, v)
			}
		}
	}

	target := t.baseURL + call.Path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, target, bodyReader)
	if err != nil {
		return nil, &TransportError{Venue: t.venue, Op: op, Err: err}
	}
	req.Header = header
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Venue: t.venue, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Venue: t.venue, Op: op, Status: resp.StatusCode, Err: err}
	}
	ratemetrics.ReportUsedWeight(t.log, string(t.venue), resp.Header)

	if err := t.classify(resp.StatusCode, resp.Header, body); err != nil {
		return nil, err
	}
	return body, nil
}

// serverDelay carries a venue Retry-After into the retry schedule.
type serverDelay struct {
	rl   *RateLimitError
	wait *backoff.RetryAfterError
}

func (e *serverDelay) Error() string   { return e.rl.Error() }
func (e *serverDelay) Unwrap() []error { return []error{e.rl, e.wait} }

func isTyped(err error) bool {
	var api *APIError
	return IsAuth(err) || IsRateLimit(err) || IsTransport(err) || IsValidation(err) || IsConfig(err) || errors.As(err, &api)
}

func outcome(err error) string {
	switch {
	case IsAuth(err):
		return "auth_error"
	case IsRateLimit(err):
		return "rate_limited"
	case IsTransport(err):
		return "transport_error"
	case IsValidation(err):
		return "invalid_payload"
	case IsConfig(err):
		return "config_error"
	}
	return "rejected"
}

// Decode unmarshals a response body, mapping failures to ValidationError.
func Decode(venue models.VenueID, body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return Invalid(venue, body, "decode response: %v", err)
	}
	return nil
}

// ParseDecimal parses a venue amount, mapping failures to ValidationError.
func ParseDecimal(venue models.VenueID, field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Venue: venue, Reason: fmt.Sprintf("%s: %q is not a number", field, s)}
	}
	return d, nil
}

// ParseOptionalDecimal is ParseDecimal with empty input read as zero.
func ParseOptionalDecimal(venue models.VenueID, field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return ParseDecimal(venue, field, s)
}

// ParsePrice parses a price that must be positive.
func ParsePrice(venue models.VenueID, field, s string) (decimal.Decimal, error) {
	d, err := ParseDecimal(venue, field, s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, &ValidationError{Venue: venue, Reason: fmt.Sprintf("%s: %q is not a positive price", field, s)}
	}
	return d, nil
}
