package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cryptotrack/models"
)

type headerSigner struct{ calls int32 }

func (s *headerSigner) Sign(in SignInput) (Signed, error) {
	atomic.AddInt32(&s.calls, 1)
	h := http.Header{}
	h.Set("X-Test-Sign", in.Method+in.Path)
	q := in.RawQuery
	if q != "" {
		q += "&"
	}
	return Signed{RawQuery: q + "signature=abc", Header: h}, nil
}

func newTestTransport(url string, signer Signer) *Transport {
	return NewTransport(TransportConfig{
		Venue:             models.VenueBinance,
		BaseURL:           url,
		MaxRetries:        2,
		RequestsPerSecond: 1000,
		Burst:             10,
		Signer:            signer,
	})
}

func TestTransportSignsRequests(t *testing.T) {
	var gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Test-Sign")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, &headerSigner{})
	body, err := tr.Do(context.Background(), Call{Method: http.MethodGet, Path: "/api/v3/account", Query: map[string][]string{"symbol": {"BTCUSDT"}}, Signed: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body=%s", body)
	}
	if gotQuery != "symbol=BTCUSDT&signature=abc" {
		t.Fatalf("query=%q", gotQuery)
	}
	if gotHeader != "GET/api/v3/account" {
		t.Fatalf("header=%q", gotHeader)
	}
}

func TestTransportRetriesRateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, nil)
	if _, err := tr.Do(context.Background(), Call{Method: http.MethodGet, Path: "/x"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("hits=%d want 2", got)
	}
}

func TestTransportHonoursRetryAfter(t *testing.T) {
	var hits int32
	var first, second atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			first.Store(time.Now().UnixNano())
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		second.Store(time.Now().UnixNano())
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := newTestTransport(srv.URL, nil).Do(context.Background(), Call{Method: http.MethodGet, Path: "/x"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if gap := time.Duration(second.Load() - first.Load()); gap < 900*time.Millisecond {
		t.Fatalf("retry gap=%v with Retry-After: 1", gap)
	}
}

func TestTransportRetryAfterExhaustedKeepsRateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{Venue: models.VenueBinance, BaseURL: srv.URL, MaxRetries: 0, RequestsPerSecond: 1000, Burst: 10})
	_, err := tr.Do(context.Background(), Call{Method: http.MethodGet, Path: "/x"})
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != time.Second {
		t.Fatalf("err=%T %v", err, err)
	}
}

func TestTransportDoesNotRetryTerminalFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, IsAuth},
		{"ip ban", http.StatusTeapot, IsRateLimit},
		{"server error", http.StatusBadGateway, IsTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestTransport(srv.URL, nil).Do(context.Background(), Call{Method: http.MethodGet, Path: "/x"})
			if !tc.check(err) {
				t.Fatalf("unexpected error type: %v", err)
			}
			if got := atomic.LoadInt32(&hits); got != 1 {
				t.Fatalf("hits=%d want 1", got)
			}
		})
	}
}

func TestTransportSignedCallWithoutSigner(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	_, err := newTestTransport(srv.URL, nil).Do(context.Background(), Call{Method: http.MethodGet, Path: "/x", Signed: true})
	if !IsConfig(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("request sent without credentials")
	}
}

func TestTransportNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestTransport(url, nil).Do(context.Background(), Call{Method: http.MethodGet, Path: "/x"})
	if !IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestTransportSetRateLimit(t *testing.T) {
	tr := newTestTransport("http://unused", nil)
	tr.SetRateLimit(20, 4)
	if rps, burst := tr.RateLimit(); rps != 20 || burst != 4 {
		t.Fatalf("rate=%v burst=%d", rps, burst)
	}
}

func TestDecodeMapsToValidation(t *testing.T) {
	var out struct{ Price string }
	if err := Decode(models.VenueBybit, []byte(`{"Price":`), &out); !IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	codes := ErrorCodes{Auth: map[string]bool{"-2015": true}, RateLimit: map[string]bool{"10006": true}}
	h := http.Header{}
	h.Set("Retry-After", "3")

	cases := []struct {
		name   string
		status int
		code   string
		msg    string
		check  func(error) bool
	}{
		{"status 401", 401, "", "", IsAuth},
		{"auth code", 400, "-2015", "invalid api key", IsAuth},
		{"status 429", 429, "", "", IsRateLimit},
		{"rate code", 200, "10006", "", IsRateLimit},
		{"rate wording", 400, "", "Too much request weight used", IsRateLimit},
		{"server", 503, "", "unavailable", IsTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := codes.Classify(models.VenueBinance, tc.status, h, tc.code, tc.msg)
			if !tc.check(err) {
				t.Fatalf("unexpected classification: %v", err)
			}
		})
	}

	var rl *RateLimitError
	if err := codes.Classify(models.VenueBinance, 418, h, "", ""); !errors.As(err, &rl) || !rl.IPBan || rl.RetryAfter != 3*time.Second {
		t.Fatalf("418 classification: %+v", err)
	}
	var api *APIError
	if err := codes.Classify(models.VenueBinance, 400, h, "-1121", "Invalid symbol."); !errors.As(err, &api) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if StatusClassifier(models.VenueBinance)(204, nil, nil) != nil {
		t.Fatal("2xx must classify as success")
	}
}
