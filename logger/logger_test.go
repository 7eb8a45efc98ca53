package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestWithComponent(t *testing.T) {
	log := New()
	entry := log.WithComponent("test").WithVenue("binance")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
	if v := entry.Entry.Data["venue"]; v != "binance" {
		t.Fatalf("venue field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalid(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := New()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureEnvLevelWins(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log := New()
	if err := log.Configure("error", "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := log.GetLevel().String(); got != "debug" {
		t.Fatalf("level=%s want debug", got)
	}
}

func TestJSONOutputFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := New()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("stream").WithError(errors.New("boom")).Warn("dial failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "dial failed" || line["component"] != "stream" || line["level"] != "warning" {
		t.Fatalf("unexpected line: %v", line)
	}
	if file, _ := line["file"].(string); !strings.HasPrefix(file, "logger_test.go:") {
		t.Fatalf("caller not resolved to test file: %v", line["file"])
	}
	if warns, _ := ComponentIssues("stream"); warns < 1 {
		t.Fatalf("warn counter not incremented")
	}
}

func TestCount(t *testing.T) {
	before := Counter("test_counter")
	Count("test_counter", 2)
	if got := Counter("test_counter"); got != before+2 {
		t.Fatalf("counter=%d want %d", got, before+2)
	}
}
