package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerIncludesStackAndServiceOnError(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "relayhighlight-test")
	log.Error().Stack().Err(errors.New("boom")).Msg("something failed")

	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("invalid json log: %v\n%s", err, line)
	}
	if payload["service"] != "relayhighlight-test" {
		t.Fatalf("expected service field, got %v", payload["service"])
	}
	if payload["level"] != "error" {
		t.Fatalf("expected level=error, got %v", payload["level"])
	}
	if _, ok := payload["stack"]; !ok {
		t.Fatalf("expected stack field in error log: %s", line)
	}
	if _, ok := payload["time"]; !ok {
		t.Fatalf("expected timestamp field: %s", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
