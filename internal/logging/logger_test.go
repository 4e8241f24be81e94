package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "debug", Format: "json"}, &buf)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	l := WithSession("sess-1")
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v, want sess-1", entry["sessionId"])
	}
	if entry["service"] != "voiceturn" {
		t.Errorf("service = %v, want voiceturn", entry["service"])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
}

func TestSetup_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "loud"}, &buf)

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("global level = %v, want info", zerolog.GlobalLevel())
	}

	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug message written at info level: %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Setup(DefaultConfig(), &buf)

	l := WithComponent("turn")
	l.Warn().Msg("x")

	if !bytes.Contains(buf.Bytes(), []byte(`"component":"turn"`)) {
		t.Errorf("component field missing: %s", buf.String())
	}
}
