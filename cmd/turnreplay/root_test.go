package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lukasbauer/voiceturn/internal/replay"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

const holdScript = `
session: cli
events:
  - {at_ms: 0, type: final, text: Je voudrais réserver une table, probability: 0.9}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Text(t *testing.T) {
	path := writeScript(t, holdScript)

	out, err := execute(t, "--decisions", path)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if !strings.Contains(out, " 1.100s  > Je voudrais réserver une table") {
		t.Errorf("missing dispatch line:\n%s", out)
	}
	if !strings.Contains(out, "hold (semantic") || !strings.Contains(out, "p=0.90") {
		t.Errorf("missing hold decision:\n%s", out)
	}
	if !strings.HasSuffix(out, "1 utterance(s) dispatched\n") {
		t.Errorf("missing summary:\n%s", out)
	}
}

func TestRootCmd_JSON(t *testing.T) {
	path := writeScript(t, holdScript)

	out, err := execute(t, "--json", path)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	var res replay.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(res.Dispatched) != 1 || res.Dispatched[0] != "Je voudrais réserver une table" {
		t.Errorf("dispatched = %v", res.Dispatched)
	}
}

func TestRootCmd_Errors(t *testing.T) {
	bad := writeScript(t, "events: []")
	bogusProvider := writeScript(t, "config:\n  semantic:\n    provider: bogus\n"+holdScript)
	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"missing file", []string{filepath.Join(t.TempDir(), "nope.yaml")}},
		{"invalid script", []string{bad}},
		{"live detector with unknown provider", []string{"--live-detector", bogusProvider}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}
