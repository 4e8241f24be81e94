package turn

import (
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateAccumulating, "ACCUMULATING"},
		{StateDebouncing, "DEBOUNCING"},
		{StateSemanticHold, "SEMANTIC_HOLD"},
		{StateDispatched, "DISPATCHED"},
		{StateDiscarded, "DISCARDED"},
		{State(42), "UNKNOWN(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_HasPending(t *testing.T) {
	pending := map[State]bool{
		StateIdle:         false,
		StateAccumulating: true,
		StateDebouncing:   true,
		StateSemanticHold: true,
		StateDispatched:   false,
		StateDiscarded:    false,
	}
	for s, want := range pending {
		if got := s.HasPending(); got != want {
			t.Errorf("%v.HasPending() = %v, want %v", s, got, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero debounce", func(c *Config) { c.DebounceDelay = 0 }, true},
		{"debounce longer than silence", func(c *Config) { c.SilenceTimeout = 500 * time.Millisecond }, true},
		{"similarity above one", func(c *Config) { c.FuzzyEndSimilarity = 1.2 }, true},
		{"semantic enabled with bad provider", func(c *Config) {
			c.Semantic.Enabled = true
			c.Semantic.Provider = "nope"
		}, true},
		{"semantic disabled ignores provider", func(c *Config) { c.Semantic.Provider = "nope" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Silence(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Silence().Seconds(); got != 10 {
		t.Errorf("Silence() with previews = %vs, want 10s", got)
	}
	cfg.InterimPreviews = false
	if got := cfg.Silence().Seconds(); got != 5 {
		t.Errorf("Silence() without previews = %vs, want 5s", got)
	}
}

func TestHistory_Cap(t *testing.T) {
	h := NewHistory(2)
	h.Append("user", "a")
	h.Append("assistant", "b")
	h.Append("user", "c")

	got := h.Last(0)
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Errorf("Last(0) = %+v, want [b c]", got)
	}
	if last := h.Last(1); len(last) != 1 || last[0].Content != "c" {
		t.Errorf("Last(1) = %+v", last)
	}
}
