package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/voiceturn/internal/llm"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder captures everything an Assembler emits.
type recorder struct {
	mu        sync.Mutex
	messages  []UserMessage
	processed []string
	decisions []TurnDecision
}

func (r *recorder) OnMessage(msg UserMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) ProcessUserMessage(ctx context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, content)
	return nil
}

func (r *recorder) RecordTurnDecision(d TurnDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) Processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.processed...)
}

func (r *recorder) Finals() []UserMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []UserMessage
	for _, m := range r.messages {
		if !m.IsInterim {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) Messages() []UserMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UserMessage(nil), r.messages...)
}

func (r *recorder) Decisions(decision string) []TurnDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TurnDecision
	for _, d := range r.decisions {
		if decision == "" || d.Decision == decision {
			out = append(out, d)
		}
	}
	return out
}

type harness struct {
	a   *Assembler
	clk *ManualClock
	rec *recorder
}

// newHarness builds an Assembler on a manual clock that runs background
// work synchronously.
func newHarness(t *testing.T, cfg Config, detector llm.Detector) *harness {
	t.Helper()
	clk := NewManualClock(epoch)
	rec := &recorder{}
	deps := Deps{
		Sink:      rec,
		Processor: rec,
		Telemetry: rec,
		Clock:     clk,
		Go:        func(f func()) { f() },
	}
	if detector != nil {
		deps.Detector = detector
	}
	a := NewAssembler("test-session", cfg, deps)
	t.Cleanup(a.Cleanup)
	return &harness{a: a, clk: clk, rec: rec}
}

// at advances the clock to epoch+ms.
func (h *harness) at(ms int) {
	h.clk.AdvanceTo(epoch.Add(time.Duration(ms) * time.Millisecond))
}

func prob(p float64) *float64 { return &p }

// scriptedDetector returns queued probabilities in order, then nil.
type scriptedDetector struct {
	mu       sync.Mutex
	results  []*float64
	calls    int
	messages [][]llm.Message
}

func (d *scriptedDetector) EOTProbability(ctx context.Context, messages []llm.Message) *float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.messages = append(d.messages, messages)
	if len(d.results) == 0 {
		return nil
	}
	p := d.results[0]
	d.results = d.results[1:]
	return p
}

func (d *scriptedDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
