// Package replay runs scripted transcript timelines through a turn
// assembler on a manual clock.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lukasbauer/voiceturn/internal/llm"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

// Event types.
const (
	EventPartial   = "partial"
	EventFinal     = "final"
	EventEOU       = "eou"
	EventEcho      = "echo"
	EventAssistant = "assistant"
)

var errEmptyScript = errors.New("script has no events")

// Event is one scripted input at an offset from the start.
type Event struct {
	AtMs    int64  `yaml:"at_ms" json:"at_ms"`
	Type    string `yaml:"type" json:"type"`
	Text    string `yaml:"text" json:"text,omitempty"`
	Speaker string `yaml:"speaker" json:"speaker,omitempty"`

	// Probability is what the scripted detector answers from this
	// event on. Setting it on any event enables semantic evaluation.
	Probability *float64 `yaml:"probability" json:"probability,omitempty"`
}

// Script is a replayable conversation.
type Script struct {
	Session string      `yaml:"session"`
	Turn    turn.Config `yaml:"config"`
	Events  []Event     `yaml:"events"`
	TailMs  int64       `yaml:"tail_ms"` // time simulated after the last event
}

// Load parses a YAML or JSON script. Config keys overlay turn.DefaultConfig.
func Load(r io.Reader) (*Script, error) {
	s := &Script{Session: "replay", Turn: turn.DefaultConfig()}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks event types and offsets.
func (s *Script) Validate() error {
	if len(s.Events) == 0 {
		return errEmptyScript
	}
	for i, ev := range s.Events {
		if ev.AtMs < 0 {
			return fmt.Errorf("event %d: negative at_ms %d", i, ev.AtMs)
		}
		switch ev.Type {
		case EventPartial, EventFinal, EventAssistant:
			if strings.TrimSpace(ev.Text) == "" {
				return fmt.Errorf("event %d: %s without text", i, ev.Type)
			}
		case EventEOU, EventEcho:
		default:
			return fmt.Errorf("event %d: unknown type %q", i, ev.Type)
		}
		if p := ev.Probability; p != nil && (*p < 0 || *p > 1) {
			return fmt.Errorf("event %d: probability %v outside [0,1]", i, *p)
		}
	}
	if err := s.Turn.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Entry is one observed output, stamped with its simulated offset.
type Entry struct {
	AtMs     int64              `json:"at_ms"`
	Message  *turn.UserMessage  `json:"message,omitempty"`
	Decision *turn.TurnDecision `json:"decision,omitempty"`
}

// Result is the full trace of a run.
type Result struct {
	Entries    []Entry  `json:"entries"`
	Dispatched []string `json:"dispatched"`
}

// Options tune a run.
type Options struct {
	// Detector replaces the scripted probabilities, e.g. with a live
	// endpoint. Evaluations still run synchronously on the manual clock.
	Detector llm.Detector
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Run replays s and returns everything the assembler emitted.
func Run(s *Script, opts Options) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	events := append([]Event(nil), s.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].AtMs < events[j].AtMs })

	clk := turn.NewManualClock(epoch)
	res := &Result{}
	var mu sync.Mutex
	offset := func() int64 { return clk.Now().Sub(epoch).Milliseconds() }

	var scripted *scriptedDetector
	detector := opts.Detector
	if detector == nil && (s.Turn.Semantic.Enabled || hasProbability(events)) {
		scripted = &scriptedDetector{}
		detector = scripted
	}

	deps := turn.Deps{
		Sink: turn.MessageSinkFunc(func(m turn.UserMessage) {
			mu.Lock()
			defer mu.Unlock()
			res.Entries = append(res.Entries, Entry{AtMs: offset(), Message: &m})
		}),
		Processor: turn.ProcessorFunc(func(_ context.Context, content string) error {
			mu.Lock()
			defer mu.Unlock()
			res.Dispatched = append(res.Dispatched, content)
			return nil
		}),
		Telemetry: turn.TelemetryFunc(func(d turn.TurnDecision) {
			mu.Lock()
			defer mu.Unlock()
			res.Entries = append(res.Entries, Entry{AtMs: offset(), Decision: &d})
		}),
		Detector: detector,
		Clock:    clk,
		Go:       func(f func()) { f() },
	}
	a := turn.NewAssembler(s.Session, s.Turn, deps)
	defer a.Cleanup()

	for _, ev := range events {
		clk.AdvanceTo(epoch.Add(time.Duration(ev.AtMs) * time.Millisecond))
		if scripted != nil && ev.Probability != nil {
			scripted.set(ev.Probability)
		}
		switch ev.Type {
		case EventPartial:
			a.HandlePartial(ev.Text, ev.Speaker)
		case EventFinal:
			a.HandleFinal(ev.Text, ev.Speaker)
		case EventEOU:
			a.MarkEndOfUtterance()
		case EventEcho:
			a.DiscardPending()
		case EventAssistant:
			a.AddAssistantMessage(ev.Text)
		}
	}

	tail := time.Duration(s.TailMs) * time.Millisecond
	if tail <= 0 {
		tail = defaultTail(s.Turn)
	}
	clk.Advance(tail)

	return res, nil
}

// defaultTail covers every timer the assembler can arm.
func defaultTail(cfg turn.Config) time.Duration {
	tail := cfg.Silence()
	if cfg.Semantic.MaxHold > tail {
		tail = cfg.Semantic.MaxHold
	}
	return tail + time.Second
}

func hasProbability(events []Event) bool {
	for _, ev := range events {
		if ev.Probability != nil {
			return true
		}
	}
	return false
}

// scriptedDetector answers with the most recently scripted probability.
type scriptedDetector struct {
	mu sync.Mutex
	p  *float64
}

func (d *scriptedDetector) set(p *float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := *p
	d.p = &v
}

func (d *scriptedDetector) EOTProbability(_ context.Context, _ []llm.Message) *float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.p == nil {
		return nil
	}
	v := *d.p
	return &v
}
