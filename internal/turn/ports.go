package turn

import (
	"context"
	"time"
)

// UserMessage is emitted for every interim preview and for the final dispatch.
type UserMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsInterim bool      `json:"isInterim"`
	MessageID string    `json:"messageId,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
}

// TurnDecision describes one turn-taking decision. Telemetry only.
type TurnDecision struct {
	SessionID    string    `json:"sessionId"`
	Trigger      string    `json:"trigger"`
	Probability  *float64  `json:"probability,omitempty"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	Threshold    float64   `json:"threshold,omitempty"`
	PendingChars int       `json:"pendingChars"`
	PendingWords int       `json:"pendingWords"`
	HoldMs       int64     `json:"holdMs"`
	Timestamp    time.Time `json:"timestamp"`
}

// Triggers.
const (
	TriggerSilence        = "silence"
	TriggerDebounce       = "debounce"
	TriggerSemantic       = "semantic"
	TriggerSemanticHold   = "semantic_hold"
	TriggerFailsafe       = "failsafe"
	TriggerSpeakerChange  = "speaker_change"
	TriggerEndOfUtterance = "end_of_utterance"
	TriggerEcho           = "echo"
	TriggerPartial        = "partial"
	TriggerFinal          = "final"
)

// Decisions.
const (
	DecisionDispatch = "dispatch"
	DecisionReject   = "reject"
	DecisionSuppress = "suppress"
	DecisionHold     = "hold"
	DecisionWait     = "wait"
	DecisionFallback = "fallback"
	DecisionDiscard  = "discard"
	DecisionDrop     = "drop"
	DecisionIgnore   = "ignore"
	DecisionDedupe   = "dedupe"
)

// MessageSink receives previews and final dispatches. It is called with the
// assembler's lock held and must not call back into the Assembler.
type MessageSink interface {
	OnMessage(msg UserMessage)
}

// Processor handles a finalized utterance. Called exactly once per dispatch
// on its own goroutine.
type Processor interface {
	ProcessUserMessage(ctx context.Context, content string) error
}

// Telemetry records turn decisions.
type Telemetry interface {
	RecordTurnDecision(d TurnDecision)
}

// MessageSinkFunc adapts a function to MessageSink.
type MessageSinkFunc func(UserMessage)

// OnMessage implements MessageSink.
func (f MessageSinkFunc) OnMessage(msg UserMessage) { f(msg) }

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, content string) error

// ProcessUserMessage implements Processor.
func (f ProcessorFunc) ProcessUserMessage(ctx context.Context, content string) error {
	return f(ctx, content)
}

// TelemetryFunc adapts a function to Telemetry.
type TelemetryFunc func(TurnDecision)

// RecordTurnDecision implements Telemetry.
func (f TelemetryFunc) RecordTurnDecision(d TurnDecision) { f(d) }
