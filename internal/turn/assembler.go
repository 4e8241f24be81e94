// Package turn assembles streaming STT events into finalized user utterances.
//
// An Assembler owns one conversation. It buffers partial and final
// transcripts, decides when the user has finished speaking and dispatches
// each finalized utterance exactly once.
//
// State transitions:
//
//	IDLE → ACCUMULATING ⇄ DEBOUNCING → SEMANTIC_HOLD → DISPATCHED
//	          │               │              │
//	          └───────────────┴──────────────┴── DiscardPending() ──→ DISCARDED
//
// Timers:
//   - one slot holds the silence, debounce or semantic-hold timer; arming
//     replaces whatever the slot held
//   - the failsafe timer runs from utterance creation and skips every check;
//     while transcripts keep arriving it waits for a silence window
package turn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceturn/internal/llm"
	"github.com/lukasbauer/voiceturn/internal/logging"
)

// Deps are the collaborators of an Assembler.
type Deps struct {
	Sink      MessageSink  // optional
	Processor Processor    // required
	Detector  llm.Detector // nil disables semantic evaluation
	Telemetry Telemetry    // optional
	History   *History     // nil creates a private history
	Clock     Clock        // nil uses the real clock

	// Go runs background work (detector calls, the processor).
	// Defaults to starting a goroutine.
	Go func(func())
}

// PendingUtterance is a snapshot of the buffered turn.
type PendingUtterance struct {
	Text         string
	Speaker      string
	StreamID     string
	MessageID    string
	CreatedAt    time.Time
	LastUpdateAt time.Time
}

type pendingUtterance struct {
	committed    string // merged finals
	partial      string // partial hypotheses merged since the last final
	speaker      string
	streamID     string
	messageID    string
	createdAt    time.Time
	lastUpdateAt time.Time
}

func (p *pendingUtterance) text(cfg MergeConfig) string {
	return strings.TrimSpace(mergeText(p.committed, p.partial, cfg))
}

type timerSlot struct {
	kind  timerKind
	seq   uint64
	timer Timer
}

// Assembler is the turn-detection state machine for one conversation.
// Safe for concurrent use.
type Assembler struct {
	mu sync.Mutex

	sessionID string
	cfg       Config
	complete  completeness

	sink      MessageSink
	processor Processor
	detector  llm.Detector
	telemetry Telemetry
	history   *History
	clock     Clock
	goFn      func(func())
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state   State
	pending *pendingUtterance
	gen     uint64 // bumped whenever a pending utterance starts or ends
	speaker string

	lastPartial    string
	lastFinal      string
	lastDispatched string

	seq      uint64
	slot     timerSlot
	failsafe timerSlot

	evalBusy  bool
	evalRerun bool

	work []func() // run via goFn once the lock is released
}

// NewAssembler creates an Assembler for one conversation.
func NewAssembler(sessionID string, cfg Config, deps Deps) *Assembler {
	if deps.History == nil {
		deps.History = NewHistory(cfg.HistorySize)
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Go == nil {
		deps.Go = func(f func()) { go f() }
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Assembler{
		sessionID: sessionID,
		cfg:       cfg,
		complete:  newCompleteness(cfg),
		sink:      deps.Sink,
		processor: deps.Processor,
		detector:  deps.Detector,
		telemetry: deps.Telemetry,
		history:   deps.History,
		clock:     deps.Clock,
		goFn:      deps.Go,
		log:       logging.WithSession(sessionID).With().Str("component", "turn").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}
}

// SessionID returns the conversation id.
func (a *Assembler) SessionID() string { return a.sessionID }

// History returns the shared conversation history.
func (a *Assembler) History() *History { return a.history }

// State returns the current state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Pending returns a snapshot of the buffered turn, if any.
func (a *Assembler) Pending() (PendingUtterance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return PendingUtterance{}, false
	}
	p := a.pending
	return PendingUtterance{
		Text:         p.text(a.cfg.Merge),
		Speaker:      p.speaker,
		StreamID:     p.streamID,
		MessageID:    p.messageID,
		CreatedAt:    p.createdAt,
		LastUpdateAt: p.lastUpdateAt,
	}, true
}

// HandlePartial handles an interim STT hypothesis. speaker may be empty.
func (a *Assembler) HandlePartial(text, speaker string) {
	a.handleTranscript(text, speaker, false)
}

// HandleFinal handles a provider-confirmed STT segment. speaker may be empty.
func (a *Assembler) HandleFinal(text, speaker string) {
	a.handleTranscript(text, speaker, true)
}

// MarkEndOfUtterance records the provider's end-of-utterance signal.
// It never dispatches on its own.
func (a *Assembler) MarkEndOfUtterance() {
	a.mu.Lock()
	defer a.unlock()
	a.record(a.pending, TriggerEndOfUtterance, nil, DecisionIgnore, ReasonAdvisory)
}

// DiscardPending drops the pending utterance without dispatching it, for
// transcripts detected as echo. The speaker context is kept.
// Returns false if nothing was pending.
func (a *Assembler) DiscardPending() bool {
	a.mu.Lock()
	defer a.unlock()
	if a.pending == nil {
		return false
	}
	a.record(a.pending, TriggerEcho, nil, DecisionDiscard, "")
	a.clearPending(StateDiscarded)
	return true
}

// AddAssistantMessage appends an assistant turn to the shared history.
func (a *Assembler) AddAssistantMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.history.Append(llm.RoleAssistant, text)
}

// Cleanup stops all timers and drops pending state. Idempotent; the
// Assembler can be used again afterwards.
func (a *Assembler) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopTimers()
	a.cancel()
	a.ctx, a.cancel = context.WithCancel(context.Background())
	if a.pending != nil {
		a.gen++
	}
	a.pending = nil
	a.lastPartial, a.lastFinal = "", ""
	a.state = StateIdle
	a.evalRerun = false
	a.work = nil
}

func (a *Assembler) stopTimers() {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("timer teardown failed")
			sentry.CurrentHub().Recover(r)
		}
		a.slot, a.failsafe = timerSlot{}, timerSlot{}
	}()
	a.stopSlot(&a.slot)
	a.stopSlot(&a.failsafe)
}

func (a *Assembler) handleTranscript(text, speaker string, final bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.unlock()

	if speaker != "" && a.speaker != "" && speaker != a.speaker {
		if a.pending != nil {
			a.flushForSpeakerChange()
		}
		a.lastPartial, a.lastFinal = "", ""
	}
	if speaker != "" {
		a.speaker = speaker
	}

	last := &a.lastPartial
	if final {
		last = &a.lastFinal
	}
	if isDuplicateTranscript(*last, text, a.cfg.DuplicateSimilarity) {
		trigger := TriggerPartial
		if final {
			trigger = TriggerFinal
		}
		a.record(a.pending, trigger, nil, DecisionDedupe, ReasonDuplicate)
		return
	}
	*last = text

	now := a.clock.Now()
	if a.pending == nil {
		a.startPending(now)
	}
	p := a.pending
	if final {
		p.committed = mergeText(p.committed, text, a.cfg.Merge)
		p.partial = ""
	} else {
		p.partial = mergeText(p.partial, text, a.cfg.Merge)
	}
	p.lastUpdateAt = now

	if a.cfg.InterimPreviews {
		a.emit(UserMessage{
			Role:      llm.RoleUser,
			Content:   p.text(a.cfg.Merge),
			Timestamp: now,
			IsInterim: true,
			MessageID: p.messageID,
			Speaker:   p.speaker,
		})
	}

	// Finals always debounce. Partials only do when a detector can judge
	// them; otherwise they just push the silence deadline back.
	if final || a.detector != nil {
		a.arm(timerDebounce, a.cfg.DebounceDelay)
		a.state = StateDebouncing
	} else {
		a.arm(timerSilence, a.cfg.Silence())
		a.state = StateAccumulating
	}
}

func (a *Assembler) startPending(now time.Time) {
	a.gen++
	a.pending = &pendingUtterance{
		speaker:      a.speaker,
		streamID:     a.sessionID,
		messageID:    uuid.NewString(),
		createdAt:    now,
		lastUpdateAt: now,
	}
	if maxHold := a.cfg.Semantic.MaxHold; maxHold > 0 {
		a.armFailsafe(maxHold)
	}
}

func (a *Assembler) armFailsafe(d time.Duration) {
	a.stopSlot(&a.failsafe)
	a.seq++
	seq := a.seq
	a.failsafe = timerSlot{
		kind:  timerNone,
		seq:   seq,
		timer: a.clock.AfterFunc(d, func() { a.onFailsafe(seq) }),
	}
}

func (a *Assembler) flushForSpeakerChange() {
	if a.finalize(TriggerSpeakerChange, true, false) {
		return
	}
	a.record(a.pending, TriggerSpeakerChange, nil, DecisionDrop, ReasonFragmentEnd)
	a.clearPending(StateIdle)
}

func (a *Assembler) arm(kind timerKind, d time.Duration) {
	a.stopSlot(&a.slot)
	if d < 0 {
		d = 0
	}
	a.seq++
	seq := a.seq
	a.slot = timerSlot{
		kind:  kind,
		seq:   seq,
		timer: a.clock.AfterFunc(d, func() { a.onTimer(kind, seq) }),
	}
}

// armSilenceRemaining re-arms the silence timer for what is left of the
// silence window since the last transcript.
func (a *Assembler) armSilenceRemaining() {
	if a.pending == nil {
		return
	}
	deadline := a.pending.lastUpdateAt.Add(a.cfg.Silence())
	a.arm(timerSilence, deadline.Sub(a.clock.Now()))
}

func (a *Assembler) stopSlot(s *timerSlot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	*s = timerSlot{}
}

func (a *Assembler) onTimer(kind timerKind, seq uint64) {
	a.mu.Lock()
	defer a.unlock()

	if a.slot.timer == nil || a.slot.seq != seq {
		return
	}
	a.slot = timerSlot{}
	a.log.Debug().Stringer("timer", kind).Msg("timer fired")

	switch kind {
	case timerSilence:
		a.state = StateAccumulating
		a.finalize(TriggerSilence, true, false)
	case timerDebounce:
		a.onDebounce()
	case timerHold:
		if !a.finalize(TriggerSemanticHold, true, false) {
			a.state = StateAccumulating
			a.armSilenceRemaining()
		}
	}
}

func (a *Assembler) onFailsafe(seq uint64) {
	a.mu.Lock()
	defer a.unlock()

	if a.failsafe.timer == nil || a.failsafe.seq != seq {
		return
	}
	a.failsafe = timerSlot{}
	if a.pending == nil {
		return
	}
	// Never cut into ongoing speech.
	now := a.clock.Now()
	if quiet := a.pending.lastUpdateAt.Add(a.cfg.Silence()); now.Before(quiet) {
		a.record(a.pending, TriggerFailsafe, nil, DecisionWait, ReasonStillSpeaking)
		a.armFailsafe(quiet.Sub(now))
		return
	}
	a.finalize(TriggerFailsafe, true, true)
}

func (a *Assembler) onDebounce() {
	if a.pending == nil {
		return
	}
	if a.detector == nil {
		if !a.finalize(TriggerDebounce, false, false) {
			a.state = StateAccumulating
			a.armSilenceRemaining()
		}
		return
	}
	a.startEvaluation()
}

// startEvaluation queries the detector for the pending text. At most one
// evaluation is in flight; triggers arriving meanwhile set evalRerun.
func (a *Assembler) startEvaluation() {
	a.state = StateDebouncing
	a.armSilenceRemaining()
	if a.evalBusy {
		a.evalRerun = true
		return
	}

	text := a.pending.text(a.cfg.Merge)
	msgs := append(a.history.Last(a.cfg.Semantic.ContextMessages), llm.Message{Role: llm.RoleUser, Content: text})
	gen := a.gen
	ctx := a.ctx
	a.evalBusy = true

	a.work = append(a.work, func() {
		p := a.detector.EOTProbability(ctx, msgs)
		a.onEvaluation(gen, text, p)
	})
}

func (a *Assembler) onEvaluation(gen uint64, text string, p *float64) {
	a.mu.Lock()
	defer a.unlock()

	a.evalBusy = false
	rerun := a.evalRerun
	a.evalRerun = false

	if a.pending == nil || gen != a.gen || a.pending.text(a.cfg.Merge) != text {
		a.record(a.pending, TriggerSemantic, p, DecisionIgnore, ReasonStale)
		if rerun && a.pending != nil {
			a.startEvaluation()
		}
		return
	}

	switch {
	case p == nil:
		a.record(a.pending, TriggerSemantic, nil, DecisionFallback, ReasonNoProbability)
		a.state = StateAccumulating
		if a.cfg.Semantic.FallbackMode == llm.FallbackHeuristic {
			a.finalize(TriggerSemantic, false, false)
		}
	case *p >= a.cfg.Semantic.ProbabilityThreshold:
		a.record(a.pending, TriggerSemantic, p, DecisionHold, ReasonComplete)
		if a.cfg.Semantic.GracePeriod <= 0 {
			if !a.finalize(TriggerSemantic, true, false) {
				a.state = StateAccumulating
			}
			return
		}
		a.arm(timerHold, a.cfg.Semantic.GracePeriod)
		a.state = StateSemanticHold
	default:
		// The silence timer armed at evaluation start stays; no retry.
		a.record(a.pending, TriggerSemantic, p, DecisionWait, ReasonBelowThreshold)
		a.state = StateAccumulating
	}
}

// finalize dispatches the pending utterance if it passes the completeness
// check. Called with the lock held.
func (a *Assembler) finalize(trigger string, force, absoluteFailsafe bool) bool {
	if a.pending == nil {
		return false
	}
	text := a.pending.text(a.cfg.Merge)
	ok, reason := a.complete.check(text, force, absoluteFailsafe)
	if !ok {
		a.record(a.pending, trigger, nil, DecisionReject, reason)
		return false
	}
	a.dispatch(trigger, text, reason)
	return true
}

func (a *Assembler) dispatch(trigger, text, reason string) {
	p := a.pending
	a.clearPending(StateDispatched)

	// Whole-utterance repeats are judged before the overlap trim would empty them.
	trimmed := text
	why := suppressReason(a.lastDispatched, text, a.cfg)
	if why == "" {
		trimmed = trimOverlap(a.lastDispatched, text, a.cfg.OverlapTrimMaxWords)
		if trimmed != text {
			why = suppressReason(a.lastDispatched, trimmed, a.cfg)
		}
	}
	if why != "" {
		a.record(p, trigger, nil, DecisionSuppress, why)
		return
	}
	a.record(p, trigger, nil, DecisionDispatch, reason)
	a.lastDispatched = trimmed

	a.emit(UserMessage{
		Role:      llm.RoleUser,
		Content:   trimmed,
		Timestamp: a.clock.Now(),
		MessageID: p.messageID,
		Speaker:   p.speaker,
	})
	a.history.Append(llm.RoleUser, trimmed)

	if a.processor == nil {
		return
	}
	ctx := context.WithoutCancel(a.ctx)
	a.work = append(a.work, func() { a.process(ctx, trimmed) })
}

func (a *Assembler) process(ctx context.Context, content string) {
	if err := a.processor.ProcessUserMessage(ctx, content); err != nil {
		err = fmt.Errorf("process user message: %w", err)
		a.log.Error().Err(err).Msg("downstream processing failed")
		sentry.CaptureException(err)
	}
}

func (a *Assembler) clearPending(state State) {
	a.stopSlot(&a.slot)
	a.stopSlot(&a.failsafe)
	if a.pending != nil {
		a.gen++
	}
	a.pending = nil
	a.lastPartial, a.lastFinal = "", ""
	a.state = state
}

func (a *Assembler) emit(msg UserMessage) {
	if a.sink != nil {
		a.sink.OnMessage(msg)
	}
}

func (a *Assembler) record(p *pendingUtterance, trigger string, prob *float64, decision, reason string) {
	now := a.clock.Now()
	d := TurnDecision{
		SessionID:   a.sessionID,
		Trigger:     trigger,
		Probability: prob,
		Decision:    decision,
		Reason:      reason,
		Timestamp:   now,
	}
	if a.detector != nil {
		d.Threshold = a.cfg.Semantic.ProbabilityThreshold
	}
	if p != nil {
		text := p.text(a.cfg.Merge)
		d.PendingChars = len([]rune(text))
		d.PendingWords = len(words(text))
		d.HoldMs = now.Sub(p.createdAt).Milliseconds()
	}

	ev := a.log.Debug().
		Str("trigger", trigger).
		Str("decision", decision).
		Str("reason", reason).
		Int("pendingChars", d.PendingChars).
		Int64("holdMs", d.HoldMs)
	if prob != nil {
		ev = ev.Float64("probability", *prob)
	}
	ev.Msg("turn decision")

	if a.telemetry != nil {
		a.telemetry.RecordTurnDecision(d)
	}
}

// unlock releases the lock and starts the background work queued under it.
func (a *Assembler) unlock() {
	work := a.work
	a.work = nil
	a.mu.Unlock()
	for _, f := range work {
		a.goFn(f)
	}
}
