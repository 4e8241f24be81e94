package turn

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/voiceturn/internal/llm"
)

func TestPartialWithoutDetector_DispatchesAfterSilence(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Bonjour", "")

	h.at(9999)
	if got := h.rec.Processed(); len(got) != 0 {
		t.Fatalf("dispatched before silence timeout: %v", got)
	}

	h.at(10000)
	got := h.rec.Processed()
	if len(got) != 1 {
		t.Fatalf("processed %d times, want 1: %v", len(got), got)
	}
	if !strings.Contains(got[0], "Bonjour") {
		t.Errorf("processed %q, want it to contain %q", got[0], "Bonjour")
	}

	h.at(60000)
	if n := len(h.rec.Processed()); n != 1 {
		t.Errorf("processed %d times after waiting, want exactly 1", n)
	}
	if s := h.a.State(); s != StateDispatched {
		t.Errorf("State() = %v, want %v", s, StateDispatched)
	}
}

func TestGrowingPartial_ResetsSilenceTimer(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Je pense que", "")
	h.at(9500)
	h.a.HandlePartial("Je pense que c'est une bonne idée", "")

	h.at(19499)
	if got := h.rec.Processed(); len(got) != 0 {
		t.Fatalf("dispatched too early: %v", got)
	}

	h.at(19500)
	got := h.rec.Processed()
	if len(got) != 1 {
		t.Fatalf("processed %d times, want 1: %v", len(got), got)
	}
	if got[0] != "Je pense que c'est une bonne idée" {
		t.Errorf("processed %q, want the complete sentence", got[0])
	}
}

func TestFragmentEnding_OnlyFailsafeDispatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Semantic.MaxHold = 20 * time.Second
	h := newHarness(t, cfg, nil)

	h.a.HandleFinal("Je voudrais un café et", "")

	// Debounce and silence both reject the fragment.
	h.at(19999)
	if got := h.rec.Processed(); len(got) != 0 {
		t.Fatalf("fragment dispatched before failsafe: %v", got)
	}
	if len(h.rec.Decisions(DecisionReject)) < 2 {
		t.Errorf("want debounce and silence rejections, got %+v", h.rec.Decisions(""))
	}

	h.at(20000)
	got := h.rec.Processed()
	if len(got) != 1 || got[0] != "Je voudrais un café et" {
		t.Fatalf("processed %v, want the fragment via failsafe", got)
	}
	dispatches := h.rec.Decisions(DecisionDispatch)
	if len(dispatches) != 1 || dispatches[0].Trigger != TriggerFailsafe {
		t.Errorf("dispatch decisions = %+v, want one failsafe dispatch", dispatches)
	}
}

func TestFragmentEnding_NoFailsafeWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Semantic.MaxHold = 0
	h := newHarness(t, cfg, nil)

	h.a.HandlePartial("on se retrouve à", "")
	h.at(120000)
	if got := h.rec.Processed(); len(got) != 0 {
		t.Errorf("processed %v, want nothing", got)
	}
	if _, ok := h.a.Pending(); !ok {
		t.Error("fragment should stay pending")
	}
	// Rejected at silence, the buffer waits for more speech with no timer.
	if s := h.a.State(); s != StateAccumulating {
		t.Errorf("State() = %v, want %v", s, StateAccumulating)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("clock has %d pending timers, want 0", n)
	}

	h.a.HandlePartial("on se retrouve à la gare demain", "")
	h.at(130000)
	if got := h.rec.Processed(); len(got) != 1 || got[0] != "on se retrouve à la gare demain" {
		t.Errorf("processed %v, want the completed sentence after new speech", got)
	}
}

func TestNonCumulativePartials_Merge(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Je pense que", "")
	h.at(1000)
	h.a.HandlePartial("c'est une bonne idée", "")

	p, ok := h.a.Pending()
	if !ok || p.Text != "Je pense que c'est une bonne idée" {
		t.Fatalf("pending = %+v, want both partials merged", p)
	}
	msgs := h.rec.Messages()
	if last := msgs[len(msgs)-1]; last.Content != "Je pense que c'est une bonne idée" {
		t.Errorf("preview = %q, want the merged text", last.Content)
	}

	h.at(11000)
	if got := h.rec.Processed(); len(got) != 1 || got[0] != "Je pense que c'est une bonne idée" {
		t.Errorf("processed %v, want the merged sentence", got)
	}
}

func TestDedupeState_ResetsBetweenTurns(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandleFinal("Je voudrais réserver une table pour ce soir", "")
	h.at(800)
	if got := h.rec.Processed(); len(got) != 1 {
		t.Fatalf("processed %v, want the first turn dispatched", got)
	}

	// A new turn that happens to be a prefix of the previous one.
	h.at(1000)
	h.a.HandleFinal("Je voudrais réserver une table", "")
	h.at(1800)

	got := h.rec.Processed()
	if len(got) != 2 || got[1] != "Je voudrais réserver une table" {
		t.Errorf("processed %v, want the second turn dispatched", got)
	}
	if d := h.rec.Decisions(DecisionDedupe); len(d) != 0 {
		t.Errorf("dedupe decisions = %+v, want none across turns", d)
	}

	// Same after an echo discard.
	h.a.HandlePartial("Bonjour je suis votre assistant", "")
	h.a.DiscardPending()
	h.a.HandlePartial("Bonjour je suis", "")
	if p, ok := h.a.Pending(); !ok || p.Text != "Bonjour je suis" {
		t.Errorf("pending = %+v, want a fresh utterance after discard", p)
	}
}

func TestFailsafe_WaitsForContinuousSpeech(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil) // MaxHold 20s

	var ws []string
	for i := 0; i <= 25; i++ {
		ws = append(ws, fmt.Sprintf("mot%d", i))
		h.at(i * 1000)
		h.a.HandlePartial(strings.Join(ws, " "), "")
	}
	full := strings.Join(ws, " ")

	h.at(34999)
	if got := h.rec.Processed(); len(got) != 0 {
		t.Fatalf("processed %v while the speaker was still talking or within silence", got)
	}
	waits := 0
	for _, d := range h.rec.Decisions(DecisionWait) {
		if d.Trigger == TriggerFailsafe && d.Reason == ReasonStillSpeaking {
			waits++
		}
	}
	if waits == 0 {
		t.Error("want the failsafe to record that the speaker is still talking")
	}

	h.at(35000)
	if got := h.rec.Processed(); len(got) != 1 || got[0] != full {
		t.Errorf("processed %v, want one dispatch of the whole monologue", got)
	}
	h.at(90000)
	if n := len(h.rec.Processed()); n != 1 {
		t.Errorf("processed %d times, want exactly 1", n)
	}
}

func TestRestatedDispatch_OnlyNewWordsDispatched(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	first := "Je voudrais réserver une table pour deux personnes ce soir vers vingt heures trente."
	h.a.HandleFinal(first, "")
	h.at(800)
	h.at(1000)
	h.a.HandleFinal("je voudrais réserver une table pour deux personnes ce soir vers vingt heures trente s'il vous plaît", "")
	h.at(1800)

	got := h.rec.Processed()
	if len(got) != 2 || got[0] != first || got[1] != "s'il vous plaît" {
		t.Errorf("processed %v, want the restated words trimmed", got)
	}
}

func TestSpeakerChange_FlushesBeforeNewSpeaker(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Bonjour je m'appelle Paul", "0")
	h.at(2000)
	h.a.HandlePartial("Enchantée", "1")

	got := h.rec.Processed()
	if len(got) != 1 || got[0] != "Bonjour je m'appelle Paul" {
		t.Fatalf("processed %v, want the first speaker's text flushed", got)
	}

	// The flush must be emitted before any preview for the new speaker.
	msgs := h.rec.Messages()
	flushIdx, newIdx := -1, -1
	for i, m := range msgs {
		if !m.IsInterim && m.Speaker == "0" && flushIdx < 0 {
			flushIdx = i
		}
		if m.Speaker == "1" && newIdx < 0 {
			newIdx = i
		}
		if strings.Contains(m.Content, "Paul") && strings.Contains(m.Content, "Enchantée") {
			t.Errorf("text merged across speakers: %q", m.Content)
		}
	}
	if flushIdx < 0 || newIdx < 0 || flushIdx > newIdx {
		t.Errorf("flush index %d, new speaker index %d: flush must come first", flushIdx, newIdx)
	}

	p, ok := h.a.Pending()
	if !ok || p.Text != "Enchantée" || p.Speaker != "1" {
		t.Errorf("pending = %+v, want the new speaker's text only", p)
	}

	h.at(12000)
	got = h.rec.Processed()
	if len(got) != 2 || got[1] != "Enchantée" {
		t.Errorf("processed %v, want the second speaker dispatched separately", got)
	}
}

func TestSpeakerChange_DropsFragment(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Je voudrais parler de", "0")
	h.a.HandlePartial("Oui allez-y", "1")

	if got := h.rec.Processed(); len(got) != 0 {
		t.Fatalf("processed %v, fragment must not be dispatched on speaker change", got)
	}
	if drops := h.rec.Decisions(DecisionDrop); len(drops) != 1 {
		t.Errorf("drop decisions = %d, want 1", len(drops))
	}
	p, _ := h.a.Pending()
	if p.Text != "Oui allez-y" {
		t.Errorf("pending text = %q, want %q", p.Text, "Oui allez-y")
	}
}

func TestDuplicateFinals_DispatchOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandleFinal("Je voudrais réserver une table pour deux personnes.", "")
	h.a.HandleFinal("Je voudrais réserver une table pour deux personnes.", "")
	h.a.HandleFinal("une table pour deux personnes.", "")
	h.at(800)
	h.a.HandleFinal("Je voudrais réserver une table pour deux personnes", "")
	h.a.HandleFinal("réserver une table pour deux personnes.", "")
	h.at(30000)

	if got := h.rec.Finals(); len(got) != 1 {
		t.Errorf("non-interim messages = %d, want 1: %+v", len(got), got)
	}
	if got := h.rec.Processed(); len(got) != 1 {
		t.Errorf("processed %d times, want 1: %v", len(got), got)
	}
	if got := h.rec.Decisions(DecisionDedupe); len(got) < 2 || got[0].Trigger != TriggerFinal {
		t.Errorf("dedupe decisions = %+v, want at least two final dedupes", got)
	}
}

func TestRepeatAfterDispatch_Suppressed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandleFinal("Je voudrais réserver une table.", "")
	h.at(800)
	h.a.HandlePartial("je voudrais réserver une table", "")
	h.at(20000)

	if got := h.rec.Processed(); len(got) != 1 {
		t.Errorf("processed %v, want one dispatch", got)
	}
	sup := h.rec.Decisions(DecisionSuppress)
	if len(sup) != 1 || sup[0].Reason != SuppressExactRepeat {
		t.Errorf("suppress decisions = %+v, want one exact repeat", sup)
	}
}

func TestOverlapWithPreviousDispatch_Trimmed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandleFinal("Je voudrais réserver une table pour deux", "")
	h.at(800)
	h.a.HandleFinal("pour deux personnes s'il vous plaît", "")
	h.at(1600)

	got := h.rec.Processed()
	if len(got) != 2 {
		t.Fatalf("processed %v, want 2 dispatches", got)
	}
	if got[1] != "personnes s'il vous plaît" {
		t.Errorf("second dispatch = %q, want the overlap trimmed", got[1])
	}
}

func TestFinalWithoutDetector_DebounceDispatch(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandleFinal("Je voudrais réserver une table.", "")
	h.at(799)
	if len(h.rec.Processed()) != 0 {
		t.Fatal("dispatched before debounce")
	}
	h.at(800)
	if got := h.rec.Processed(); len(got) != 1 {
		t.Fatalf("processed %v, want dispatch at debounce", got)
	}
}

func TestShortFinal_WaitsForSilence(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandleFinal("Oui.", "")
	h.at(800)
	if len(h.rec.Processed()) != 0 {
		t.Fatal("short final dispatched at debounce")
	}
	rejects := h.rec.Decisions(DecisionReject)
	if len(rejects) != 1 || rejects[0].Reason != ReasonTooShort {
		t.Errorf("reject decisions = %+v, want one below_min_chars", rejects)
	}

	h.at(9999)
	if len(h.rec.Processed()) != 0 {
		t.Fatal("dispatched before silence deadline")
	}
	h.at(10000)
	if got := h.rec.Processed(); len(got) != 1 || got[0] != "Oui." {
		t.Errorf("processed %v, want [Oui.] at silence", got)
	}
}

func TestPartialsThenFinal_Merge(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("je voudrais", "")
	h.a.HandlePartial("je voudrais réserver", "")
	h.a.HandleFinal("Je voudrais réserver une table", "")
	h.a.HandlePartial("pour deux", "")

	p, ok := h.a.Pending()
	if !ok {
		t.Fatal("no pending utterance")
	}
	if p.Text != "Je voudrais réserver une table pour deux" {
		t.Errorf("pending text = %q", p.Text)
	}
}

func TestInterimPreviews_ShareMessageID(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Bonjour", "")
	h.a.HandlePartial("Bonjour à tous", "")
	h.at(10000)

	msgs := h.rec.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 2 previews and 1 final", len(msgs))
	}
	id := msgs[0].MessageID
	if id == "" {
		t.Fatal("preview has no message id")
	}
	for i, m := range msgs {
		if m.MessageID != id {
			t.Errorf("message %d id = %q, want %q", i, m.MessageID, id)
		}
		if m.Role != llm.RoleUser {
			t.Errorf("message %d role = %q", i, m.Role)
		}
	}
	if !msgs[0].IsInterim || !msgs[1].IsInterim || msgs[2].IsInterim {
		t.Errorf("interim flags = %v %v %v, want true true false", msgs[0].IsInterim, msgs[1].IsInterim, msgs[2].IsInterim)
	}
}

func TestPreviewsDisabled_RelaxedRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InterimPreviews = false
	h := newHarness(t, cfg, nil)

	h.a.HandlePartial("Bonjour", "")
	h.at(5000)

	if got := h.rec.Processed(); len(got) != 1 {
		t.Fatalf("processed %v, want dispatch after 5s silence", got)
	}
	if msgs := h.rec.Messages(); len(msgs) != 1 || msgs[0].IsInterim {
		t.Errorf("messages = %+v, want only the final", msgs)
	}

	// "Oui merci" is below the relaxed minimum until more text arrives.
	h.a.HandleFinal("Oui merci", "")
	h.at(5799)
	h.a.HandleFinal("C'est parfait", "")
	h.at(6600)
	if got := h.rec.Processed(); len(got) != 2 || got[1] != "Oui merci C'est parfait" {
		t.Errorf("processed %v", got)
	}
}

func TestDiscardPending_Echo(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Bonjour je suis votre assistant", "0")
	first, _ := h.a.Pending()
	if !h.a.DiscardPending() {
		t.Fatal("DiscardPending() = false, want true")
	}
	if s := h.a.State(); s != StateDiscarded {
		t.Errorf("State() = %v, want %v", s, StateDiscarded)
	}
	if h.a.DiscardPending() {
		t.Error("second DiscardPending() = true, want false")
	}

	h.at(60000)
	if got := h.rec.Processed(); len(got) != 0 {
		t.Errorf("processed %v after discard", got)
	}

	// Speaker context survives: the same speaker does not trigger a flush.
	h.a.HandlePartial("Merci beaucoup pour votre aide", "0")
	second, _ := h.a.Pending()
	if second.MessageID == first.MessageID {
		t.Error("new utterance reused the discarded message id")
	}
	if second.Speaker != "0" {
		t.Errorf("speaker = %q, want %q", second.Speaker, "0")
	}
}

func TestMarkEndOfUtterance_Advisory(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Je voudrais réserver une table", "")
	h.a.MarkEndOfUtterance()

	if got := h.rec.Processed(); len(got) != 0 {
		t.Errorf("processed %v, end of utterance must not dispatch", got)
	}
	ignored := h.rec.Decisions(DecisionIgnore)
	if len(ignored) != 1 || ignored[0].Trigger != TriggerEndOfUtterance {
		t.Errorf("decisions = %+v", ignored)
	}
}

func TestCleanup_StopsTimersAndIsReusable(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.HandlePartial("Bonjour", "")
	h.a.Cleanup()
	h.a.Cleanup()

	if n := h.clk.Pending(); n != 0 {
		t.Errorf("clock has %d pending timers after Cleanup", n)
	}
	h.at(60000)
	if got := h.rec.Processed(); len(got) != 0 {
		t.Errorf("processed %v after Cleanup", got)
	}
	if s := h.a.State(); s != StateIdle {
		t.Errorf("State() = %v, want %v", s, StateIdle)
	}

	h.a.HandlePartial("Au revoir", "")
	h.at(70000)
	if got := h.rec.Processed(); len(got) != 1 || got[0] != "Au revoir" {
		t.Errorf("processed %v, want reuse after Cleanup", got)
	}
}

type panicTimer struct{}

func (panicTimer) Stop() bool { panic("stop failed") }

// panickyClock hands out timers that panic when stopped, once.
type panickyClock struct {
	*ManualClock
	armed atomic.Bool
}

func (c *panickyClock) AfterFunc(d time.Duration, f func()) Timer {
	if c.armed.CompareAndSwap(true, false) {
		return panicTimer{}
	}
	return c.ManualClock.AfterFunc(d, f)
}

func TestCleanup_RecoversTimerPanic(t *testing.T) {
	clk := &panickyClock{ManualClock: NewManualClock(epoch)}
	clk.armed.Store(true)
	rec := &recorder{}
	a := NewAssembler("panic", DefaultConfig(), Deps{Processor: rec, Clock: clk, Go: func(f func()) { f() }})

	// The failsafe timer is created first and gets the panicking timer.
	a.HandlePartial("Bonjour", "")
	a.Cleanup()

	a.HandlePartial("Bonsoir", "")
	clk.Advance(10 * time.Second)
	if got := rec.Processed(); len(got) != 1 || got[0] != "Bonsoir" {
		t.Errorf("processed %v, want the assembler reusable after a teardown panic", got)
	}
}

func TestProcessorError_DoesNotRetry(t *testing.T) {
	clk := NewManualClock(epoch)
	var calls atomic.Int32
	proc := ProcessorFunc(func(ctx context.Context, content string) error {
		calls.Add(1)
		return context.DeadlineExceeded
	})
	a := NewAssembler("err", DefaultConfig(), Deps{Processor: proc, Clock: clk, Go: func(f func()) { f() }})
	defer a.Cleanup()

	a.HandlePartial("Bonjour", "")
	clk.Advance(time.Minute)
	if n := calls.Load(); n != 1 {
		t.Errorf("processor calls = %d, want 1", n)
	}
}

func TestAssistantMessages_InHistory(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	h.a.AddAssistantMessage("Bonjour, que puis-je faire pour vous ?")
	h.a.AddAssistantMessage("   ")
	h.a.HandleFinal("Je voudrais réserver une table.", "")
	h.at(800)

	msgs := h.a.History().Last(0)
	if len(msgs) != 2 {
		t.Fatalf("history = %+v, want assistant then user", msgs)
	}
	if msgs[0].Role != llm.RoleAssistant || msgs[1].Role != llm.RoleUser {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}
