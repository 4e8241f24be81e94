package turn

import (
	"strings"
	"unicode/utf8"
)

// Reasons attached to turn decisions.
const (
	ReasonEmpty          = "empty"
	ReasonFragmentEnd    = "fragment_ending"
	ReasonTooShort       = "below_min_chars"
	ReasonTooFewWords    = "below_min_words"
	ReasonComplete       = "complete"
	ReasonFailsafe       = "absolute_failsafe"
	ReasonAdvisory       = "advisory_only"
	ReasonStale          = "stale_evaluation"
	ReasonBelowThreshold = "below_threshold"
	ReasonNoProbability  = "no_probability"
	ReasonDuplicate      = "duplicate_transcript"
	ReasonStillSpeaking  = "still_speaking"
)

// completeness checks whether pending text may be dispatched.
type completeness struct {
	fragments map[string]struct{}
	minChars  int
	minWords  int
}

func newCompleteness(cfg Config) completeness {
	fragments := make(map[string]struct{}, len(cfg.FragmentWords))
	for _, w := range cfg.FragmentWords {
		fragments[normalize(w)] = struct{}{}
	}
	chars, ws := cfg.minLength()
	return completeness{fragments: fragments, minChars: chars, minWords: ws}
}

// check reports whether text is complete. force skips the minimum length
// rules; absoluteFailsafe skips every rule.
func (c completeness) check(text string, force, absoluteFailsafe bool) (bool, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, ReasonEmpty
	}
	if absoluteFailsafe {
		return true, ReasonFailsafe
	}
	if _, ok := c.fragments[lastWord(text)]; ok {
		return false, ReasonFragmentEnd
	}
	if force {
		return true, ReasonComplete
	}
	if utf8.RuneCountInString(text) < c.minChars {
		return false, ReasonTooShort
	}
	if len(words(text)) < c.minWords {
		return false, ReasonTooFewWords
	}
	return true, ReasonComplete
}

// IsUtteranceComplete reports whether text may be dispatched under cfg.
func IsUtteranceComplete(cfg Config, text string, force, absoluteFailsafe bool) bool {
	ok, _ := newCompleteness(cfg).check(text, force, absoluteFailsafe)
	return ok
}
