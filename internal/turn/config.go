package turn

import (
	"errors"
	"fmt"
	"time"

	"github.com/lukasbauer/voiceturn/internal/llm"
)

// MergeConfig tunes how incoming transcript text is folded into the pending buffer.
type MergeConfig struct {
	MinCharOverlap  int     `yaml:"min_char_overlap"`  // shortest suffix/prefix overlap honoured
	MaxOverlapWords int     `yaml:"max_overlap_words"` // word-level overlap search depth
	RefinementRatio float64 `yaml:"refinement_ratio"`  // shared-word ratio above which the longer variant wins
}

// Config controls turn detection for one conversation.
type Config struct {
	InterimPreviews bool          `yaml:"interim_previews"`
	SilenceTimeout  time.Duration `yaml:"silence_timeout"` // 0 picks 10s with previews, 5s without
	DebounceDelay   time.Duration `yaml:"debounce_delay"`

	MinChars        int `yaml:"min_chars"`
	MinWords        int `yaml:"min_words"`
	RelaxedMinChars int `yaml:"relaxed_min_chars"`
	RelaxedMinWords int `yaml:"relaxed_min_words"`

	FragmentWords []string `yaml:"fragment_words"`

	Merge MergeConfig `yaml:"merge"`

	DuplicateSimilarity     float64 `yaml:"duplicate_similarity"`      // word-set Jaccard for transcript dedupe
	OverlapTrimMaxWords     int     `yaml:"overlap_trim_max_words"`    // leading words compared to the previous dispatch
	OrphanMaxWords          int     `yaml:"orphan_max_words"`          // short utterances checked for tail repeats
	FuzzyEndSimilarity      float64 `yaml:"fuzzy_end_similarity"`      // vs. the previous dispatch's tail
	FullDuplicateSimilarity float64 `yaml:"full_duplicate_similarity"` // vs. the previous dispatch, equal word count

	HistorySize int `yaml:"history_size"`

	Semantic llm.EOTConfig `yaml:"semantic"`
}

// DefaultFragmentWords are trailing words that mark an unfinished sentence.
var DefaultFragmentWords = []string{
	// French
	"et", "ou", "mais", "donc", "car", "ni", "que", "qu", "qui", "dont",
	"de", "du", "des", "le", "la", "les", "un", "une", "à", "au", "aux",
	"en", "dans", "pour", "par", "avec", "sans", "sur", "sous", "vers", "chez",
	"entre", "si", "quand", "comme", "parce", "puisque", "lorsque",
	"mon", "ma", "mes", "ton", "ta", "tes", "son", "sa", "ses",
	"notre", "votre", "leur", "ce", "cette", "ces", "je", "j", "tu", "nous", "vous",
	// English
	"and", "or", "but", "because", "the", "a", "an", "to", "of", "in",
	"at", "for", "with", "from", "if", "when", "than", "my", "your", "i",
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		InterimPreviews: true,
		DebounceDelay:   800 * time.Millisecond,
		MinChars:        20,
		MinWords:        3,
		RelaxedMinChars: 10,
		RelaxedMinWords: 2,
		FragmentWords:   DefaultFragmentWords,
		Merge: MergeConfig{
			MinCharOverlap:  4,
			MaxOverlapWords: 5,
			RefinementRatio: 0.5,
		},
		DuplicateSimilarity:     0.85,
		OverlapTrimMaxWords:     12,
		OrphanMaxWords:          2,
		FuzzyEndSimilarity:      0.8,
		FullDuplicateSimilarity: 0.9,
		HistorySize:             50,
		Semantic:                llm.DefaultEOTConfig(),
	}
}

// Silence returns the effective silence timeout.
func (c Config) Silence() time.Duration {
	if c.SilenceTimeout > 0 {
		return c.SilenceTimeout
	}
	if c.InterimPreviews {
		return 10 * time.Second
	}
	return 5 * time.Second
}

// minLength returns the minimum chars and words a non-forced dispatch needs.
func (c Config) minLength() (chars, words int) {
	if c.InterimPreviews {
		return c.MinChars, c.MinWords
	}
	return c.RelaxedMinChars, c.RelaxedMinWords
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DebounceDelay <= 0 {
		return errors.New("debounce_delay must be positive")
	}
	if c.SilenceTimeout < 0 {
		return errors.New("silence_timeout must not be negative")
	}
	if c.DebounceDelay >= c.Silence() {
		return fmt.Errorf("debounce_delay (%s) must be shorter than silence_timeout (%s)", c.DebounceDelay, c.Silence())
	}
	for name, v := range map[string]float64{
		"duplicate_similarity":      c.DuplicateSimilarity,
		"fuzzy_end_similarity":      c.FuzzyEndSimilarity,
		"full_duplicate_similarity": c.FullDuplicateSimilarity,
		"merge.refinement_ratio":    c.Merge.RefinementRatio,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.Semantic.MaxHold < 0 || c.Semantic.GracePeriod < 0 {
		return errors.New("semantic max_hold and grace_period must not be negative")
	}
	if c.Semantic.Enabled {
		if err := c.Semantic.Validate(); err != nil {
			return fmt.Errorf("semantic: %w", err)
		}
	}
	return nil
}
