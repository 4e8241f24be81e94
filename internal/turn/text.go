package turn

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// normalize lowercases s, replaces punctuation with spaces and collapses whitespace.
// Apostrophes are kept so elisions like "c'est" stay one word.
func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '\'' || r == '’':
			return '\''
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// words returns the normalized words of s.
func words(s string) []string {
	return strings.Fields(normalize(s))
}

func wordSet(ws []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}

// jaccard returns |A∩B| / |A∪B| over the word sets of a and b.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	sa, sb := wordSet(a), wordSet(b)
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// sharedRatio returns the share of the smaller word set found in the larger one.
func sharedRatio(a, b []string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) > len(sb) {
		sa, sb = sb, sa
	}
	if len(sa) == 0 {
		return 0
	}
	shared := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(sa))
}

// similarity returns 1 - edit distance / longer length, in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// isDuplicateTranscript reports whether next adds nothing over prev.
func isDuplicateTranscript(prev, next string, threshold float64) bool {
	np, nn := normalize(prev), normalize(next)
	if np == "" || nn == "" {
		return false
	}
	if np == nn {
		return true
	}
	if strings.HasPrefix(np, nn) || strings.HasSuffix(np, nn) {
		return true
	}
	pw, nw := strings.Fields(np), strings.Fields(nn)
	// A longer hypothesis carries new words even when the sets are similar.
	if len(nw) <= len(pw) && jaccard(pw, nw) >= threshold {
		return true
	}
	return false
}

// mergeText folds incoming into pending.
func mergeText(pending, incoming string, cfg MergeConfig) string {
	pending = strings.TrimSpace(pending)
	incoming = strings.TrimSpace(incoming)
	if pending == "" {
		return incoming
	}
	if incoming == "" {
		return pending
	}

	np, ni := normalize(pending), normalize(incoming)
	if ni == "" || strings.Contains(" "+np+" ", " "+ni+" ") {
		return pending
	}

	if merged, ok := mergeCharOverlap(pending, incoming, cfg.MinCharOverlap); ok {
		return merged
	}

	pw, iw := strings.Fields(np), strings.Fields(ni)
	maxK := cfg.MaxOverlapWords
	if len(pw) < maxK {
		maxK = len(pw)
	}
	if len(iw) < maxK {
		maxK = len(iw)
	}
	for k := maxK; k > 0; k-- {
		if equalWords(pw[len(pw)-k:], iw[:k]) {
			rest := dropLeadingWords(incoming, k)
			if rest == "" {
				return pending
			}
			return pending + " " + rest
		}
	}

	if sharedRatio(pw, iw) > cfg.RefinementRatio {
		if utf8.RuneCountInString(incoming) >= utf8.RuneCountInString(pending) {
			return incoming
		}
		return pending
	}

	return pending + " " + incoming
}

// mergeCharOverlap joins pending and incoming when a suffix of pending equals
// a prefix of incoming (case-insensitive, on word boundaries).
func mergeCharOverlap(pending, incoming string, minOverlap int) (string, bool) {
	if minOverlap < 1 {
		minOverlap = 1
	}
	maxK := len(pending)
	if len(incoming) < maxK {
		maxK = len(incoming)
	}
	for k := maxK; k >= minOverlap; k-- {
		start := len(pending) - k
		if !utf8.RuneStart(pending[start]) || (k < len(incoming) && !utf8.RuneStart(incoming[k])) {
			continue
		}
		if start > 0 && !isBoundary(pending[start-1]) {
			continue
		}
		if k < len(incoming) && !isBoundary(incoming[k]) {
			continue
		}
		if strings.EqualFold(pending[start:], incoming[:k]) {
			return pending[:start] + incoming, true
		}
	}
	return "", false
}

func isBoundary(b byte) bool {
	return b == ' ' || b == ',' || b == '.' || b == '?' || b == '!' || b == ';' || b == ':'
}

func equalWords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dropLeadingWords removes the first n normalized words from s, keeping the
// rest of the original text verbatim.
func dropLeadingWords(s string, n int) string {
	fields := strings.Fields(s)
	i := 0
	for i < len(fields) && n > 0 {
		if normalize(fields[i]) != "" {
			n -= len(strings.Fields(normalize(fields[i])))
		}
		i++
	}
	// Punctuation left dangling after the dropped words belongs to them.
	for i < len(fields) && normalize(fields[i]) == "" {
		i++
	}
	return strings.Join(fields[i:], " ")
}

// trimOverlap strips leading words of next that repeat the trailing words of
// prev, or all of prev when next restates it from the start.
func trimOverlap(prev, next string, maxWords int) string {
	pw, nw := words(prev), words(next)
	if len(pw) > 0 && len(pw) < len(nw) && equalWords(pw, nw[:len(pw)]) {
		return dropLeadingWords(next, len(pw))
	}
	maxK := maxWords
	if len(pw) < maxK {
		maxK = len(pw)
	}
	if len(nw) < maxK {
		maxK = len(nw)
	}
	for k := maxK; k > 0; k-- {
		if equalWords(pw[len(pw)-k:], nw[:k]) {
			return dropLeadingWords(next, k)
		}
	}
	return strings.TrimSpace(next)
}

// Suppression reasons reported in turn decisions.
const (
	SuppressTooShort      = "too_short"
	SuppressExactRepeat   = "exact_repeat"
	SuppressOrphanRepeat  = "orphan_repeat"
	SuppressFuzzyEnd      = "fuzzy_end_duplicate"
	SuppressFullDuplicate = "full_duplicate"
)

// suppressReason returns why text must not be dispatched after prev, or "".
func suppressReason(prev, text string, cfg Config) string {
	text = strings.TrimSpace(text)
	nt := normalize(text)
	if utf8.RuneCountInString(text) < 2 || nt == "" {
		return SuppressTooShort
	}
	np := normalize(prev)
	if np == "" {
		return ""
	}
	if nt == np {
		return SuppressExactRepeat
	}

	pw, tw := strings.Fields(np), strings.Fields(nt)
	if len(tw) <= cfg.OrphanMaxWords {
		tail := pw
		if len(tail) > 2*cfg.OrphanMaxWords+2 {
			tail = tail[len(tail)-(2*cfg.OrphanMaxWords+2):]
		}
		tailSet := wordSet(tail)
		orphan := true
		for _, w := range tw {
			if _, ok := tailSet[w]; !ok {
				orphan = false
				break
			}
		}
		if orphan {
			return SuppressOrphanRepeat
		}
	}

	switch {
	case len(tw) < len(pw):
		tail := strings.Join(pw[len(pw)-len(tw):], " ")
		if similarity(nt, tail) >= cfg.FuzzyEndSimilarity {
			return SuppressFuzzyEnd
		}
	case len(tw) == len(pw):
		if similarity(nt, np) >= cfg.FullDuplicateSimilarity {
			return SuppressFullDuplicate
		}
	}
	return ""
}

// lastWord returns the final normalized word of s.
func lastWord(s string) string {
	ws := words(s)
	if len(ws) == 0 {
		return ""
	}
	w := ws[len(ws)-1]
	// "qu'" and "j'" elisions end the sentence on the clitic.
	if i := strings.LastIndexByte(w, '\''); i >= 0 {
		if i == len(w)-1 {
			return w[:i]
		}
	}
	return w
}
