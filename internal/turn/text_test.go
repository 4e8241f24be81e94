package turn

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Bonjour, à TOUS !", "bonjour à tous"},
		{"  C'est   une idée.  ", "c'est une idée"},
		{"Qu’est-ce que c'est ?", "qu'est ce que c'est"},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsDuplicateTranscript(t *testing.T) {
	tests := []struct {
		name       string
		prev, next string
		want       bool
	}{
		{"empty prev", "", "bonjour", false},
		{"exact", "Bonjour à tous", "Bonjour à tous", true},
		{"punctuation only", "Bonjour à tous.", "bonjour, à tous", true},
		{"prefix of prev", "je voudrais une table", "je voudrais", true},
		{"suffix of prev", "je voudrais une table", "une table", true},
		{"growing hypothesis", "je voudrais une", "je voudrais une table", false},
		{"reordered words", "une table je voudrais", "je voudrais une table", true},
		{"different", "bonjour", "au revoir", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDuplicateTranscript(tt.prev, tt.next, 0.85); got != tt.want {
				t.Errorf("isDuplicateTranscript(%q, %q) = %v, want %v", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

func TestMergeText(t *testing.T) {
	cfg := DefaultConfig().Merge
	tests := []struct {
		name              string
		pending, incoming string
		want              string
	}{
		{"empty pending", "", "Bonjour", "Bonjour"},
		{"empty incoming", "Bonjour", "  ", "Bonjour"},
		{"already contained", "Je voudrais une table pour deux", "une table", "Je voudrais une table pour deux"},
		{"incoming extends pending", "Je pense que", "je pense que c'est vrai", "je pense que c'est vrai"},
		{"char overlap", "Je voudrais une table", "une table pour deux", "Je voudrais une table pour deux"},
		{"word overlap across punctuation", "Je voudrais une table.", "Une table, pour deux", "Je voudrais une table. pour deux"},
		{"refinement keeps longer", "je voudrais réserver un table", "je voudrais réserver une table", "je voudrais réserver une table"},
		{"refinement keeps pending when longer", "je voudrais réserver une table", "je voudrai réserver une", "je voudrais réserver une table"},
		{"plain append", "Bonjour", "je m'appelle Paul", "Bonjour je m'appelle Paul"},
		{"no partial word overlap", "Je suis au", "aujourd'hui libre", "Je suis au aujourd'hui libre"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeText(tt.pending, tt.incoming, cfg); got != tt.want {
				t.Errorf("mergeText(%q, %q) = %q, want %q", tt.pending, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestTrimOverlap(t *testing.T) {
	tests := []struct {
		name       string
		prev, next string
		want       string
	}{
		{"no previous", "", "Bonjour à tous", "Bonjour à tous"},
		{"tail repeated", "Je voudrais une table pour deux.", "pour deux, et une bouteille d'eau", "et une bouteille d'eau"},
		{"no overlap", "Bonjour", "Au revoir", "Au revoir"},
		{"fully repeated", "merci beaucoup", "Merci beaucoup.", ""},
		{
			"long dispatch restated",
			"Je voudrais réserver une table pour deux personnes ce soir vers vingt heures.",
			"je voudrais réserver une table pour deux personnes ce soir vers vingt heures et une chaise haute",
			"et une chaise haute",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trimOverlap(tt.prev, tt.next, 12); got != tt.want {
				t.Errorf("trimOverlap(%q, %q) = %q, want %q", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

func TestSuppressReason(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name       string
		prev, text string
		want       string
	}{
		{"first utterance", "", "Bonjour", ""},
		{"too short", "", "a", SuppressTooShort},
		{"punctuation only", "Bonjour", "?!", SuppressTooShort},
		{"exact repeat", "Je voudrais une table.", "je voudrais une table", SuppressExactRepeat},
		{"orphan repeat", "Je voudrais une table pour deux", "pour deux", SuppressOrphanRepeat},
		{"new short answer", "Je voudrais une table pour deux", "merci", ""},
		{"fuzzy end", "Je voudrais une table pour deux personnes", "une table pour deux personne", SuppressFuzzyEnd},
		{"full duplicate", "je voudrais une table pour deux", "je voudrai une table pour deux", SuppressFullDuplicate},
		{"different sentence", "je voudrais une table pour deux", "il fait très beau aujourd'hui", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := suppressReason(tt.prev, tt.text, cfg); got != tt.want {
				t.Errorf("suppressReason(%q, %q) = %q, want %q", tt.prev, tt.text, got, tt.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	if got := similarity("abc", "abc"); got != 1 {
		t.Errorf("similarity(equal) = %v, want 1", got)
	}
	if got := similarity("", ""); got != 1 {
		t.Errorf("similarity(empty) = %v, want 1", got)
	}
	if got := similarity("abcd", "abcx"); got != 0.75 {
		t.Errorf("similarity = %v, want 0.75", got)
	}
}
