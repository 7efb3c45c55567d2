package glossary

import (
	"strings"
	"testing"
)

func TestRewriteExpandsTerm(t *testing.T) {
	r := New(map[string]string{"WT": "Wärmetauscher"})

	got := r.Rewrite("Befund zum WT im Modul X")
	if !strings.Contains(got, "WT (Wärmetauscher)") {
		t.Errorf("expected expansion in %q", got)
	}
}

func TestRewriteIdempotent(t *testing.T) {
	r := New(map[string]string{
		"WT":  "Wärmetauscher",
		"PLS": "Prozessleitsystem",
	})

	queries := []string{
		"Befund zum WT im Modul X",
		"PLS Alarm WT",
		"nichts zu ersetzen",
	}
	for _, q := range queries {
		once := r.Rewrite(q)
		twice := r.Rewrite(once)
		if once != twice {
			t.Errorf("rewrite not idempotent:\n once: %q\ntwice: %q", once, twice)
		}
	}
}

func TestRewritePreservesQuotedPhrases(t *testing.T) {
	r := New(map[string]string{"WT": "Wärmetauscher"})

	got := r.Rewrite(`exakt "WT Leck im Modul" und WT allgemein`)
	if !strings.Contains(got, `"WT Leck im Modul"`) {
		t.Errorf("quoted phrase was rewritten: %q", got)
	}
	if !strings.Contains(got, "WT (Wärmetauscher)") {
		t.Errorf("unquoted occurrence not expanded: %q", got)
	}
}

func TestRewriteWholeWordsOnly(t *testing.T) {
	r := New(map[string]string{"WT": "Wärmetauscher"})

	got := r.Rewrite("SWT2000 Bericht")
	if strings.Contains(got, "Wärmetauscher") {
		t.Errorf("substring match expanded: %q", got)
	}
}

func TestRewriteEmptyGlossary(t *testing.T) {
	r := New(nil)
	if got := r.Rewrite("anything"); got != "anything" {
		t.Errorf("got %q", got)
	}
}

func TestExpansions(t *testing.T) {
	r := New(map[string]string{
		"WT":  "Wärmetauscher",
		"PLS": "Prozessleitsystem",
	})

	got := r.Expansions(`WT Alarm "PLS Fehler"`)
	if len(got) != 1 || got[0] != "Wärmetauscher" {
		t.Errorf("expected only unquoted term expansion, got %v", got)
	}
}

func TestUnpairedQuoteIsNotAPhrase(t *testing.T) {
	r := New(map[string]string{"WT": "Wärmetauscher"})

	got := r.Rewrite(`Bericht "WT offen`)
	if !strings.Contains(got, "WT (Wärmetauscher)") {
		t.Errorf("unpaired quote should not suppress expansion: %q", got)
	}
}
