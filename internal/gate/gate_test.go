package gate

import (
	"testing"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		mode   model.GateMode
		phrase string
	}{
		{
			name:   "quoted phrase",
			query:  `exakt "Heat Exchanger Leak in Modul X"`,
			mode:   model.ModeExactPhrase,
			phrase: "Heat Exchanger Leak in Modul X",
		},
		{
			name:   "exact trigger without quotes",
			query:  "wortlaut der Garantieklausel",
			mode:   model.ModeExactPhrase,
			phrase: "wortlaut der Garantieklausel",
		},
		{
			name:  "search trigger",
			query: "suche nach dem letzten Angebot",
			mode:  model.ModeHybrid,
		},
		{
			name:  "english search trigger",
			query: "find the commissioning report",
			mode:  model.ModeHybrid,
		},
		{
			name:  "internal trigger",
			query: "Rechnung Projekt X",
			mode:  model.ModeHybrid,
		},
		{
			name:  "smalltalk",
			query: "wie geht es dir heute",
			mode:  model.ModeNoRAG,
		},
		{
			name:  "empty",
			query: "   ",
			mode:  model.ModeNoRAG,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Classify(tt.query)
			if g.Mode != tt.mode {
				t.Fatalf("mode = %s (%s), want %s", g.Mode, g.Reason, tt.mode)
			}
			if tt.phrase != "" && g.Phrase != tt.phrase {
				t.Errorf("phrase = %q, want %q", g.Phrase, tt.phrase)
			}
		})
	}
}

func TestClassifyExactlyOneMode(t *testing.T) {
	queries := []string{
		`"quoted"`, "exakt etwas", "suche etwas", "Bericht lesen", "hallo",
	}
	for _, q := range queries {
		g := Classify(q)
		switch g.Mode {
		case model.ModeExactPhrase, model.ModeHybrid, model.ModeNoRAG:
		default:
			t.Errorf("query %q produced unknown mode %q", q, g.Mode)
		}
		if g.RequireRAG != (g.Mode != model.ModeNoRAG) {
			t.Errorf("query %q: RequireRAG=%v inconsistent with mode %s", q, g.RequireRAG, g.Mode)
		}
	}
}

func TestClassifyStableUnderWhitespace(t *testing.T) {
	a := Classify("suche   nach \t dem Bericht")
	b := Classify("suche nach dem Bericht")
	if a.Mode != b.Mode || a.Reason != b.Reason {
		t.Errorf("gate unstable under whitespace: %+v vs %+v", a, b)
	}
}

func TestClassifyNoSubstringTriggers(t *testing.T) {
	// "besuche" contains "suche" but is not a search request.
	g := Classify("besuche uns bald wieder")
	if g.Mode != model.ModeNoRAG {
		t.Errorf("substring trigger fired: %+v", g)
	}
}
