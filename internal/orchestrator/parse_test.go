package orchestrator

import (
	"testing"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

func TestParseStrategyPlainJSON(t *testing.T) {
	raw := `{"intent":"analysis","languages":["de"],"keywords":["befund","wartung"],
		"synonyms":{"befund":["mangel"]},
		"filters":{"doctype":["pdf"],"date_from":"2024-01-01","customer":"ACME"},
		"expanded_queries":["befund wartung","mangel bericht"]}`

	s, err := ParseStrategy(raw)
	if err != nil {
		t.Fatal(err)
	}
	if s.Intent != model.IntentAnalysis {
		t.Errorf("intent = %s", s.Intent)
	}
	if len(s.Keywords) != 2 || len(s.ExpandedQueries) != 2 {
		t.Errorf("keywords=%v queries=%v", s.Keywords, s.ExpandedQueries)
	}
	if s.Filters.Customer != "ACME" {
		t.Errorf("customer = %q", s.Filters.Customer)
	}
	if s.Filters.DateFrom == nil || s.Filters.DateFrom.Year() != 2024 {
		t.Errorf("date_from = %v", s.Filters.DateFrom)
	}
}

func TestParseStrategyEmbeddedInProse(t *testing.T) {
	raw := "Sure! Here is the plan:\n```json\n" +
		`{"intent":"summary","keywords":["report"],"expanded_queries":["report"]}` +
		"\n```\nLet me know if you need more."

	s, err := ParseStrategy(raw)
	if err != nil {
		t.Fatal(err)
	}
	if s.Intent != model.IntentSummary {
		t.Errorf("intent = %s", s.Intent)
	}
}

func TestParseStrategyUnknownIntentCoerced(t *testing.T) {
	s, err := ParseStrategy(`{"intent":"interpretive_dance","keywords":["x"]}`)
	if err != nil {
		t.Fatal(err)
	}
	if s.Intent != model.IntentFactLookup {
		t.Errorf("intent = %s", s.Intent)
	}
}

func TestParseStrategyUnknownKeysIgnored(t *testing.T) {
	s, err := ParseStrategy(`{"intent":"summary","keywords":["x"],"confidence":0.9,"chain_of_thought":"..."}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Keywords) != 1 {
		t.Errorf("keywords = %v", s.Keywords)
	}
}

func TestParseStrategyFailures(t *testing.T) {
	for _, raw := range []string{
		"",
		"no json here",
		`{"intent":"summary"}`,  // no keywords or queries
		`{"intent": "broken...`, // unbalanced
	} {
		if _, err := ParseStrategy(raw); err == nil {
			t.Errorf("ParseStrategy(%q) succeeded, want error", raw)
		}
	}
}

func TestParseFindingsWrapperAndBareArray(t *testing.T) {
	wrapped := `{"findings":[{"category":"leak","severity":"high","description":"d","status":"open"}]}`
	bare := `[{"category":"leak","severity":"high","description":"d","status":"open"}]`

	for _, raw := range []string{wrapped, bare} {
		findings, err := ParseFindings(raw)
		if err != nil {
			t.Fatalf("ParseFindings(%q): %v", raw, err)
		}
		if len(findings) != 1 || findings[0].Category != "leak" {
			t.Errorf("findings = %+v", findings)
		}
	}
}

func TestParseFindingsFailure(t *testing.T) {
	if _, err := ParseFindings(`{"summary":"no findings key"}`); err == nil {
		t.Error("expected error for missing findings array")
	}
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(`{"valid":false,"needs_iteration":true,"reason":"thin","coverage":1.7}`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || !v.NeedsIteration || v.Reason != "thin" {
		t.Errorf("verdict = %+v", v)
	}
	if v.Coverage != 1 {
		t.Errorf("coverage not clamped: %f", v.Coverage)
	}
}

func TestParseVerdictMissingValid(t *testing.T) {
	if _, err := ParseVerdict(`{"needs_iteration":false}`); err == nil {
		t.Error("expected error for missing valid field")
	}
}

func TestExtractJSONHandlesNestedBraces(t *testing.T) {
	raw := `prefix {"a":{"b":"c}"},"d":[1,2]} suffix {"second":1}`
	got, err := extractJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"a":{"b":"c}"},"d":[1,2]}` {
		t.Errorf("got %q", got)
	}
}
