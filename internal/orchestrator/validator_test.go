package orchestrator

import (
	"testing"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

func mkHit(path, snippet string) model.Hit {
	return model.Hit{Source: model.HitSourceLexical, Path: path, Snippet: snippet}
}

func TestPreValidateFiltersConfigFiles(t *testing.T) {
	hits := []model.Hit{
		mkHit("app/settings.yaml", "retry: 3"),
		mkHit("app/befunde.yaml", "Befund: Leck am Flansch"),
		mkHit("docs/report.pdf", "inspection summary"),
		mkHit("docs/brief.pdf", "correspondence"),
		mkHit("docs/plan.pdf", "schedule"),
	}
	pre := preValidate(hits, nil)
	if len(pre.Hits) != 4 {
		t.Fatalf("kept %d hits, want 4 (config without evidence terms dropped)", len(pre.Hits))
	}
	for _, h := range pre.Hits {
		if h.Path == "app/settings.yaml" {
			t.Error("settings.yaml survived the filter")
		}
	}
	if pre.NeedsIteration {
		t.Errorf("unexpected iteration: %s", pre.Reason)
	}
}

func TestPreValidateTooFewHits(t *testing.T) {
	pre := preValidate([]model.Hit{mkHit("a/x.pdf", "t"), mkHit("b/y.pdf", "t")}, nil)
	if !pre.NeedsIteration || pre.Reason != tooFewHitsReason {
		t.Errorf("pre = %+v", pre)
	}
}

func TestPreValidateLowDiversity(t *testing.T) {
	hits := []model.Hit{
		mkHit("same/a.pdf", "t"), mkHit("same/b.pdf", "t"),
		mkHit("same/c.pdf", "t"), mkHit("same/d.pdf", "t"),
	}
	pre := preValidate(hits, nil)
	if !pre.NeedsIteration || pre.Reason != lowDiversityReason {
		t.Errorf("pre = %+v", pre)
	}
}

func TestPreValidateCustomerUnderrepresented(t *testing.T) {
	strat := &model.Strategy{Filters: model.Filters{Customer: "acme"}}
	hits := []model.Hit{
		mkHit("a/acme_report.pdf", "t"),
		mkHit("b/other.pdf", "t"),
		mkHit("c/more.pdf", "t"),
	}
	pre := preValidate(hits, strat)
	if !pre.NeedsIteration || pre.Reason != customerGapReason {
		t.Errorf("pre = %+v", pre)
	}
}

func TestValidateRoundRequiresTwoDocuments(t *testing.T) {
	hits := []model.Hit{mkHit("only/one.pdf", "a"), mkHit("only/one.pdf", "b")}
	v := validateRound(hits, nil, false, nil)
	if v.Valid || v.Reason != tooFewDocsReason {
		t.Errorf("verdict = %+v", v)
	}
}

func TestValidateRoundRequiresFindingsWhenAnalysisRan(t *testing.T) {
	hits := []model.Hit{mkHit("a/x.pdf", "t"), mkHit("b/y.pdf", "t")}
	v := validateRound(hits, nil, true, nil)
	if v.Valid || v.Reason != noFindingsReason {
		t.Errorf("verdict = %+v", v)
	}
	v = validateRound(hits, []Finding{{Category: "c"}}, true, nil)
	if !v.Valid {
		t.Errorf("verdict = %+v", v)
	}
}

func TestValidateRoundKeywordCoverage(t *testing.T) {
	strat := &model.Strategy{Keywords: []string{"befund", "leck", "ventil", "flansch", "rohr"}}
	hits := []model.Hit{
		mkHit("a/x.pdf", "Befund am Ventil"),
		mkHit("b/y.pdf", "nichts relevantes"),
	}
	v := validateRound(hits, nil, false, strat)
	// 2 of 5 keywords covered = 0.4, exactly at the threshold.
	if !v.Valid {
		t.Errorf("verdict = %+v (coverage %f)", v, v.Coverage)
	}

	strat.Keywords = append(strat.Keywords, "dichtung", "pumpe")
	v = validateRound(hits, nil, false, strat)
	if v.Valid || v.Reason != lowCoverageReason {
		t.Errorf("verdict = %+v", v)
	}
}

func TestReviseStrategyBroadens(t *testing.T) {
	s := &model.Strategy{
		Keywords:        []string{"befund"},
		Synonyms:        map[string][]string{"befund": {"mangel", "defekt"}},
		Filters:         model.Filters{Doctype: []string{"pdf"}},
		ExpandedQueries: []string{"befund bericht", "befund protokoll"},
	}
	r := reviseStrategy(s, tooFewHitsReason)

	if r.Iteration != 1 {
		t.Errorf("iteration = %d", r.Iteration)
	}
	if r.Filters.Doctype != nil {
		t.Error("doctype filter not dropped")
	}
	if len(r.Keywords) != 3 {
		t.Errorf("keywords = %v", r.Keywords)
	}
	if len(r.ExpandedQueries) != 1 {
		t.Errorf("expanded queries = %v", r.ExpandedQueries)
	}
	// Original untouched.
	if len(s.Keywords) != 1 || s.Iteration != 0 {
		t.Errorf("original mutated: %+v", s)
	}
}

func TestSourceDiversity(t *testing.T) {
	if d := sourceDiversity(nil); d != 0 {
		t.Errorf("empty diversity = %f", d)
	}
	hits := []model.Hit{mkHit("a/x.pdf", ""), mkHit("a/y.pdf", ""), mkHit("b/z.pdf", "")}
	if d := sourceDiversity(hits); d < 0.66 || d > 0.67 {
		t.Errorf("diversity = %f", d)
	}
}
