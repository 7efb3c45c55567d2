package orchestrator

import (
	"path"
	"strings"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// configFileExts marks retrieval hits that are almost never evidence:
// machine configuration rather than project documentation.
var configFileExts = map[string]struct{}{
	".ini": {}, ".cfg": {}, ".conf": {}, ".yaml": {}, ".yml": {},
	".json": {}, ".xml": {}, ".toml": {}, ".properties": {},
}

// strongEvidenceTerms rescue a config-file hit: when its snippet talks
// about findings or failures it stays in the evidence set.
var strongEvidenceTerms = []string{
	"befund", "mangel", "defekt", "schaden", "ausfall", "leck", "leak",
	"fehler", "failure", "finding", "incident", "störung", "stoerung",
	"reklamation", "abweichung",
}

const (
	minHitsAfterFilter   = 3
	minSourceDiversity   = 0.3
	minCustomerMatches   = 2
	minKeywordCoverage   = 0.4
	tooFewHitsReason     = "too_few_hits_after_filter"
	lowDiversityReason   = "low_source_diversity"
	customerGapReason    = "customer_filter_underrepresented"
	lowCoverageReason    = "low_keyword_coverage"
	tooFewDocsReason     = "too_few_documents"
	noFindingsReason     = "no_findings_extracted"
)

// preValidation is the retrieval phase's own quality check, run before
// the (optional) validation phase.
type preValidation struct {
	Hits           []model.Hit
	NeedsIteration bool
	Reason         string
}

// preValidate filters config-file hits without strong evidence terms
// and decides whether the round is thin enough to warrant iteration.
func preValidate(hits []model.Hit, strat *model.Strategy) preValidation {
	kept := make([]model.Hit, 0, len(hits))
	for _, h := range hits {
		if isConfigPath(h.Path) && !containsAny(strings.ToLower(h.Snippet), strongEvidenceTerms) {
			continue
		}
		kept = append(kept, h)
	}

	out := preValidation{Hits: kept}
	switch {
	case len(kept) < minHitsAfterFilter:
		out.NeedsIteration = true
		out.Reason = tooFewHitsReason
	case sourceDiversity(kept) < minSourceDiversity:
		out.NeedsIteration = true
		out.Reason = lowDiversityReason
	case strat != nil && strat.Filters.Customer != "" && customerMatches(kept, strat.Filters.Customer) < minCustomerMatches:
		out.NeedsIteration = true
		out.Reason = customerGapReason
	}
	return out
}

// validateRound runs the heuristic half of the validation phase over
// the whole round.
func validateRound(hits []model.Hit, findings []Finding, analysisRan bool, strat *model.Strategy) *model.ValidationVerdict {
	distinctDocs := make(map[string]struct{})
	for _, h := range hits {
		distinctDocs[h.Path] = struct{}{}
	}

	v := &model.ValidationVerdict{Valid: true, Coverage: keywordCoverage(hits, strat)}
	switch {
	case len(distinctDocs) < 2:
		v.Valid = false
		v.Reason = tooFewDocsReason
	case analysisRan && len(findings) == 0:
		v.Valid = false
		v.Reason = noFindingsReason
	case strat != nil && strat.Filters.Customer != "" && customerMatches(hits, strat.Filters.Customer) < minCustomerMatches:
		v.Valid = false
		v.Reason = customerGapReason
	case v.Coverage < minKeywordCoverage:
		v.Valid = false
		v.Reason = lowCoverageReason
	}
	v.NeedsIteration = !v.Valid
	return v
}

// reviseStrategy broadens a strategy for the next retrieval round:
// doctype filters are dropped and the synonym table's entries are
// appended to the keywords as plain terms; no wildcard is added.
func reviseStrategy(s *model.Strategy, reason string) *model.Strategy {
	revised := *s
	revised.Iteration = s.Iteration + 1
	revised.Filters.Doctype = nil

	seen := make(map[string]struct{}, len(s.Keywords))
	for _, k := range s.Keywords {
		seen[strings.ToLower(k)] = struct{}{}
	}
	keywords := append([]string(nil), s.Keywords...)
	for _, syns := range s.Synonyms {
		for _, syn := range syns {
			if _, ok := seen[strings.ToLower(syn)]; ok {
				continue
			}
			seen[strings.ToLower(syn)] = struct{}{}
			keywords = append(keywords, syn)
		}
	}
	revised.Keywords = keywords

	// One broadened query per round keeps the expansion cap meaningful.
	broadened := strings.Join(keywords, " ")
	if reason == customerGapReason && s.Filters.Customer != "" {
		broadened = s.Filters.Customer + " " + broadened
	}
	revised.ExpandedQueries = []string{broadened}
	return &revised
}

func isConfigPath(p string) bool {
	lower := strings.ToLower(p)
	if _, ok := configFileExts[path.Ext(lower)]; ok {
		return true
	}
	base := path.Base(lower)
	return strings.HasPrefix(base, "config") || strings.Contains(base, ".config.")
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// sourceDiversity is the ratio of distinct parent directories to hits:
// 1.0 when every hit comes from its own directory, approaching 0 when
// everything is siblings.
func sourceDiversity(hits []model.Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	dirs := make(map[string]struct{})
	for _, h := range hits {
		dirs[path.Dir(h.Path)] = struct{}{}
	}
	return float64(len(dirs)) / float64(len(hits))
}

func customerMatches(hits []model.Hit, customer string) int {
	customer = strings.ToLower(customer)
	n := 0
	for _, h := range hits {
		if strings.Contains(strings.ToLower(h.Path), customer) ||
			strings.Contains(strings.ToLower(h.Snippet), customer) {
			n++
		}
	}
	return n
}

// keywordCoverage is the fraction of strategy keywords occurring in at
// least one hit's path or snippet.
func keywordCoverage(hits []model.Hit, strat *model.Strategy) float64 {
	if strat == nil || len(strat.Keywords) == 0 {
		return 1
	}
	covered := 0
	for _, kw := range strat.Keywords {
		kw = strings.ToLower(kw)
		for _, h := range hits {
			if strings.Contains(strings.ToLower(h.Path), kw) ||
				strings.Contains(strings.ToLower(h.Snippet), kw) {
				covered++
				break
			}
		}
	}
	return float64(covered) / float64(len(strat.Keywords))
}
