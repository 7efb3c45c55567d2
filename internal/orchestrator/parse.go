package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// The models this service talks to are asked for JSON but routinely
// wrap it in prose or markdown fences. Every structured response goes
// through these parsers: extract the JSON payload, decode into a typed
// wire struct ignoring unknown keys, and report failure as an error the
// phase turns into its fallback default. Parsers never panic.

// extractJSON returns the first top-level JSON object or array embedded
// in raw.
func extractJSON(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if idx := strings.LastIndex(raw, "```"); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimSpace(raw)
	}

	objStart := strings.IndexByte(raw, '{')
	arrStart := strings.IndexByte(raw, '[')
	start := objStart
	open, close := byte('{'), byte('}')
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start = arrStart
		open, close = '[', ']'
	}
	if start < 0 {
		return "", fmt.Errorf("no JSON payload found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON payload")
}

type strategyWire struct {
	Intent          string              `json:"intent"`
	Languages       []string            `json:"languages"`
	Keywords        []string            `json:"keywords"`
	Synonyms        map[string][]string `json:"synonyms"`
	Filters         filtersWire         `json:"filters"`
	ExpandedQueries []string            `json:"expanded_queries"`
}

type filtersWire struct {
	Doctype  []string `json:"doctype"`
	DateFrom string   `json:"date_from"`
	DateTo   string   `json:"date_to"`
	Customer string   `json:"customer"`
}

// ParseStrategy decodes a strategy-phase response. Unknown intents are
// coerced to fact_lookup; a response with neither keywords nor
// expanded queries is an error so the caller falls back to the identity
// strategy.
func ParseStrategy(raw string) (*model.Strategy, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var w strategyWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("decoding strategy: %w", err)
	}
	if len(w.Keywords) == 0 && len(w.ExpandedQueries) == 0 {
		return nil, fmt.Errorf("strategy has no keywords or queries")
	}

	s := &model.Strategy{
		Intent:          parseIntent(w.Intent),
		Languages:       w.Languages,
		Keywords:        w.Keywords,
		Synonyms:        w.Synonyms,
		ExpandedQueries: w.ExpandedQueries,
		Filters: model.Filters{
			Doctype:  w.Filters.Doctype,
			Customer: strings.TrimSpace(w.Filters.Customer),
		},
	}
	if t := parseDate(w.Filters.DateFrom); t != nil {
		s.Filters.DateFrom = t
	}
	if t := parseDate(w.Filters.DateTo); t != nil {
		s.Filters.DateTo = t
	}
	return s, nil
}

func parseIntent(s string) model.Intent {
	switch model.Intent(strings.ToLower(strings.TrimSpace(s))) {
	case model.IntentSummary:
		return model.IntentSummary
	case model.IntentComparison:
		return model.IntentComparison
	case model.IntentAnalysis:
		return model.IntentAnalysis
	default:
		return model.IntentFactLookup
	}
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// Finding is one structured observation the analysis phase extracts
// from a document.
type Finding struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type findingsWire struct {
	Findings []Finding `json:"findings"`
}

// ParseFindings decodes an analysis-phase response, accepting either a
// bare array or a {"findings": [...]} wrapper.
func ParseFindings(raw string) ([]Finding, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(payload, "[") {
		var findings []Finding
		if err := json.Unmarshal([]byte(payload), &findings); err != nil {
			return nil, fmt.Errorf("decoding findings: %w", err)
		}
		return findings, nil
	}
	var w findingsWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("decoding findings: %w", err)
	}
	if w.Findings == nil {
		return nil, fmt.Errorf("no findings array in response")
	}
	return w.Findings, nil
}

type verdictWire struct {
	Valid          *bool   `json:"valid"`
	NeedsIteration bool    `json:"needs_iteration"`
	Reason         string  `json:"reason"`
	Coverage       float64 `json:"coverage"`
}

// ParseVerdict decodes a validation-phase response.
func ParseVerdict(raw string) (*model.ValidationVerdict, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var w verdictWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}
	if w.Valid == nil {
		return nil, fmt.Errorf("verdict missing valid field")
	}
	cov := w.Coverage
	if cov < 0 {
		cov = 0
	}
	if cov > 1 {
		cov = 1
	}
	return &model.ValidationVerdict{
		Valid:          *w.Valid,
		NeedsIteration: w.NeedsIteration,
		Reason:         w.Reason,
		Coverage:       cov,
	}, nil
}
