// Package gate classifies a user query into an exact-phrase, hybrid, or
// no-retrieval search mode before any backend is touched. The decision
// is a pure function of the query text.
package gate

import (
	"regexp"
	"strings"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// Trigger tables, checked in order. German and English variants share a
// table because the corpus and its users mix both languages freely.
var (
	exactTriggers = []string{
		"exakt", "exact", "wortlaut", "wörtlich", "woertlich",
		"literal", "verbatim", "genauer wortlaut", "zitat",
	}

	searchTriggers = []string{
		"suche", "such nach", "finde", "durchsuche",
		"search", "find", "look up", "lookup", "wo steht",
	}

	internalTriggers = []string{
		"index", "dokumente", "dokument", "documents", "unterlagen",
		"akten", "ablage", "archiv", "korrespondenz", "bericht",
		"berichte", "protokoll", "befund", "rechnung", "angebot",
		"vertrag", "e-mail", "email", "mail", "anhang", "attachment",
		"pdf", "excel", "corpus", "korpus",
	}

	quotedPhrase = regexp.MustCompile(`"([^"]+)"`)
)

// Classify routes query to exactly one retrieval mode. The returned
// Gate carries the reason for the decision so it can be logged.
func Classify(query string) model.Gate {
	normalized := normalize(query)
	if normalized == "" {
		return model.Gate{Mode: model.ModeNoRAG, Reason: "empty_query"}
	}
	lower := strings.ToLower(normalized)

	if m := quotedPhrase.FindStringSubmatch(normalized); m != nil {
		return model.Gate{
			RequireRAG: true,
			Mode:       model.ModeExactPhrase,
			Phrase:     strings.TrimSpace(m[1]),
			Reason:     "quoted_phrase",
		}
	}
	if trigger := matchTrigger(lower, exactTriggers); trigger != "" {
		return model.Gate{
			RequireRAG: true,
			Mode:       model.ModeExactPhrase,
			Phrase:     normalized,
			Reason:     "exact_trigger:" + trigger,
		}
	}
	if trigger := matchTrigger(lower, searchTriggers); trigger != "" {
		return model.Gate{
			RequireRAG: true,
			Mode:       model.ModeHybrid,
			Reason:     "search_trigger:" + trigger,
		}
	}
	if trigger := matchTrigger(lower, internalTriggers); trigger != "" {
		return model.Gate{
			RequireRAG: true,
			Mode:       model.ModeHybrid,
			Reason:     "internal_trigger:" + trigger,
		}
	}
	return model.Gate{Mode: model.ModeNoRAG, Reason: "no_trigger"}
}

// matchTrigger returns the first trigger occurring as a whole word (or
// whole multi-word phrase) in lower, or "".
func matchTrigger(lower string, triggers []string) string {
	for _, t := range triggers {
		pos := 0
		for {
			idx := strings.Index(lower[pos:], t)
			if idx < 0 {
				break
			}
			idx += pos
			if boundedWord(lower, idx, idx+len(t)) {
				return t
			}
			pos = idx + len(t)
		}
	}
	return ""
}

func boundedWord(s string, start, end int) bool {
	if start > 0 && isWordByte(s[start-1]) {
		return false
	}
	if end < len(s) && isWordByte(s[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b >= 0x80
}

// normalize collapses whitespace so gating is stable under formatting
// differences (spec property: gates are stable under whitespace
// normalization).
func normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
