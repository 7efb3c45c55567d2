// Package glossary expands domain acronyms and synonyms in user queries
// before they reach the search backends. Text inside double quotes is
// never rewritten, so exact-phrase queries survive expansion verbatim.
package glossary

import (
	"sort"
	"strings"
	"unicode"
)

// Rewriter applies a tenant's glossary to incoming query text.
type Rewriter struct {
	// terms is sorted longest-first so multi-word entries win over
	// their prefixes.
	terms []entry
}

type entry struct {
	term      string
	expansion string
}

// New builds a Rewriter from a tenant glossary (term -> expansion).
func New(glossary map[string]string) *Rewriter {
	r := &Rewriter{}
	for term, expansion := range glossary {
		term = strings.TrimSpace(term)
		expansion = strings.TrimSpace(expansion)
		if term == "" || expansion == "" || strings.EqualFold(term, expansion) {
			continue
		}
		r.terms = append(r.terms, entry{term: term, expansion: expansion})
	}
	sort.Slice(r.terms, func(i, j int) bool {
		if len(r.terms[i].term) != len(r.terms[j].term) {
			return len(r.terms[i].term) > len(r.terms[j].term)
		}
		return r.terms[i].term < r.terms[j].term
	})
	return r
}

// Rewrite expands every glossary term occurring outside double quotes,
// appending the expansion in parentheses after the term. The rewrite is
// idempotent: a term already followed by its expansion is left alone.
func (r *Rewriter) Rewrite(query string) string {
	if len(r.terms) == 0 || query == "" {
		return query
	}

	segments := splitQuoted(query)
	var out strings.Builder
	for _, seg := range segments {
		if seg.quoted {
			out.WriteString(seg.text)
			continue
		}
		out.WriteString(r.rewriteSegment(seg.text))
	}
	return out.String()
}

// Expansions returns the expansions for every glossary term found in
// query (outside quotes), used by the strategy fallback to widen
// keyword lists without mutating the query string.
func (r *Rewriter) Expansions(query string) []string {
	var found []string
	seen := make(map[string]struct{})
	for _, seg := range splitQuoted(query) {
		if seg.quoted {
			continue
		}
		for _, e := range r.terms {
			if _, ok := seen[e.expansion]; ok {
				continue
			}
			if containsTerm(seg.text, e.term) {
				seen[e.expansion] = struct{}{}
				found = append(found, e.expansion)
			}
		}
	}
	return found
}

func (r *Rewriter) rewriteSegment(text string) string {
	for _, e := range r.terms {
		text = expandTerm(text, e.term, e.expansion)
	}
	return text
}

// expandTerm replaces whole-word occurrences of term with
// "term (expansion)", skipping occurrences already followed by the
// expansion so repeated rewrites are stable.
func expandTerm(text, term, expansion string) string {
	lower := strings.ToLower(text)
	lowerTerm := strings.ToLower(term)
	lowerExp := strings.ToLower(expansion)

	var out strings.Builder
	pos := 0
	for {
		idx := strings.Index(lower[pos:], lowerTerm)
		if idx < 0 {
			out.WriteString(text[pos:])
			break
		}
		idx += pos
		end := idx + len(term)

		if !wordBoundary(lower, idx, end) {
			out.WriteString(text[pos:end])
			pos = end
			continue
		}

		rest := strings.TrimLeft(lower[end:], " ")
		if strings.HasPrefix(rest, "("+lowerExp+")") || strings.HasPrefix(rest, lowerExp) {
			// Already expanded.
			out.WriteString(text[pos:end])
			pos = end
			continue
		}
		// Skip when the match itself sits inside a previous expansion.
		if idx > 0 && lower[idx-1] == '(' {
			out.WriteString(text[pos:end])
			pos = end
			continue
		}

		out.WriteString(text[pos:end])
		out.WriteString(" (")
		out.WriteString(expansion)
		out.WriteString(")")
		pos = end
	}
	return out.String()
}

func containsTerm(text, term string) bool {
	lower := strings.ToLower(text)
	lowerTerm := strings.ToLower(term)
	pos := 0
	for {
		idx := strings.Index(lower[pos:], lowerTerm)
		if idx < 0 {
			return false
		}
		idx += pos
		if wordBoundary(lower, idx, idx+len(term)) {
			return true
		}
		pos = idx + len(term)
	}
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		r := rune(s[start-1])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(s) {
		r := rune(s[end])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

type segment struct {
	text   string
	quoted bool
}

// splitQuoted splits text into alternating unquoted and quoted segments.
// Quoted segments include their surrounding double quotes. An unpaired
// trailing quote leaves the remainder unquoted.
func splitQuoted(text string) []segment {
	var segs []segment
	for {
		open := strings.IndexByte(text, '"')
		if open < 0 {
			if text != "" {
				segs = append(segs, segment{text: text})
			}
			return segs
		}
		close := strings.IndexByte(text[open+1:], '"')
		if close < 0 {
			segs = append(segs, segment{text: text})
			return segs
		}
		close += open + 1
		if open > 0 {
			segs = append(segs, segment{text: text[:open]})
		}
		segs = append(segs, segment{text: text[open : close+1], quoted: true})
		text = text[close+1:]
	}
}
