package orchestrator

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

const answerSystemPrompt = `Du bist ein Assistent für Projektdokumente. Beantworte Fragen ausschließlich auf Basis der bereitgestellten Auszüge. Zitiere Quellen mit ihrer Nummer in eckigen Klammern, z.B. [1]. Wenn die Auszüge die Frage nicht beantworten, sage das klar statt zu raten. Antworte in der Sprache der Frage.`

const strategySystemPrompt = `You plan document searches. Reply with a single JSON object and nothing else.`

const analysisSystemPrompt = `You extract structured findings from project documents. Reply with a single JSON object and nothing else.`

const validationSystemPrompt = `You judge whether retrieved evidence suffices to answer a question. Reply with a single JSON object and nothing else.`

func buildStrategyPrompt(query string, glossaryHints []string) string {
	var b strings.Builder
	b.WriteString("Plan a search over a project document corpus for this question.\n\n")
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\n")
	if len(glossaryHints) > 0 {
		b.WriteString("Domain terms that may be relevant: ")
		b.WriteString(strings.Join(glossaryHints, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString(`Respond with JSON:
{
  "intent": "fact_lookup|summary|comparison|analysis",
  "languages": ["de", "en"],
  "keywords": ["..."],
  "synonyms": {"keyword": ["synonym"]},
  "filters": {"doctype": [], "date_from": "", "date_to": "", "customer": ""},
  "expanded_queries": ["...", "..."]
}
Use at most two expanded_queries.`)
	return b.String()
}

func buildAnalysisPrompt(docPath, docText string) string {
	return fmt.Sprintf(`Extract findings from this document excerpt.

Document: %s

%s

Respond with JSON: {"findings": [{"category": "...", "severity": "low|medium|high", "description": "...", "status": "open|resolved|unknown"}]}
Report only findings actually stated in the text.`, docPath, docText)
}

func buildValidationPrompt(query string, contextStr string, coverage float64) string {
	return fmt.Sprintf(`Question: %s

Evidence collected so far:
%s

Heuristic keyword coverage: %.2f

Does this evidence suffice to answer the question? Respond with JSON:
{"valid": true|false, "needs_iteration": true|false, "reason": "...", "coverage": 0.0}`, query, contextStr, coverage)
}

func buildAnswerPrompt(query, contextStr, stateSummary, promptExtra string) string {
	var b strings.Builder
	if promptExtra != "" {
		b.WriteString(promptExtra)
		b.WriteString("\n\n")
	}
	if stateSummary != "" {
		b.WriteString("Bisheriger Gesprächskontext:\n")
		b.WriteString(stateSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Auszüge aus den Dokumenten:\n\n")
	b.WriteString(contextStr)
	b.WriteString("\n\nFrage: ")
	b.WriteString(query)
	return b.String()
}

// citationFooter renders the deterministic source list appended after
// the streamed answer.
func citationFooter(sources []model.Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nQuellen:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", s.N, s.DisplayPath)
	}
	return b.String()
}

// extractiveSummary is the analysis fallback when the model's findings
// cannot be parsed: the first few sections of the document, verbatim.
func extractiveSummary(docText string, maxSections int) []Finding {
	sections := strings.Split(docText, "\n\n")
	var findings []Finding
	for _, sec := range sections {
		sec = strings.TrimSpace(sec)
		if sec == "" {
			continue
		}
		if len(sec) > 400 {
			sec = sec[:400]
		}
		findings = append(findings, Finding{
			Category:    "excerpt",
			Severity:    "unknown",
			Description: sec,
			Status:      "unknown",
		})
		if len(findings) >= maxSections {
			break
		}
	}
	return findings
}
