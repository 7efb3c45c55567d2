package chatapi

import (
	"encoding/json"
	"strings"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// ChatCompletionRequest is the accepted subset of the OpenAI chat API,
// plus the rag_config extension for per-request retrieval overrides.
type ChatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream"`
	Temperature    float64       `json:"temperature,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	RAGConfig      *RAGConfig    `json:"rag_config,omitempty"`
}

// ChatMessage carries one turn. Content is kept raw because callers
// send either a plain string or the OpenAI content-part array.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text flattens a message's content to a plain string: strings pass
// through, content-part arrays concatenate their text parts, objects
// with a "content" field are unwrapped recursively, and anything else
// is returned as its raw JSON.
func (m ChatMessage) Text() string {
	return coerceContent(m.Content)
}

func coerceContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Text != "" {
				b.WriteString(p.Text)
			} else if len(p.Content) > 0 {
				b.WriteString(coerceContent(p.Content))
			}
		}
		return b.String()
	}

	var obj struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Content) > 0 {
		return coerceContent(obj.Content)
	}
	return string(raw)
}

// RAGConfig overrides retrieval and ranking parameters for one request.
type RAGConfig struct {
	SearchTopK             int      `json:"search_top_k,omitempty"`
	MaxSources             int      `json:"max_sources,omitempty"`
	KeywordBoostPath       float64  `json:"keyword_boost_path,omitempty"`
	KeywordBoostSnippet    float64  `json:"keyword_boost_snippet,omitempty"`
	CompoundBonus          float64  `json:"compound_bonus,omitempty"`
	ExcelPenaltyRelevant   float64  `json:"excel_penalty_relevant,omitempty"`
	ExcelPenaltyIrrelevant float64  `json:"excel_penalty_irrelevant,omitempty"`
	PDFMsgBonus            float64  `json:"pdf_msg_bonus,omitempty"`
	Keywords               []string `json:"keywords,omitempty"`
	ExcelRelevantKeywords  []string `json:"excel_relevant_keywords,omitempty"`
}

// --- response wire types ---

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type sourceWire struct {
	N            int    `json:"n"`
	Path         string `json:"path"`
	DisplayPath  string `json:"display_path"`
	LocalURL     string `json:"local_url,omitempty"`
	FindingCount int    `json:"finding_count"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Sources []sourceWire       `json:"sources,omitempty"`
}

func sourcesToWire(sources []model.Source) []sourceWire {
	out := make([]sourceWire, len(sources))
	for i, s := range sources {
		out[i] = sourceWire{
			N:            s.N,
			Path:         s.Path,
			DisplayPath:  s.DisplayPath,
			LocalURL:     s.LocalURL,
			FindingCount: s.FindingCount,
		}
	}
	return out
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}
