// Package chatapi is the OpenAI-compatible HTTP surface: it translates
// chat-completion requests into orchestrator runs and the orchestrator's
// event stream into chat.completion.chunk frames over SSE.
package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/corpusrag/internal/model"
	"github.com/brunobiangulo/corpusrag/internal/orchestrator"
	"github.com/brunobiangulo/corpusrag/internal/retriever"
	"github.com/brunobiangulo/corpusrag/internal/tenant"
)

// AdvancedSelector at the start of the last user message opts a request
// into the full orchestrated pipeline.
const AdvancedSelector = "[ADVANCED]"

// ragModelPrefix distinguishes this pipeline's bound models from the
// raw generative model catalog.
const ragModelPrefix = "rag-"

// Pipeline runs one question and produces the event stream.
// *orchestrator.Orchestrator satisfies it.
type Pipeline interface {
	Run(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event
}

// DiagnosticSearcher backs the /proxy/es diagnostic endpoint.
type DiagnosticSearcher interface {
	BM25Filtered(ctx context.Context, tenant, query string, extFilter []string, limit int) ([]model.Hit, error)
}

// Config holds the handler's wiring.
type Config struct {
	Service     string
	Version     string
	AnswerModel string   // the configured default answer model
	Models      []string // model ids listed by /v1/models, unprefixed
}

// Handler serves the HTTP surface.
type Handler struct {
	pipeline Pipeline
	tenants  *tenant.Table
	states   *tenant.StateStore
	diag     DiagnosticSearcher
	cfg      Config
}

// NewHandler wires the chat surface. states and diag may be nil to
// disable conversation persistence and /proxy/es respectively.
func NewHandler(pipeline Pipeline, tenants *tenant.Table, states *tenant.StateStore, diag DiagnosticSearcher, cfg Config) *Handler {
	if cfg.Service == "" {
		cfg.Service = "corpusrag"
	}
	return &Handler{pipeline: pipeline, tenants: tenants, states: states, diag: diag, cfg: cfg}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.HandleChatCompletions)
	mux.HandleFunc("GET /v1/models", h.HandleModels)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /open", h.HandleOpen)
	mux.HandleFunc("POST /proxy/es", h.HandleProxyES)
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	query := lastUserMessage(req.Messages)
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "no user message")
		return
	}

	tn, err := h.tenants.Resolve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	advanced := false
	if rest, ok := strings.CutPrefix(strings.TrimSpace(query), AdvancedSelector); ok {
		advanced = true
		query = strings.TrimSpace(rest)
	}

	convID := req.ConversationID
	if convID == "" {
		convID = tenant.DeriveConversationID(messageTexts(req.Messages))
	}
	stateSummary := ""
	if h.states != nil {
		if st, err := h.states.Load(convID); err == nil {
			stateSummary = st.Summary
		}
	}

	oreq := orchestrator.Request{
		Tenant:       tn,
		Query:        query,
		AnswerModel:  answerModelFor(req.Model, h.cfg.AnswerModel),
		Advanced:     advanced,
		Rewriter:     h.tenants.Rewriter(tn.ShortName),
		StateSummary: stateSummary,
		Retrieval:    ragOverrides(req.RAGConfig),
	}
	if req.RAGConfig != nil {
		oreq.MaxSources = req.RAGConfig.MaxSources
	}

	events := h.pipeline.Run(r.Context(), oreq)
	if req.Stream {
		h.streamResponse(w, r, req, events, convID, query)
		return
	}
	h.blockingResponse(w, r, req, events, convID, query)
}

// streamResponse writes chat.completion.chunk frames over SSE. A
// partially written stream ends without [DONE] when the client
// disconnects mid-answer.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, events <-chan orchestrator.Event, convID, query string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	id := completionID(query)
	created := time.Now().Unix()
	modelName := req.Model
	if modelName == "" {
		modelName = ragModelPrefix + h.cfg.AnswerModel
	}

	writeFrame := func(c completionChunk) bool {
		data, err := json.Marshal(c)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	frame := func(delta chunkDelta, finish *string) completionChunk {
		return completionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   modelName,
			Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	// First frame: the assistant role, no content.
	if !writeFrame(frame(chunkDelta{Role: "assistant"}, nil)) {
		return
	}

	var final *orchestrator.Final
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventToken:
			if !writeFrame(frame(chunkDelta{Content: ev.Token}, nil)) {
				return
			}
		case orchestrator.EventError:
			slog.Warn("chatapi: pipeline error event", "phase", ev.Phase, "message", ev.Message)
			if !writeFrame(frame(chunkDelta{Content: "\n[" + string(ev.Phase) + " error] " + ev.Message}, nil)) {
				return
			}
		case orchestrator.EventFinal:
			final = ev.Final
		}
	}
	if final == nil {
		// Cancelled or failed mid-stream: no finish frame, no [DONE].
		return
	}

	stop := "stop"
	if !writeFrame(frame(chunkDelta{}, &stop)) {
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	h.persistState(convID, query, final)
}

// blockingResponse collects the stream into a single completion object.
func (h *Handler) blockingResponse(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, events <-chan orchestrator.Event, convID, query string) {
	var final *orchestrator.Final
	var errMsg string
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventFinal:
			final = ev.Final
		case orchestrator.EventError:
			errMsg = ev.Message
		}
	}
	if final == nil {
		if r.Context().Err() != nil {
			return
		}
		if errMsg == "" {
			errMsg = "pipeline produced no answer"
		}
		writeError(w, http.StatusBadGateway, errMsg)
		return
	}

	modelName := req.Model
	if modelName == "" {
		modelName = ragModelPrefix + h.cfg.AnswerModel
	}
	writeJSON(w, http.StatusOK, completionResponse{
		ID:      completionID(query),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelName,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: final.Content},
			FinishReason: "stop",
		}},
		Sources: sourcesToWire(final.Sources),
	})

	h.persistState(convID, query, final)
}

// persistState records a one-line summary of the exchange for the next
// turn in the conversation.
func (h *Handler) persistState(convID, query string, final *orchestrator.Final) {
	if h.states == nil || convID == "" {
		return
	}
	answer := final.Content
	if len(answer) > 200 {
		answer = answer[:200]
	}
	summary := fmt.Sprintf("Q: %s\nA: %s", query, answer)
	notes := fmt.Sprintf("mode=%s sources=%d", final.StateSummary.Mode, final.StateSummary.Sources)
	if err := h.states.Save(convID, summary, notes); err != nil {
		slog.Warn("chatapi: saving conversation state failed", "conversation", convID, "error", err)
	}
}

// HandleModels serves GET /v1/models: the pipeline's bound models, each
// prefixed so clients can tell them from the raw catalog.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	models := h.cfg.Models
	if len(models) == 0 {
		models = []string{h.cfg.AnswerModel}
	}
	seen := make(map[string]struct{}, len(models))
	list := modelList{Object: "list"}
	for _, m := range models {
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		list.Data = append(list.Data, modelInfo{
			ID:      ragModelPrefix + m,
			Object:  "model",
			Created: created,
			OwnedBy: h.cfg.Service,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleHealth serves GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	models := h.cfg.Models
	if len(models) == 0 {
		models = []string{h.cfg.AnswerModel}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": h.cfg.Service,
		"version": h.cfg.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"models":  models,
	})
}

// HandleOpen serves GET /open?path=: a file from disk, only when the
// requested path is under the active tenant's document root.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	tn, err := h.tenants.Resolve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	abs, err := filepath.Abs(filepath.Clean(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	root, err := filepath.Abs(tn.DocumentRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tenant document root unresolvable")
		return
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		writeError(w, http.StatusForbidden,
			fmt.Sprintf("path is outside the document root of tenant %s", tn.ShortName))
		return
	}
	http.ServeFile(w, r, abs)
}

// HandleProxyES serves POST /proxy/es: a diagnostic query against the
// lexical backend for the active tenant's index.
func (h *Handler) HandleProxyES(w http.ResponseWriter, r *http.Request) {
	if h.diag == nil {
		writeError(w, http.StatusNotImplemented, "lexical diagnostics disabled")
		return
	}
	tn, err := h.tenants.Resolve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	query := extractQueryText(body)
	if query == "" {
		writeError(w, http.StatusBadRequest, "no query text found in body")
		return
	}
	size := 10
	if v, ok := body["size"].(float64); ok && v > 0 && v <= 100 {
		size = int(v)
	}

	hits, err := h.diag.BM25Filtered(r.Context(), tn.ShortName, query, nil, size)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	type hitWire struct {
		Path    string  `json:"path"`
		Score   float64 `json:"score"`
		Snippet string  `json:"snippet"`
	}
	out := make([]hitWire, len(hits))
	for i, hh := range hits {
		out[i] = hitWire{Path: hh.Path, Score: hh.Score, Snippet: hh.Snippet}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index": tn.LexicalIndexName,
		"query": query,
		"hits":  out,
	})
}

// extractQueryText digs the first query string out of an ES-style
// search body: {"q": "..."}, {"query": "..."}, or nested
// {"query": {"match": {"content": "..."}}} all work.
func extractQueryText(body map[string]any) string {
	for _, key := range []string{"q", "query"} {
		switch v := body[key].(type) {
		case string:
			return v
		case map[string]any:
			if s := firstString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstString(m map[string]any) string {
	for _, v := range m {
		switch t := v.(type) {
		case string:
			return t
		case map[string]any:
			if s := firstString(t); s != "" {
				return s
			}
		}
	}
	return ""
}

// answerModelFor implements the model-selection rule: strip the rag-
// prefix from the request's model when present, else use the configured
// answer model.
func answerModelFor(requested, configured string) string {
	if stripped, ok := strings.CutPrefix(requested, ragModelPrefix); ok && stripped != "" {
		return stripped
	}
	return configured
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text()
		}
	}
	return ""
}

func messageTexts(messages []ChatMessage) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Role + ":" + m.Text()
	}
	return out
}

func ragOverrides(rc *RAGConfig) *retriever.Config {
	if rc == nil {
		return nil
	}
	return &retriever.Config{
		TopK: rc.SearchTopK,
		Weights: retriever.Weights{
			KeywordBoostPath:       rc.KeywordBoostPath,
			KeywordBoostSnippet:    rc.KeywordBoostSnippet,
			CompoundBonus:          rc.CompoundBonus,
			ExcelPenaltyRelevant:   rc.ExcelPenaltyRelevant,
			ExcelPenaltyIrrelevant: rc.ExcelPenaltyIrrelevant,
			PDFMsgBonus:            rc.PDFMsgBonus,
			Keywords:               rc.Keywords,
			ExcelRelevantKeywords:  rc.ExcelRelevantKeywords,
		},
	}
}

// completionID derives a stable, opaque id for a request.
func completionID(query string) string {
	var sum uint64 = 1469598103934665603
	for i := 0; i < len(query); i++ {
		sum ^= uint64(query[i])
		sum *= 1099511628211
	}
	return fmt.Sprintf("chatcmpl-%x-%x", sum, time.Now().UnixNano())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
