package chatapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brunobiangulo/corpusrag/internal/model"
	"github.com/brunobiangulo/corpusrag/internal/orchestrator"
	"github.com/brunobiangulo/corpusrag/internal/tenant"
)

type fakePipeline struct {
	events  []orchestrator.Event
	lastReq orchestrator.Request
}

func (f *fakePipeline) Run(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event {
	f.lastReq = req
	out := make(chan orchestrator.Event, len(f.events))
	go func() {
		defer close(out)
		for _, ev := range f.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func answerEvents(tokens []string, sources []model.Source) []orchestrator.Event {
	evs := []orchestrator.Event{
		{Type: orchestrator.EventPhaseStart, Phase: orchestrator.PhaseRetrieval},
		{Type: orchestrator.EventPhaseStart, Phase: orchestrator.PhaseAnswer},
		{Type: orchestrator.EventSources, Phase: orchestrator.PhaseAnswer, Sources: sources},
	}
	var content strings.Builder
	for _, tok := range tokens {
		content.WriteString(tok)
		evs = append(evs, orchestrator.Event{Type: orchestrator.EventToken, Phase: orchestrator.PhaseAnswer, Token: tok})
	}
	evs = append(evs, orchestrator.Event{Type: orchestrator.EventFinal, Phase: orchestrator.PhaseAnswer,
		Final: &orchestrator.Final{Content: content.String(), Sources: sources,
			StateSummary: orchestrator.StateSummary{Mode: model.ModeHybrid, Sources: len(sources), Answered: true}}})
	return evs
}

func testHandler(t *testing.T, p Pipeline) (*Handler, string) {
	t.Helper()
	root := t.TempDir()
	table, err := tenant.FromConfigs([]model.Tenant{{
		ShortName: "acme", DisplayName: "ACME", DocumentRoot: root,
		LexicalIndexName: "acme-idx", VectorCollectionPrefix: "acme",
	}}, "acme")
	if err != nil {
		t.Fatal(err)
	}
	states, err := tenant.NewStateStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(p, table, states, nil, Config{
		Service:     "corpusrag",
		Version:     "test",
		AnswerModel: "llama3.1:8b",
		Models:      []string{"llama3.1:8b", "qwen2.5:14b"},
	}), root
}

func chatBody(t *testing.T, stream bool, content string) *strings.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":    "rag-llama3.1:8b",
		"stream":   stream,
		"messages": []map[string]any{{"role": "user", "content": content}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return strings.NewReader(string(body))
}

type sseFrame struct {
	done  bool
	chunk completionChunk
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			frames = append(frames, sseFrame{done: true})
			continue
		}
		var c completionChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("malformed frame %q: %v", payload, err)
		}
		frames = append(frames, sseFrame{chunk: c})
	}
	return frames
}

func TestStreamingWellFormed(t *testing.T) {
	p := &fakePipeline{events: answerEvents(
		[]string{"Der Befund ", "steht in [1]."},
		[]model.Source{{N: 1, Path: "a.pdf", DisplayPath: "a.pdf", FindingCount: 1}},
	)}
	h, _ := testHandler(t, p)

	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, httptest.NewRequest("POST", "/v1/chat/completions", chatBody(t, true, "suche den Befund")))

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("cache control = %q", cc)
	}

	frames := parseSSE(t, rec.Body.String())
	if len(frames) < 4 {
		t.Fatalf("frames = %d", len(frames))
	}

	// First frame: assistant role, no content.
	first := frames[0].chunk
	if first.Choices[0].Delta.Role != "assistant" || first.Choices[0].Delta.Content != "" {
		t.Errorf("first frame = %+v", first)
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", first.Object)
	}

	// Last two frames: finish_reason stop, then [DONE].
	if !frames[len(frames)-1].done {
		t.Error("stream does not end with [DONE]")
	}
	finish := frames[len(frames)-2].chunk
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "stop" {
		t.Errorf("finish frame = %+v", finish)
	}

	// Content deltas concatenate to the answer.
	var content strings.Builder
	for _, f := range frames[1 : len(frames)-2] {
		if !f.done {
			content.WriteString(f.chunk.Choices[0].Delta.Content)
		}
	}
	if content.String() != "Der Befund steht in [1]." {
		t.Errorf("content = %q", content.String())
	}
}

func TestStreamingClientCancelOmitsDone(t *testing.T) {
	// A pipeline that never emits final simulates cancellation upstream.
	p := &fakePipeline{events: []orchestrator.Event{
		{Type: orchestrator.EventPhaseStart, Phase: orchestrator.PhaseAnswer},
		{Type: orchestrator.EventToken, Phase: orchestrator.PhaseAnswer, Token: "partial"},
	}}
	h, _ := testHandler(t, p)

	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, httptest.NewRequest("POST", "/v1/chat/completions", chatBody(t, true, "suche")))

	if strings.Contains(rec.Body.String(), "[DONE]") {
		t.Error("truncated stream still ended with [DONE]")
	}
}

func TestAdvancedSelectorStripped(t *testing.T) {
	p := &fakePipeline{events: answerEvents([]string{"ok"}, nil)}
	h, _ := testHandler(t, p)

	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, httptest.NewRequest("POST", "/v1/chat/completions",
		chatBody(t, false, "[ADVANCED] suche alle Befunde")))

	if !p.lastReq.Advanced {
		t.Error("advanced selector did not opt into the full pipeline")
	}
	if p.lastReq.Query != "suche alle Befunde" {
		t.Errorf("query = %q", p.lastReq.Query)
	}
}

func TestAnswerModelSelection(t *testing.T) {
	tests := []struct{ requested, want string }{
		{"rag-qwen2.5:14b", "qwen2.5:14b"},
		{"unprefixed-model", "llama3.1:8b"},
		{"", "llama3.1:8b"},
	}
	for _, tt := range tests {
		if got := answerModelFor(tt.requested, "llama3.1:8b"); got != tt.want {
			t.Errorf("answerModelFor(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}
}

func TestBlockingResponseCarriesSources(t *testing.T) {
	p := &fakePipeline{events: answerEvents([]string{"Antwort [1]"},
		[]model.Source{{N: 1, Path: "x/y.pdf", DisplayPath: "x/y.pdf", FindingCount: 2}})}
	h, _ := testHandler(t, p)

	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, httptest.NewRequest("POST", "/v1/chat/completions", chatBody(t, false, "suche")))

	var resp completionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "Antwort [1]" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].N != 1 || resp.Sources[0].FindingCount != 2 {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.Choices[0].FinishReason)
	}
}

func TestModelsPrefixed(t *testing.T) {
	h, _ := testHandler(t, &fakePipeline{})
	rec := httptest.NewRecorder()
	h.HandleModels(rec, httptest.NewRequest("GET", "/v1/models", nil))

	var list modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("models = %+v", list.Data)
	}
	for _, m := range list.Data {
		if !strings.HasPrefix(m.ID, "rag-") {
			t.Errorf("model id %q missing rag- prefix", m.ID)
		}
	}
}

func TestHealth(t *testing.T) {
	h, _ := testHandler(t, &fakePipeline{})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != true || body["service"] != "corpusrag" {
		t.Errorf("health = %v", body)
	}
}

func TestOpenServesFilesUnderRoot(t *testing.T) {
	h, root := testHandler(t, &fakePipeline{})
	path := filepath.Join(root, "doc.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.HandleOpen(rec, httptest.NewRequest("GET", "/open?path="+path, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Errorf("code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestOpenRefusesOutsideRoot(t *testing.T) {
	h, root := testHandler(t, &fakePipeline{})

	for _, p := range []string{
		"/etc/passwd",
		root + "/../outside.txt",
	} {
		rec := httptest.NewRecorder()
		h.HandleOpen(rec, httptest.NewRequest("GET", "/open?path="+p, nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("path %q: code = %d, want 403", p, rec.Code)
		}
	}
}

func TestCoerceContent(t *testing.T) {
	tests := []struct{ raw, want string }{
		{`"plain string"`, "plain string"},
		{`[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]`, "part one part two"},
		{`{"content":"nested"}`, "nested"},
		{`{"content":{"content":"doubly nested"}}`, "doubly nested"},
	}
	for _, tt := range tests {
		if got := coerceContent(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("coerceContent(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestConversationStatePersisted(t *testing.T) {
	p := &fakePipeline{events: answerEvents([]string{"answer"}, nil)}
	h, _ := testHandler(t, p)

	body, _ := json.Marshal(map[string]any{
		"model":           "rag-llama3.1:8b",
		"conversation_id": "conv-test-1",
		"messages":        []map[string]any{{"role": "user", "content": "suche etwas"}},
	})
	rec := httptest.NewRecorder()
	h.HandleChatCompletions(rec, httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(string(body))))

	st, err := h.states.Load("conv-test-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(st.Summary, "suche etwas") {
		t.Errorf("summary = %q", st.Summary)
	}
}
