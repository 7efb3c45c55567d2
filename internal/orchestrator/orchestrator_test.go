package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/brunobiangulo/corpusrag/internal/llm"
	"github.com/brunobiangulo/corpusrag/internal/model"
	"github.com/brunobiangulo/corpusrag/internal/retriever"
)

type fakeLex struct {
	phraseHits []model.Hit
	andHits    []model.Hit
	rounds     [][]model.Hit
	calls      int
}

func (f *fakeLex) ExactPhrase(ctx context.Context, tenant, phrase string, limit int) ([]model.Hit, error) {
	return f.phraseHits, nil
}

func (f *fakeLex) ANDFallback(ctx context.Context, tenant, phrase string, limit int) ([]model.Hit, error) {
	return f.andHits, nil
}

func (f *fakeLex) BM25Filtered(ctx context.Context, tenant, query string, extFilter []string, limit int) ([]model.Hit, error) {
	if len(f.rounds) == 0 {
		return nil, nil
	}
	i := f.calls
	if i >= len(f.rounds) {
		i = len(f.rounds) - 1
	}
	f.calls++
	return f.rounds[i], nil
}

type fakeVec struct{}

func (fakeVec) Search(ctx context.Context, tenant, collection string, query []float32, k int) ([]model.Hit, error) {
	return nil, nil
}

type fakeLLM struct {
	chatResponses []string
	chatCalls     int
	streamTokens  []string
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp := "{}"
	if f.chatCalls < len(f.chatResponses) {
		resp = f.chatResponses[f.chatCalls]
	}
	f.chatCalls++
	return &llm.ChatResponse{Content: resp, Model: "test"}, nil
}

func (f *fakeLLM) StreamChat(ctx context.Context, req llm.ChatRequest, fn llm.TokenFunc) (*llm.ChatResponse, error) {
	var b strings.Builder
	for _, tok := range f.streamTokens {
		if err := fn(tok); err != nil {
			return nil, err
		}
		b.WriteString(tok)
	}
	return &llm.ChatResponse{Content: b.String(), Model: "test", FinishReason: "stop"}, nil
}

func (f *fakeLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func lexHit(p string, score float64, snippet string) model.Hit {
	return model.Hit{Source: model.HitSourceLexical, ID: p, Path: p, Score: score, Snippet: snippet, ExactLevel: model.ExactLevelBM25}
}

func newTestOrchestrator(lex *fakeLex, chat *fakeLLM) *Orchestrator {
	eng := retriever.New(lex, fakeVec{}, chat, retriever.Config{})
	return New(eng, chat, chat, chat, Config{})
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func finalOf(t *testing.T, events []Event) *Final {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.Type != EventFinal || last.Final == nil {
		t.Fatalf("last event = %+v, want final", last)
	}
	return last.Final
}

func TestSimplePathStreamsAnswer(t *testing.T) {
	lex := &fakeLex{rounds: [][]model.Hit{{
		lexHit("a/bericht.pdf", 2, "Befund eins"),
		lexHit("b/protokoll.pdf", 1, "Befund zwei"),
	}}}
	chat := &fakeLLM{streamTokens: []string{"Der Befund ", "steht in [1]."}}
	o := newTestOrchestrator(lex, chat)

	events := collect(t, o.Run(context.Background(), Request{
		Tenant: model.Tenant{ShortName: "acme"},
		Query:  "suche den Befund",
	}))

	final := finalOf(t, events)
	if !strings.Contains(final.Content, "Der Befund steht in [1].") {
		t.Errorf("final content = %q", final.Content)
	}
	if !strings.Contains(final.Content, "Quellen:") {
		t.Errorf("citation footer missing: %q", final.Content)
	}
	if len(final.Sources) != 2 || final.Sources[0].N != 1 {
		t.Errorf("sources = %+v", final.Sources)
	}

	// Tokens appear only after the answer phase starts.
	answerStarted := false
	sawSources := false
	for _, ev := range events {
		switch ev.Type {
		case EventPhaseStart:
			if ev.Phase == PhaseAnswer {
				answerStarted = true
			}
		case EventToken:
			if !answerStarted {
				t.Fatal("token event before answer phase_start")
			}
		case EventSources:
			sawSources = true
		}
	}
	if !sawSources {
		t.Error("no sources event emitted")
	}
}

func TestNoRAGReturnsFixedMessage(t *testing.T) {
	chat := &fakeLLM{streamTokens: []string{"should not run"}}
	o := newTestOrchestrator(&fakeLex{}, chat)

	events := collect(t, o.Run(context.Background(), Request{
		Tenant: model.Tenant{ShortName: "acme"},
		Query:  "wie geht es dir",
	}))

	final := finalOf(t, events)
	if final.Content != "Nicht in den Dokumenten gefunden." {
		t.Errorf("content = %q", final.Content)
	}
	if len(final.Sources) != 0 {
		t.Errorf("sources = %+v", final.Sources)
	}
	if chat.chatCalls != 0 {
		t.Errorf("LLM was invoked %d times on a no_rag query", chat.chatCalls)
	}
}

func TestExactPhraseAbsentReturnsFixedMessage(t *testing.T) {
	lex := &fakeLex{} // both phrase and AND fallback return zero
	chat := &fakeLLM{streamTokens: []string{"should not run"}}
	o := newTestOrchestrator(lex, chat)

	events := collect(t, o.Run(context.Background(), Request{
		Tenant: model.Tenant{ShortName: "acme"},
		Query:  `exakt "Completely Unrelated Sentence"`,
	}))

	final := finalOf(t, events)
	if final.Content != "Nicht in den Dokumenten gefunden." {
		t.Errorf("content = %q", final.Content)
	}
	if len(final.Sources) != 0 {
		t.Errorf("sources = %+v", final.Sources)
	}
}

func TestExactPhraseFoundCitesFile(t *testing.T) {
	lex := &fakeLex{phraseHits: []model.Hit{
		{Source: model.HitSourceLexical, ID: "wartung/q3.pdf", Path: "wartung/q3.pdf", Score: 5,
			Snippet: "[Heat] [Exchanger] [Leak] in Modul X", ExactLevel: model.ExactLevelPhrase},
	}}
	chat := &fakeLLM{streamTokens: []string{"Heat Exchanger Leak in Modul X [1]"}}
	o := newTestOrchestrator(lex, chat)

	events := collect(t, o.Run(context.Background(), Request{
		Tenant: model.Tenant{ShortName: "acme"},
		Query:  `exakt "Heat Exchanger Leak in Modul X"`,
	}))

	final := finalOf(t, events)
	if len(final.Sources) != 1 || final.Sources[0].Path != "wartung/q3.pdf" {
		t.Fatalf("sources = %+v", final.Sources)
	}
	if !strings.Contains(final.Content, "[1]") {
		t.Errorf("content = %q", final.Content)
	}
}

func TestAdvancedIterationOnThinFirstRound(t *testing.T) {
	round1 := []model.Hit{
		lexHit("proj/a/x.pdf", 2, "Befund alpha"),
		lexHit("proj/a/y.pdf", 1, "Befund beta"),
	}
	round2 := []model.Hit{
		lexHit("proj/a/x.pdf", 2, "Befund alpha"),
		lexHit("proj/b/z.pdf", 2, "Befund gamma"),
		lexHit("proj/c/w.pdf", 1, "Befund delta"),
		lexHit("proj/d/v.msg", 1, "Befund epsilon"),
	}
	lex := &fakeLex{rounds: [][]model.Hit{round1, round2}}
	chat := &fakeLLM{
		chatResponses: []string{
			`{"intent":"fact_lookup","keywords":["befund"],"synonyms":{"befund":["mangel"]},"expanded_queries":["befund bericht"]}`,
		},
		streamTokens: []string{"Gefunden in [2]."},
	}
	o := newTestOrchestrator(lex, chat)

	events := collect(t, o.Run(context.Background(), Request{
		Tenant:   model.Tenant{ShortName: "acme"},
		Query:    "suche alle befunde",
		Advanced: true,
	}))

	sawIterationReason := false
	for _, ev := range events {
		if ev.Type == EventProgress && ev.Phase == PhaseValidation &&
			strings.Contains(ev.Message, tooFewHitsReason) {
			sawIterationReason = true
		}
	}
	if !sawIterationReason {
		t.Error("validation never reported too_few_hits_after_filter")
	}
	if lex.calls < 2 {
		t.Fatalf("lexical backend called %d times, want a second round", lex.calls)
	}

	final := finalOf(t, events)
	foundSecondRound := false
	for _, s := range final.Sources {
		if s.Path == "proj/b/z.pdf" || s.Path == "proj/c/w.pdf" {
			foundSecondRound = true
		}
	}
	if !foundSecondRound {
		t.Errorf("final sources lack second-round hits: %+v", final.Sources)
	}
}

func TestAdvancedStrategyParseFailureFallsBack(t *testing.T) {
	lex := &fakeLex{rounds: [][]model.Hit{{
		lexHit("a/one.pdf", 2, "suche alle befunde treffer eins"),
		lexHit("b/two.pdf", 1, "suche alle befunde treffer zwei"),
		lexHit("c/three.pdf", 1, "suche alle befunde treffer drei"),
	}}}
	chat := &fakeLLM{
		chatResponses: []string{"I think you should search for interesting things!"},
		streamTokens:  []string{"Antwort [1]"},
	}
	o := newTestOrchestrator(lex, chat)

	events := collect(t, o.Run(context.Background(), Request{
		Tenant:   model.Tenant{ShortName: "acme"},
		Query:    "suche alle befunde",
		Advanced: true,
	}))

	final := finalOf(t, events)
	if len(final.Sources) == 0 {
		t.Errorf("fallback strategy produced no sources")
	}
}

func TestCancelledContextEndsStreamWithoutFinal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lex := &fakeLex{rounds: [][]model.Hit{{lexHit("a.pdf", 1, "x")}}}
	chat := &fakeLLM{streamTokens: []string{"tok"}}
	o := newTestOrchestrator(lex, chat)

	for ev := range o.Run(ctx, Request{Tenant: model.Tenant{ShortName: "acme"}, Query: "suche etwas"}) {
		if ev.Type == EventFinal {
			t.Fatal("final event emitted after cancellation")
		}
	}
}

func TestAnalysisIntentEmitsPerDocumentProgress(t *testing.T) {
	lex := &fakeLex{rounds: [][]model.Hit{{
		lexHit("a/one.pdf", 3, "Befund: Leck am Ventil"),
		lexHit("b/two.pdf", 2, "Befund: Korrosion"),
		lexHit("c/three.pdf", 1, "Befund: Riss"),
	}}}
	chat := &fakeLLM{
		chatResponses: []string{
			`{"intent":"analysis","keywords":["befund"],"expanded_queries":["befund"]}`,
			`{"findings":[{"category":"leak","severity":"high","description":"Leck am Ventil","status":"open"}]}`,
			`{"findings":[{"category":"corrosion","severity":"medium","description":"Korrosion","status":"open"}]}`,
			`{"findings":[{"category":"crack","severity":"low","description":"Riss","status":"open"}]}`,
		},
		streamTokens: []string{"Analyse [1]"},
	}
	o := newTestOrchestrator(lex, chat)

	events := collect(t, o.Run(context.Background(), Request{
		Tenant:   model.Tenant{ShortName: "acme"},
		Query:    "suche befunde",
		Advanced: true,
	}))

	analysisProgress := 0
	for _, ev := range events {
		if ev.Type == EventProgress && ev.Phase == PhaseAnalysis {
			analysisProgress++
		}
	}
	if analysisProgress != 3 {
		t.Errorf("analysis progress events = %d, want 3", analysisProgress)
	}
	finalOf(t, events)
}
