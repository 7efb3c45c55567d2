// Package orchestrator drives a query through the staged pipeline
// (strategy, retrieval, analysis, validation, answer) and emits the
// typed event stream the chat adapter translates to SSE. Phases run
// strictly sequentially; there is exactly one writer on the stream at
// any time.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/corpusrag/internal/evidence"
	"github.com/brunobiangulo/corpusrag/internal/gate"
	"github.com/brunobiangulo/corpusrag/internal/glossary"
	"github.com/brunobiangulo/corpusrag/internal/llm"
	"github.com/brunobiangulo/corpusrag/internal/model"
	"github.com/brunobiangulo/corpusrag/internal/retriever"
)

// Config bounds the pipeline.
type Config struct {
	MaxIterations     int // retrieval/validation loop bound, default 2
	MaxHitsPerRound   int // global dedup cap, default 20
	MaxQueriesPerPass int // expanded queries executed per retrieval pass, default 2
	MaxAnalysisDocs   int // documents the analysis phase reads, default 5
	MaxSources        int
	MaxCharsPerSource int
	FileBase          string
	NotFoundMessage   string
	UseLLMValidation  bool
}

// Orchestrator owns the pipeline's collaborators. It is safe for
// concurrent use; all per-request state lives in the run.
type Orchestrator struct {
	retriever   *retriever.Engine
	strategyLLM llm.Provider
	answerLLM   llm.Provider
	analysisLLM llm.Provider
	cfg         Config
}

// New creates an orchestrator. analysisLLM and strategyLLM may equal
// answerLLM when one model serves every role.
func New(r *retriever.Engine, strategyLLM, answerLLM, analysisLLM llm.Provider, cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 2
	}
	if cfg.MaxHitsPerRound <= 0 {
		cfg.MaxHitsPerRound = 20
	}
	if cfg.MaxQueriesPerPass <= 0 {
		cfg.MaxQueriesPerPass = 2
	}
	if cfg.MaxAnalysisDocs <= 0 {
		cfg.MaxAnalysisDocs = 5
	}
	if cfg.MaxSources == 0 {
		cfg.MaxSources = 6
	}
	if cfg.NotFoundMessage == "" {
		cfg.NotFoundMessage = "Nicht in den Dokumenten gefunden."
	}
	return &Orchestrator{
		retriever:   r,
		strategyLLM: strategyLLM,
		answerLLM:   answerLLM,
		analysisLLM: analysisLLM,
		cfg:         cfg,
	}
}

// Request is one question to answer.
type Request struct {
	Tenant      model.Tenant
	Query       string
	AnswerModel string // overrides the configured answer model when set
	Advanced    bool   // full pipeline instead of the simple path
	Rewriter    *glossary.Rewriter
	Collections []string
	StateSummary string            // prior conversation summary, included in the prompt
	Retrieval    *retriever.Config // per-request override, nil for defaults
	MaxSources   int               // per-request evidence cap, 0 for the default
}

// Run executes the pipeline and returns the event stream. The stream
// is closed after the final (or error) event; cancellation of ctx ends
// it early without a final event.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		o.run(ctx, req, func(ev Event) bool {
			ev.Timestamp = time.Now()
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return events
}

// emitFunc delivers one event; false means the consumer is gone and
// the run should stop.
type emitFunc func(Event) bool

type runState struct {
	gate        model.Gate
	strategy    *model.Strategy
	hits        []model.Hit
	findings    []Finding
	exact       *retriever.Result
	pre         *preValidation
	iteration   int
	analysisRan bool
}

func (o *Orchestrator) run(ctx context.Context, req Request, emit emitFunc) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if req.Rewriter != nil {
		query = req.Rewriter.Rewrite(query)
	}

	st := &runState{gate: gate.Classify(query)}
	slog.Info("orchestrator: gate decision",
		"tenant", req.Tenant.ShortName,
		"mode", st.gate.Mode,
		"reason", st.gate.Reason)

	if st.gate.Mode == model.ModeNoRAG {
		o.finishNotFound(emit, st, start)
		return
	}

	eng := o.retriever
	if req.Retrieval != nil {
		eng = eng.WithConfig(*req.Retrieval)
	}

	if req.Advanced && st.gate.Mode == model.ModeHybrid {
		o.runAdvanced(ctx, req, eng, query, st, emit, start)
		return
	}
	o.runSimple(ctx, req, eng, query, st, emit, start)
}

// runSimple is the fast path: RETRIEVAL -> ANSWER.
func (o *Orchestrator) runSimple(ctx context.Context, req Request, eng *retriever.Engine, query string, st *runState, emit emitFunc, start time.Time) {
	if !emit(Event{Type: EventPhaseStart, Phase: PhaseRetrieval}) {
		return
	}
	res, err := eng.Search(ctx, req.Tenant, st.gate, query, req.Collections)
	if err != nil {
		o.fail(emit, PhaseRetrieval, err)
		return
	}
	st.exact = res
	st.hits = res.Hits
	o.answer(ctx, req, query, st, emit, start)
}

// runAdvanced is the full pipeline:
// STRATEGY -> (RETRIEVAL -> ANALYSIS -> VALIDATION)* -> ANSWER.
func (o *Orchestrator) runAdvanced(ctx context.Context, req Request, eng *retriever.Engine, query string, st *runState, emit emitFunc, start time.Time) {
	if !emit(Event{Type: EventPhaseStart, Phase: PhaseStrategy}) {
		return
	}
	st.strategy = o.planStrategy(ctx, req, query)
	if !emit(Event{Type: EventProgress, Phase: PhaseStrategy,
		Message: fmt.Sprintf("intent=%s queries=%d", st.strategy.Intent, len(st.strategy.ExpandedQueries))}) {
		return
	}

	for {
		if !o.retrievalPass(ctx, req, eng, query, st, emit) {
			return
		}

		if st.strategy.Intent == model.IntentAnalysis || st.strategy.Intent == model.IntentComparison {
			if !o.analysisPass(ctx, st, emit) {
				return
			}
		}

		if !emit(Event{Type: EventPhaseStart, Phase: PhaseValidation}) {
			return
		}
		verdict := o.validate(ctx, query, st)
		if !emit(Event{Type: EventProgress, Phase: PhaseValidation,
			Message: fmt.Sprintf("valid=%v coverage=%.2f reason=%s", verdict.Valid, verdict.Coverage, verdict.Reason)}) {
			return
		}

		if !verdict.NeedsIteration || st.iteration+1 >= o.cfg.MaxIterations {
			break
		}
		st.iteration++
		if verdict.RevisedStrategy != nil {
			st.strategy = verdict.RevisedStrategy
		} else {
			st.strategy = reviseStrategy(st.strategy, verdict.Reason)
		}
		slog.Info("orchestrator: iterating retrieval",
			"tenant", req.Tenant.ShortName,
			"iteration", st.iteration,
			"reason", verdict.Reason)
	}

	o.answer(ctx, req, query, st, emit, start)
}

// planStrategy asks the strategy model for a plan, falling back to the
// identity strategy on any failure.
func (o *Orchestrator) planStrategy(ctx context.Context, req Request, query string) *model.Strategy {
	fallback := func() *model.Strategy {
		s := &model.Strategy{
			Intent:          model.IntentFactLookup,
			Keywords:        []string{query},
			ExpandedQueries: []string{query},
		}
		if req.Rewriter != nil {
			if exp := req.Rewriter.Expansions(req.Query); len(exp) > 0 {
				s.Synonyms = map[string][]string{query: exp}
				s.ExpandedQueries = append(s.ExpandedQueries, strings.Join(append([]string{query}, exp...), " "))
			}
		}
		return s
	}

	var hints []string
	if req.Rewriter != nil {
		hints = req.Rewriter.Expansions(req.Query)
	}
	resp, err := o.strategyLLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: strategySystemPrompt},
			{Role: "user", Content: buildStrategyPrompt(query, hints)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("orchestrator: strategy model failed, using identity strategy", "error", err)
		return fallback()
	}
	strat, err := ParseStrategy(resp.Content)
	if err != nil {
		slog.Warn("orchestrator: strategy parse failure, using identity strategy", "error", err)
		return fallback()
	}
	if len(strat.ExpandedQueries) == 0 {
		strat.ExpandedQueries = []string{query}
	}
	return strat
}

// retrievalPass runs one RETRIEVAL phase over the current strategy.
func (o *Orchestrator) retrievalPass(ctx context.Context, req Request, eng *retriever.Engine, query string, st *runState, emit emitFunc) bool {
	if !emit(Event{Type: EventPhaseStart, Phase: PhaseRetrieval}) {
		return false
	}

	queries := st.strategy.ExpandedQueries
	if len(queries) == 0 {
		queries = []string{query}
	}
	if len(queries) > o.cfg.MaxQueriesPerPass {
		queries = queries[:o.cfg.MaxQueriesPerPass]
	}

	var gathered []model.Hit
	for _, q := range queries {
		res, err := eng.Search(ctx, req.Tenant, model.Gate{RequireRAG: true, Mode: model.ModeHybrid}, q, req.Collections)
		if err != nil {
			o.fail(emit, PhaseRetrieval, err)
			return false
		}
		gathered = append(gathered, res.Hits...)
	}

	deduped := dedupeHits(gathered, o.cfg.MaxHitsPerRound)
	pre := preValidate(deduped, st.strategy)
	st.pre = &pre
	st.hits = pre.Hits

	msg := fmt.Sprintf("hits=%d kept=%d", len(deduped), len(pre.Hits))
	if pre.NeedsIteration {
		msg += " needs_iteration=true reason=" + pre.Reason
	}
	return emit(Event{Type: EventProgress, Phase: PhaseRetrieval, Message: msg})
}

// analysisPass extracts findings for the top documents, one progress
// event per completed document.
func (o *Orchestrator) analysisPass(ctx context.Context, st *runState, emit emitFunc) bool {
	if !emit(Event{Type: EventPhaseStart, Phase: PhaseAnalysis}) {
		return false
	}
	st.analysisRan = true
	st.findings = st.findings[:0]

	seen := make(map[string]string) // path -> concatenated snippets
	var order []string
	for _, h := range st.hits {
		if _, ok := seen[h.Path]; !ok {
			if len(order) >= o.cfg.MaxAnalysisDocs {
				continue
			}
			order = append(order, h.Path)
		}
		seen[h.Path] += h.Snippet + "\n\n"
	}

	for _, docPath := range order {
		findings := o.analyzeDocument(ctx, docPath, seen[docPath])
		st.findings = append(st.findings, findings...)
		if !emit(Event{Type: EventProgress, Phase: PhaseAnalysis,
			Message: fmt.Sprintf("analyzed %s: %d findings", docPath, len(findings))}) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) analyzeDocument(ctx context.Context, docPath, docText string) []Finding {
	resp, err := o.analysisLLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: buildAnalysisPrompt(docPath, docText)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("orchestrator: analysis model failed, using extractive summary", "path", docPath, "error", err)
		return extractiveSummary(docText, 5)
	}
	findings, err := ParseFindings(resp.Content)
	if err != nil {
		slog.Warn("orchestrator: findings parse failure, using extractive summary", "path", docPath, "error", err)
		return extractiveSummary(docText, 5)
	}
	return findings
}

// validate combines the heuristic checks with an optional model
// judgment; the model can only make the verdict stricter, never
// override a heuristic rejection.
func (o *Orchestrator) validate(ctx context.Context, query string, st *runState) *model.ValidationVerdict {
	verdict := validateRound(st.hits, st.findings, st.analysisRan, st.strategy)
	if st.pre != nil && st.pre.NeedsIteration {
		verdict.Valid = false
		verdict.NeedsIteration = true
		verdict.Reason = st.pre.Reason
		return verdict
	}
	if !verdict.Valid || !o.cfg.UseLLMValidation {
		return verdict
	}

	assembled := evidence.Assemble(st.hits, evidence.Config{
		MaxSources:        o.cfg.MaxSources,
		MaxCharsPerSource: o.cfg.MaxCharsPerSource,
	})
	resp, err := o.strategyLLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: validationSystemPrompt},
			{Role: "user", Content: buildValidationPrompt(query, assembled.Context, verdict.Coverage)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("orchestrator: validation model failed, keeping heuristic verdict", "error", err)
		return verdict
	}
	llmVerdict, err := ParseVerdict(resp.Content)
	if err != nil {
		slog.Warn("orchestrator: verdict parse failure, recommending retry", "error", err)
		verdict.NeedsIteration = true
		verdict.Reason = "verdict_parse_failure"
		verdict.Valid = false
		return verdict
	}
	if !llmVerdict.Valid {
		return llmVerdict
	}
	return verdict
}

// answer runs the terminal ANSWER phase: assemble evidence, stream the
// model's reply, append the citation footer, emit final.
func (o *Orchestrator) answer(ctx context.Context, req Request, query string, st *runState, emit emitFunc, start time.Time) {
	// A validated empty exact-phrase round is the one case where
	// absence may be asserted; empty evidence otherwise also yields the
	// fixed message rather than an ungrounded answer.
	if len(st.hits) == 0 {
		o.finishNotFound(emit, st, start)
		return
	}

	maxSources := o.cfg.MaxSources
	if req.MaxSources > 0 {
		maxSources = req.MaxSources
	}
	assembled := evidence.Assemble(st.hits, evidence.Config{
		MaxSources:        maxSources,
		MaxCharsPerSource: o.cfg.MaxCharsPerSource,
		FileBase:          o.cfg.FileBase,
	})
	if assembled.Context == "" {
		o.finishNotFound(emit, st, start)
		return
	}

	if !emit(Event{Type: EventPhaseStart, Phase: PhaseAnswer}) {
		return
	}
	if !emit(Event{Type: EventSources, Phase: PhaseAnswer, Sources: assembled.Sources}) {
		return
	}

	system := answerSystemPrompt
	if st.gate.Mode == model.ModeExactPhrase && st.exact != nil && st.exact.ExactEmpty {
		system += " Die exakte Formulierung wurde nicht gefunden; die Auszüge stammen aus einer erweiterten Suche."
	}

	var sendErr error
	resp, err := o.answerLLM.StreamChat(ctx, llm.ChatRequest{
		Model: req.AnswerModel,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: buildAnswerPrompt(query, assembled.Context, req.StateSummary, req.Tenant.SystemPromptExtra)},
		},
		Temperature: 0,
	}, func(token string) error {
		if !emit(Event{Type: EventToken, Phase: PhaseAnswer, Token: token}) {
			sendErr = context.Canceled
			return sendErr
		}
		return nil
	})
	if sendErr != nil {
		return
	}
	if err != nil {
		o.fail(emit, PhaseAnswer, err)
		return
	}

	footer := citationFooter(assembled.Sources)
	if footer != "" {
		if !emit(Event{Type: EventToken, Phase: PhaseAnswer, Token: footer}) {
			return
		}
	}

	emit(Event{Type: EventFinal, Phase: PhaseAnswer, Final: &Final{
		Content: resp.Content + footer,
		Sources: assembled.Sources,
		StateSummary: StateSummary{
			Mode:       st.gate.Mode,
			GateReason: st.gate.Reason,
			Iterations: st.iteration,
			Hits:       len(st.hits),
			Sources:    len(assembled.Sources),
			Elapsed:    time.Since(start),
			Answered:   true,
		},
	}})
}

// finishNotFound emits the fixed not-found answer with no sources.
func (o *Orchestrator) finishNotFound(emit emitFunc, st *runState, start time.Time) {
	if !emit(Event{Type: EventPhaseStart, Phase: PhaseAnswer}) {
		return
	}
	if !emit(Event{Type: EventToken, Phase: PhaseAnswer, Token: o.cfg.NotFoundMessage}) {
		return
	}
	emit(Event{Type: EventFinal, Phase: PhaseAnswer, Final: &Final{
		Content: o.cfg.NotFoundMessage,
		StateSummary: StateSummary{
			Mode:       st.gate.Mode,
			GateReason: st.gate.Reason,
			Iterations: st.iteration,
			Hits:       len(st.hits),
			Elapsed:    time.Since(start),
		},
	}})
}

func (o *Orchestrator) fail(emit emitFunc, phase Phase, err error) {
	slog.Error("orchestrator: phase failed", "phase", phase, "error", err)
	emit(Event{Type: EventError, Phase: phase, Message: err.Error()})
}

// dedupeHits removes duplicates by (path, snippet prefix) while
// preserving rank order, keeping at most max hits.
func dedupeHits(hits []model.Hit, max int) []model.Hit {
	type key struct {
		path   string
		prefix string
	}
	seen := make(map[key]struct{}, len(hits))
	var out []model.Hit
	for _, h := range hits {
		prefix := h.Snippet
		if len(prefix) > 80 {
			prefix = prefix[:80]
		}
		k := key{path: h.Path, prefix: prefix}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, h)
		if len(out) >= max {
			break
		}
	}
	return out
}
