package orchestrator

import (
	"time"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// Phase names the orchestrator's pipeline stages.
type Phase string

const (
	PhaseStrategy   Phase = "strategy"
	PhaseRetrieval  Phase = "retrieval"
	PhaseAnalysis   Phase = "analysis"
	PhaseValidation Phase = "validation"
	PhaseAnswer     Phase = "answer"
)

// EventType discriminates the event union on the stream.
type EventType string

const (
	EventPhaseStart EventType = "phase_start"
	EventProgress   EventType = "progress"
	EventToken      EventType = "token"
	EventSources    EventType = "sources"
	EventFinal      EventType = "final"
	EventError      EventType = "error"
)

// Event is one entry on the single-writer stream a Run produces. Only
// the fields matching Type are set.
type Event struct {
	Type      EventType
	Phase     Phase
	Timestamp time.Time
	Message   string         // progress, error
	Token     string         // token
	Sources   []model.Source // sources
	Final     *Final         // final
}

// Final is the terminal payload, always the last event on a successful
// stream.
type Final struct {
	Content      string
	Sources      []model.Source
	StateSummary StateSummary
}

// StateSummary condenses the run for the final event and for
// conversation-state persistence.
type StateSummary struct {
	Mode       model.GateMode
	GateReason string
	Iterations int
	Hits       int
	Sources    int
	Elapsed    time.Duration
	Answered   bool
}
