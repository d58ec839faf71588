package model

import (
	"time"

	"github.com/google/uuid"
)

// PipelineRun owns the full lifecycle of one message through the pipeline.
// It is mutated only by the orchestrator appending stage results, and becomes
// immutable once Finalize is called.
type PipelineRun struct {
	CorrelationID string      `json:"correlation_id"`
	Envelope      Envelope    `json:"envelope"`
	Gates         []Gate      `json:"gates"`
	Category      string      `json:"category,omitempty"`
	Context       *ContextSet `json:"context,omitempty"`
	Draft         *Draft      `json:"draft,omitempty"`

	Outcome      Outcome `json:"outcome,omitempty"`
	LastStage    Stage   `json:"last_stage"`
	ErrorClass   string  `json:"error_class,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	finalized bool
}

// NewPipelineRun creates a run at envelope ingress.
func NewPipelineRun(env Envelope) *PipelineRun {
	return &PipelineRun{
		CorrelationID: uuid.NewString(),
		Envelope:      env,
		LastStage:     StageReceived,
		StartedAt:     time.Now(),
	}
}

// AppendGate records a stage result. No-op after finalization; a finalized
// run is immutable.
func (r *PipelineRun) AppendGate(g Gate) {
	if r.finalized {
		return
	}
	if g.RecordedAt.IsZero() {
		g.RecordedAt = time.Now()
	}
	r.Gates = append(r.Gates, g)
	r.LastStage = g.Stage
}

// Finalize sets the terminal outcome. Only the first call wins.
func (r *PipelineRun) Finalize(outcome Outcome) {
	if r.finalized {
		return
	}
	now := time.Now()
	r.Outcome = outcome
	r.FinishedAt = &now
	r.finalized = true
}

// Finalized reports whether a terminal decision has been reached.
func (r *PipelineRun) Finalized() bool {
	return r.finalized
}

// LastGate returns the most recent gate, or nil before any stage ran.
func (r *PipelineRun) LastGate() *Gate {
	if len(r.Gates) == 0 {
		return nil
	}
	return &r.Gates[len(r.Gates)-1]
}
