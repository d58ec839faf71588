package pipeline

import (
	"context"

	"mailtriage/internal/model"
)

// Triager is the AI triage stage: a referee-pattern relevance decision on the
// raw envelope, before categorization.
type Triager interface {
	Triage(ctx context.Context, env *model.Envelope) (model.Gate, error)
}

// Retriever fetches knowledge-corpus candidates for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query, corpusRef string, topK int) ([]model.Candidate, error)
}

// Generator produces the grounded candidate reply from the selected context.
type Generator interface {
	Generate(ctx context.Context, question string, cs model.ContextSet, systemPreamble string) (model.Draft, error)
}

// RunStore persists finalized runs and backs the get_run accessor.
type RunStore interface {
	Save(ctx context.Context, run *model.PipelineRun) error
	Get(ctx context.Context, correlationID string) (*model.PipelineRun, error)
}
