package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailtriage/internal/model"
	"mailtriage/pkg/outbox"
)

// RunRepository persists finalized pipeline runs and their append-only gate
// audit trail. The outcome event is inserted into the outbox in the same
// transaction, so a persisted run always produces exactly one event.
type RunRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewRunRepository(db *pgxpool.Pool, ob *outbox.Repository) *RunRepository {
	return &RunRepository{db: db, outbox: ob}
}

// OutcomeEvent is the payload published for every finalized run.
type OutcomeEvent struct {
	CorrelationID string  `json:"correlation_id"`
	MessageID     string  `json:"message_id"`
	Outcome       string  `json:"outcome"`
	Category      string  `json:"category,omitempty"`
	ErrorClass    string  `json:"error_class,omitempty"`
	LastStage     string  `json:"last_stage"`
	DraftText     string  `json:"draft_text,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// Save writes the run, its gates and the outbox event in one transaction.
func (r *RunRepository) Save(ctx context.Context, run *model.PipelineRun) error {
	envelopeJSON, err := json.Marshal(run.Envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	var contextJSON []byte
	if run.Context != nil {
		if contextJSON, err = json.Marshal(run.Context); err != nil {
			return fmt.Errorf("failed to marshal context set: %w", err)
		}
	}
	var draftJSON []byte
	if run.Draft != nil {
		if draftJSON, err = json.Marshal(run.Draft); err != nil {
			return fmt.Errorf("failed to marshal draft: %w", err)
		}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO pipeline_runs
            (correlation_id, message_id, sender, subject, envelope, category,
             context_set, draft, outcome, last_stage, error_class, error_message,
             started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (correlation_id) DO NOTHING
    `
	_, err = tx.Exec(ctx, query,
		run.CorrelationID,
		run.Envelope.MessageID,
		run.Envelope.Sender,
		run.Envelope.Subject,
		envelopeJSON,
		nullable(run.Category),
		contextJSON,
		draftJSON,
		string(run.Outcome),
		string(run.LastStage),
		nullable(run.ErrorClass),
		nullable(run.ErrorMessage),
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for seq, g := range run.Gates {
		hintsJSON, err := json.Marshal(g.Hints)
		if err != nil {
			return fmt.Errorf("failed to marshal gate hints: %w", err)
		}
		_, err = tx.Exec(ctx, `
            INSERT INTO pipeline_gates
                (correlation_id, seq, stage, pass, decision, confidence, reason, hints, recorded_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
            ON CONFLICT (correlation_id, seq) DO NOTHING
        `,
			run.CorrelationID,
			seq,
			string(g.Stage),
			g.Pass,
			string(g.Decision),
			g.Confidence,
			g.Reason,
			hintsJSON,
			g.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert gate %d: %w", seq, err)
		}
	}

	event := OutcomeEvent{
		CorrelationID: run.CorrelationID,
		MessageID:     run.Envelope.MessageID,
		Outcome:       string(run.Outcome),
		Category:      run.Category,
		ErrorClass:    run.ErrorClass,
		LastStage:     string(run.LastStage),
	}
	if run.Draft != nil {
		event.DraftText = run.Draft.Text
		event.Confidence = run.Draft.Confidence
	}
	routingKey := "run." + strings.ToLower(string(run.Outcome))
	if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "pipeline_run", run.CorrelationID, routingKey, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Get reassembles a run from its row and gate trail.
func (r *RunRepository) Get(ctx context.Context, correlationID string) (*model.PipelineRun, error) {
	var (
		run          model.PipelineRun
		envelopeJSON []byte
		contextJSON  []byte
		draftJSON    []byte
		category     *string
		errorClass   *string
		errorMessage *string
		outcome      string
		lastStage    string
	)

	err := r.db.QueryRow(ctx, `
        SELECT correlation_id, envelope, category, context_set, draft, outcome,
               last_stage, error_class, error_message, started_at, finished_at
        FROM pipeline_runs
        WHERE correlation_id = $1
    `, correlationID).Scan(
		&run.CorrelationID,
		&envelopeJSON,
		&category,
		&contextJSON,
		&draftJSON,
		&outcome,
		&lastStage,
		&errorClass,
		&errorMessage,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(envelopeJSON, &run.Envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if len(contextJSON) > 0 {
		run.Context = &model.ContextSet{}
		if err := json.Unmarshal(contextJSON, run.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context set: %w", err)
		}
	}
	if len(draftJSON) > 0 {
		run.Draft = &model.Draft{}
		if err := json.Unmarshal(draftJSON, run.Draft); err != nil {
			return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
		}
	}
	run.Outcome = model.Outcome(outcome)
	run.LastStage = model.Stage(lastStage)
	if category != nil {
		run.Category = *category
	}
	if errorClass != nil {
		run.ErrorClass = *errorClass
	}
	if errorMessage != nil {
		run.ErrorMessage = *errorMessage
	}

	rows, err := r.db.Query(ctx, `
        SELECT stage, pass, decision, confidence, reason, hints, recorded_at
        FROM pipeline_gates
        WHERE correlation_id = $1
        ORDER BY seq ASC
    `, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			g         model.Gate
			stage     string
			decision  string
			hintsJSON []byte
		)
		if err := rows.Scan(&stage, &g.Pass, &decision, &g.Confidence, &g.Reason, &hintsJSON, &g.RecordedAt); err != nil {
			return nil, err
		}
		g.Stage = model.Stage(stage)
		g.Decision = model.Decision(decision)
		if len(hintsJSON) > 0 {
			if err := json.Unmarshal(hintsJSON, &g.Hints); err != nil {
				return nil, fmt.Errorf("failed to unmarshal gate hints: %w", err)
			}
		}
		run.Gates = append(run.Gates, g)
	}
	return &run, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
