package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailtriage/config"
	"mailtriage/internal/category"
	"mailtriage/internal/contextsel"
	"mailtriage/internal/model"
	"mailtriage/internal/rulefilter"
	"mailtriage/internal/telemetry"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/trace"
	"mailtriage/pkg/util"
)

// Deps aggregates everything the orchestrator calls. All external services
// hide behind interfaces so tests can substitute deterministic fakes.
type Deps struct {
	Filter     *rulefilter.Filter
	Triager    Triager
	Chain      *category.Chain
	Categories []category.Definition
	Retriever  Retriever
	Selector   *contextsel.Selector
	Generator  Generator
	Recorder   *telemetry.Recorder
	Store      RunStore

	SystemPreamble string
	Logger         *zap.Logger
}

// Orchestrator drives one envelope through the stage sequence
// RECEIVED → FILTERED → TRIAGED → CATEGORIZED → RETRIEVED →
// CONTEXT_SELECTED → GENERATED and into a terminal outcome. All threshold
// comparisons use >= (meeting a threshold takes the threshold branch).
//
// Within a run stages execute strictly sequentially; each stage's Gate is
// recorded before the next stage starts. Runs share no mutable state, so many
// can execute concurrently without locking.
type Orchestrator struct {
	cfg  config.PipelineConfig
	deps Deps
}

func NewOrchestrator(cfg config.PipelineConfig, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Process validates the envelope, runs the pipeline to a terminal state and
// persists the run. Only a ValidationError is ever returned; every other
// failure is absorbed into the run's outcome.
func (o *Orchestrator) Process(ctx context.Context, env model.Envelope) (*model.PipelineRun, error) {
	if err := env.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	run := model.NewPipelineRun(env)
	ctx = trace.WithContext(ctx, run.CorrelationID)
	log := logger.WithCorrelation(ctx, o.deps.Logger)

	log.Info("Pipeline run started",
		zap.String("sender", env.Sender),
		zap.String("subject", env.Subject),
	)

	o.execute(ctx, run, log)

	metrics.IncrementRunOutcome(strings.ToLower(string(run.Outcome)))
	log.Info("Pipeline run finished",
		zap.String("outcome", string(run.Outcome)),
		zap.String("last_stage", string(run.LastStage)),
		zap.String("error_class", run.ErrorClass),
	)

	if o.deps.Store != nil {
		// 即使 run 被取消也要落库，所以脱离原 context 的取消信号
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.deps.Store.Save(saveCtx, run); err != nil {
			log.Error("Failed to persist run", zap.Error(err))
		}
	}

	return run, nil
}

// GetRun is the observability accessor for a finished or in-flight run.
func (o *Orchestrator) GetRun(ctx context.Context, correlationID string) (*model.PipelineRun, error) {
	if o.deps.Store == nil {
		return nil, fmt.Errorf("no run store configured")
	}
	return o.deps.Store.Get(ctx, correlationID)
}

func (o *Orchestrator) execute(ctx context.Context, run *model.PipelineRun, log *zap.Logger) {
	// FILTERED: 纯函数，不重试，不产生外部调用
	start := time.Now()
	gate := o.deps.Filter.Evaluate(&run.Envelope)
	run.AppendGate(gate)
	o.record(run, gate, start)

	if !gate.Pass {
		run.Finalize(model.OutcomeDiscarded)
		return
	}
	if gate.Decision == model.DecisionHuman {
		run.Finalize(model.OutcomeEscalated)
		return
	}

	// TRIAGED: AI 裁决是否值得继续处理
	start = time.Now()
	gate, err := o.triageStage(ctx, run, log)
	if err != nil {
		o.failRun(run, model.StageTriaged, err, log)
		return
	}
	run.AppendGate(gate)
	o.record(run, gate, start)

	if gate.Decision == model.DecisionIrrelevant && gate.Confidence >= o.cfg.ShortCircuitThreshold {
		run.Finalize(model.OutcomeDiscarded)
		return
	}
	if gate.Decision == model.DecisionHuman {
		run.Finalize(model.OutcomeEscalated)
		return
	}

	// CATEGORIZED
	start = time.Now()
	gate, err = o.categorizeStage(ctx, run, log)
	if err != nil {
		if errors.Is(err, category.ErrNoMatch) {
			// 没有任何相似类目 → IRRELEVANT
			run.AppendGate(model.Gate{
				Stage:      model.StageCategorized,
				Pass:       false,
				Decision:   model.DecisionIrrelevant,
				Confidence: 1.0,
				Reason:     "no category above similarity floor",
			})
			run.Finalize(model.OutcomeDiscarded)
			return
		}
		o.failRun(run, model.StageCategorized, err, log)
		return
	}
	run.AppendGate(gate)
	o.record(run, gate, start)

	if gate.Confidence < o.cfg.CategoryThreshold {
		// 置信度不足：升级给人工，附带建议类目
		run.Finalize(model.OutcomeEscalated)
		return
	}

	// RETRIEVED
	start = time.Now()
	query := run.Envelope.Subject + "\n" + run.Envelope.Body
	var candidates []model.Candidate
	err = o.callExternal(ctx, "retrieval", o.cfg.ScoringTimeout, log, func(ctx context.Context) error {
		var err error
		candidates, err = o.deps.Retriever.Retrieve(ctx, query, run.Category, o.cfg.RetrievalTopK)
		return err
	})
	if err != nil {
		o.failRun(run, model.StageRetrieved, err, log)
		return
	}
	gate = model.Gate{
		Stage:      model.StageRetrieved,
		Pass:       true,
		Decision:   model.DecisionKeep,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("%d candidates retrieved", len(candidates)),
	}
	run.AppendGate(gate)
	o.record(run, gate, start)

	// CONTEXT_SELECTED
	start = time.Now()
	var cs model.ContextSet
	err = o.callExternal(ctx, "tokenizer", o.cfg.ScoringTimeout, log, func(ctx context.Context) error {
		var err error
		cs, err = o.deps.Selector.Select(ctx, candidates, o.cfg.TokenBudget, o.cfg.DiversityCeiling)
		if errors.Is(err, contextsel.ErrBudgetExceeded) {
			// 一个候选都放不下：带空上下文继续，让生成端给出低置信度拒答
			return nil
		}
		return err
	})
	if err != nil {
		o.failRun(run, model.StageContextSelected, err, log)
		return
	}
	run.Context = &cs
	gate = model.Gate{
		Stage:      model.StageContextSelected,
		Pass:       true,
		Decision:   model.DecisionKeep,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("%d candidates, %d tokens, truncated=%v", len(cs.Candidates), cs.TotalTokens, cs.Truncated),
		Hints:      model.Hints{EmptyContext: len(cs.Candidates) == 0},
	}
	run.AppendGate(gate)
	o.record(run, gate, start)

	// GENERATED
	start = time.Now()
	var draft model.Draft
	err = o.callExternal(ctx, "generation", o.cfg.GenerationTimeout, log, func(ctx context.Context) error {
		var err error
		draft, err = o.deps.Generator.Generate(ctx, query, cs, o.deps.SystemPreamble)
		return err
	})
	if err != nil {
		o.failRun(run, model.StageGenerated, err, log)
		return
	}
	run.Draft = &draft

	postConf := o.postGenerationConfidence(cs, draft)
	decision := model.DecisionKeep
	if postConf < o.cfg.AutomationThreshold {
		decision = model.DecisionHuman
	}
	gate = model.Gate{
		Stage:      model.StageGenerated,
		Pass:       true,
		Decision:   decision,
		Confidence: postConf,
		Reason:     fmt.Sprintf("citation coverage blended with generator confidence %.2f", draft.Confidence),
	}
	run.AppendGate(gate)
	o.record(run, gate, start)

	if postConf >= o.cfg.AutomationThreshold {
		run.Finalize(model.OutcomeAutomated)
	} else {
		run.Finalize(model.OutcomeEscalated)
	}
}

func (o *Orchestrator) triageStage(ctx context.Context, run *model.PipelineRun, log *zap.Logger) (model.Gate, error) {
	var gate model.Gate
	err := o.callExternal(ctx, "triage", o.cfg.ScoringTimeout, log, func(ctx context.Context) error {
		var err error
		gate, err = o.deps.Triager.Triage(ctx, &run.Envelope)
		return err
	})
	if err != nil {
		return model.Gate{}, err
	}
	gate.Stage = model.StageTriaged
	gate.Confidence = clamp01(gate.Confidence)
	return gate, nil
}

func (o *Orchestrator) categorizeStage(ctx context.Context, run *model.PipelineRun, log *zap.Logger) (model.Gate, error) {
	text := run.Envelope.Subject + "\n" + run.Envelope.Body
	var res *category.Result
	err := o.callExternal(ctx, "categorize", o.cfg.ScoringTimeout, log, func(ctx context.Context) error {
		var err error
		res, err = o.deps.Chain.Categorize(ctx, text, o.deps.Categories)
		return err
	})
	if err != nil {
		return model.Gate{}, err
	}

	run.Category = res.Category
	decision := model.DecisionKeep
	if res.Confidence < o.cfg.CategoryThreshold {
		decision = model.DecisionHuman
	}
	return model.Gate{
		Stage:      model.StageCategorized,
		Pass:       true,
		Decision:   decision,
		Confidence: res.Confidence,
		Reason:     fmt.Sprintf("category %q selected from shortlist of %d", res.Category, len(res.Shortlist)),
		Hints:      model.Hints{SuggestedCategory: res.Category},
	}, nil
}

// callExternal runs one external call with a per-attempt timeout and bounded
// exponential backoff with jitter. Retry exhaustion wraps the last error in
// ErrServiceUnavailable; cancellation passes through untouched.
func (o *Orchestrator) callExternal(ctx context.Context, service string, timeout time.Duration, log *zap.Logger, fn func(ctx context.Context) error) error {
	backoff := util.BackoffConfig{
		MaxRetries: o.cfg.MaxRetries,
		Base:       o.cfg.RetryBaseBackoff,
		Max:        o.cfg.RetryMaxBackoff,
	}

	err := util.RetryWithBackoff(ctx, backoff,
		func(err error) bool {
			if errors.Is(err, category.ErrNoMatch) {
				return false
			}
			retryable, _ := util.IsRetryableError(err)
			return retryable
		},
		func(attempt int, err error) {
			metrics.IncrementRetry(service)
			log.Warn("Retrying external call",
				zap.String("service", service),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := fn(attemptCtx)
			status := "ok"
			if err != nil {
				status = "error"
			}
			metrics.RecordExternalCallLatency(service, status, time.Since(start))
			return err
		},
	)

	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return context.Canceled
	}
	if errors.Is(err, category.ErrNoMatch) {
		return err
	}
	return fmt.Errorf("%s failed after %d retries: %w: %s", service, o.cfg.MaxRetries, ErrServiceUnavailable, err.Error())
}

// failRun converts a stage error into a terminal state. A run that passed the
// rule filter never disappears silently: errors escalate, only caller
// cancellation discards.
func (o *Orchestrator) failRun(run *model.PipelineRun, stage model.Stage, err error, log *zap.Logger) {
	class := Classify(err)
	run.ErrorClass = class
	run.ErrorMessage = err.Error()

	if class == ClassCancelled {
		log.Info("Run cancelled",
			zap.String("stage", string(stage)),
			zap.String("last_stage", string(run.LastStage)),
		)
		run.AppendGate(model.Gate{
			Stage:    stage,
			Pass:     false,
			Decision: model.DecisionIrrelevant,
			Reason:   "cancelled",
			Hints:    model.Hints{ErrorClass: class},
		})
		run.Finalize(model.OutcomeDiscarded)
		return
	}

	log.Error("Stage failed after retries, escalating",
		zap.String("stage", string(stage)),
		zap.String("last_stage", string(run.LastStage)),
		zap.String("error_class", class),
		zap.Error(err),
	)
	o.deps.Recorder.Record(string(stage), run.CorrelationID, "error", 0, telemetry.Facets{ErrorClass: class})
	run.Finalize(model.OutcomeEscalated)
}

// record emits the stage telemetry and latency metric for a recorded gate.
func (o *Orchestrator) record(run *model.PipelineRun, gate model.Gate, start time.Time) {
	elapsed := time.Since(start)
	metrics.RecordStageLatency(string(gate.Stage), string(gate.Decision), elapsed)
	o.deps.Recorder.Record(string(gate.Stage), run.CorrelationID, string(gate.Decision), elapsed, telemetry.Facets{
		Decision:   string(gate.Decision),
		Confidence: gate.Confidence,
	})
}

// postGenerationConfidence blends citation coverage (the fraction of
// citations that resolve to selected candidates) with the generator's own
// confidence, equally weighted. No citations means zero coverage.
func (o *Orchestrator) postGenerationConfidence(cs model.ContextSet, draft model.Draft) float64 {
	var coverage float64
	if len(draft.Citations) > 0 {
		known := make(map[string]struct{}, len(cs.Candidates))
		for _, c := range cs.Candidates {
			known[c.ID] = struct{}{}
		}
		resolved := 0
		for _, cit := range draft.Citations {
			if _, ok := known[cit]; ok {
				resolved++
			}
		}
		coverage = float64(resolved) / float64(len(draft.Citations))
	}
	return clamp01(0.5*coverage + 0.5*draft.Confidence)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
