package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"mailtriage/contracts"
	"mailtriage/internal/pipeline"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/trace"
	"mailtriage/pkg/util"
)

// EmailHandler consumes email.received events and drives them through
// the pipeline.
type EmailHandler struct {
	orchestrator *pipeline.Orchestrator
	deduper      *util.Deduper
	publisher    *mq.Publisher
	logger       *zap.Logger
}

func NewEmailHandler(orchestrator *pipeline.Orchestrator, deduper *util.Deduper, publisher *mq.Publisher, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		orchestrator: orchestrator,
		deduper:      deduper,
		publisher:    publisher,
		logger:       logger,
	}
}

// Handle processes one email.received delivery. A returned error requeues
// the message; poison messages go to the DLQ and are acked instead.
func (h *EmailHandler) Handle(ctx context.Context, data json.RawMessage) error {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(contracts.RoutingKeyEmailReceived, contracts.EmailQueueName, time.Since(start))
	}()

	var event contracts.EmailReceivedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		// 无法解析的消息重试也没用，直接进 DLQ
		h.logger.Error("Failed to unmarshal email.received event", zap.Error(err))
		return h.deadLetter(data, err)
	}

	if event.CorrelationID != "" {
		ctx = trace.WithContext(ctx, event.CorrelationID)
	}

	if !h.deduper.AcquireOnce(ctx, "email.received", event.Envelope.MessageID) {
		return nil
	}

	run, err := h.orchestrator.Process(ctx, event.Envelope)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			h.logger.Error("Rejected malformed envelope",
				zap.String("message_id", event.Envelope.MessageID),
				zap.Error(err),
			)
			return h.deadLetter(data, err)
		}
		if retryable, _ := util.IsRetryableError(err); retryable {
			return err
		}
		h.logger.Error("Unrecoverable pipeline error",
			zap.String("message_id", event.Envelope.MessageID),
			zap.Error(err),
		)
		return h.deadLetter(data, err)
	}

	h.logger.Info("Pipeline run finished",
		zap.String("correlation_id", run.CorrelationID),
		zap.String("message_id", event.Envelope.MessageID),
		zap.String("outcome", string(run.Outcome)),
		zap.String("last_stage", string(run.LastStage)),
	)
	return nil
}

// deadLetter publishes the raw message to the DLQ. Returns nil so the
// original delivery gets acked; requeueing a poison message would loop.
func (h *EmailHandler) deadLetter(data []byte, cause error) error {
	if err := h.publisher.PublishToDLQ(contracts.RoutingKeyEmailReceived, data, cause.Error()); err != nil {
		h.logger.Error("Failed to publish to DLQ", zap.Error(err))
		return err
	}
	return nil
}
