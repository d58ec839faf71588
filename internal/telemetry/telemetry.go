package telemetry

import (
	"time"

	"go.uber.org/zap"

	"mailtriage/pkg/metrics"
)

// Facets is the typed detail set attached to a telemetry record.
type Facets struct {
	Decision   string
	Confidence float64
	ErrorClass string
}

// Sink receives one record per stage invocation. Implementations may fail;
// the Recorder guarantees that failures never reach the pipeline.
type Sink interface {
	Record(stage, correlationID, outcome string, timingMS int64, facets Facets) error
}

// Recorder wraps a Sink so that telemetry can never break a run: sink errors
// and panics are swallowed and only counted in a metric.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record forwards to the sink, converting any failure into a dropped-record
// metric. Safe to call with a nil Recorder or nil sink.
func (r *Recorder) Record(stage, correlationID, outcome string, elapsed time.Duration, facets Facets) {
	if r == nil || r.sink == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncrementTelemetryDropped()
			if r.logger != nil {
				r.logger.Debug("Telemetry sink panicked",
					zap.String("stage", stage),
					zap.Any("panic", rec),
				)
			}
		}
	}()

	if err := r.sink.Record(stage, correlationID, outcome, elapsed.Milliseconds(), facets); err != nil {
		metrics.IncrementTelemetryDropped()
		if r.logger != nil {
			r.logger.Debug("Telemetry sink error",
				zap.String("stage", stage),
				zap.Error(err),
			)
		}
	}
}

// ZapSink is the default sink: one structured log line per stage outcome.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Record(stage, correlationID, outcome string, timingMS int64, facets Facets) error {
	s.logger.Info("Stage completed",
		zap.String("stage", stage),
		zap.String("correlation_id", correlationID),
		zap.String("outcome", outcome),
		zap.Int64("timing_ms", timingMS),
		zap.String("decision", facets.Decision),
		zap.Float64("confidence", facets.Confidence),
		zap.String("error_class", facets.ErrorClass),
	)
	return nil
}
