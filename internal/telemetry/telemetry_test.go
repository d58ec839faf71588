package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturingSink struct {
	stages   []string
	outcomes []string
	facets   []Facets
}

func (s *capturingSink) Record(stage, correlationID, outcome string, timingMS int64, facets Facets) error {
	s.stages = append(s.stages, stage)
	s.outcomes = append(s.outcomes, outcome)
	s.facets = append(s.facets, facets)
	return nil
}

type failingSink struct{ calls int }

func (s *failingSink) Record(stage, correlationID, outcome string, timingMS int64, facets Facets) error {
	s.calls++
	return errors.New("sink unavailable")
}

type panickingSink struct{}

func (s *panickingSink) Record(stage, correlationID, outcome string, timingMS int64, facets Facets) error {
	panic("sink exploded")
}

func TestRecorderForwardsToSink(t *testing.T) {
	sink := &capturingSink{}
	r := NewRecorder(sink, zap.NewNop())

	r.Record("FILTERED", "cid-1", "pass", 5*time.Millisecond, Facets{Decision: "KEEP", Confidence: 0.8})

	require.Len(t, sink.stages, 1)
	assert.Equal(t, "FILTERED", sink.stages[0])
	assert.Equal(t, "pass", sink.outcomes[0])
	assert.Equal(t, "KEEP", sink.facets[0].Decision)
}

func TestRecorderSwallowsSinkError(t *testing.T) {
	sink := &failingSink{}
	r := NewRecorder(sink, zap.NewNop())

	assert.NotPanics(t, func() {
		r.Record("TRIAGED", "cid-1", "pass", time.Millisecond, Facets{})
	})
	assert.Equal(t, 1, sink.calls)
}

func TestRecorderSwallowsSinkPanic(t *testing.T) {
	r := NewRecorder(&panickingSink{}, zap.NewNop())

	assert.NotPanics(t, func() {
		r.Record("GENERATED", "cid-1", "error", time.Millisecond, Facets{ErrorClass: "ServiceUnavailable"})
	})
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Record("FILTERED", "cid-1", "pass", time.Millisecond, Facets{})
	})

	r = NewRecorder(nil, nil)
	assert.NotPanics(t, func() {
		r.Record("FILTERED", "cid-1", "pass", time.Millisecond, Facets{})
	})
}

func TestZapSinkRecords(t *testing.T) {
	sink := NewZapSink(zap.NewNop())
	err := sink.Record("FILTERED", "cid-1", "pass", 3, Facets{Decision: "KEEP"})
	assert.NoError(t, err)
}
