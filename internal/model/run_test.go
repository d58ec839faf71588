package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineRun(t *testing.T) {
	run := NewPipelineRun(Envelope{MessageID: "m", Sender: "s@x.example", Body: "b"})

	assert.NotEmpty(t, run.CorrelationID)
	assert.Equal(t, StageReceived, run.LastStage)
	assert.False(t, run.Finalized())
	assert.Nil(t, run.LastGate())
}

func TestAppendGateAdvancesLastStage(t *testing.T) {
	run := NewPipelineRun(Envelope{MessageID: "m"})

	run.AppendGate(Gate{Stage: StageFiltered, Pass: true, Decision: DecisionKeep})
	run.AppendGate(Gate{Stage: StageTriaged, Pass: true, Decision: DecisionKeep})

	assert.Equal(t, StageTriaged, run.LastStage)
	require.Len(t, run.Gates, 2)
	assert.False(t, run.Gates[0].RecordedAt.IsZero())
	assert.Equal(t, StageTriaged, run.LastGate().Stage)
}

func TestFinalizeFirstCallWins(t *testing.T) {
	run := NewPipelineRun(Envelope{MessageID: "m"})
	run.AppendGate(Gate{Stage: StageFiltered})

	run.Finalize(OutcomeEscalated)
	run.Finalize(OutcomeAutomated)

	assert.Equal(t, OutcomeEscalated, run.Outcome)
	require.NotNil(t, run.FinishedAt)
}

func TestAppendGateNoOpAfterFinalize(t *testing.T) {
	run := NewPipelineRun(Envelope{MessageID: "m"})
	run.AppendGate(Gate{Stage: StageFiltered})
	run.Finalize(OutcomeDiscarded)

	run.AppendGate(Gate{Stage: StageTriaged})

	assert.Len(t, run.Gates, 1)
	assert.Equal(t, StageFiltered, run.LastStage)
}
