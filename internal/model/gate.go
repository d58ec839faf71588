package model

import "time"

// Decision is the routing signal carried by every Gate.
type Decision string

const (
	DecisionKeep       Decision = "KEEP"
	DecisionHuman      Decision = "HUMAN"
	DecisionIrrelevant Decision = "IRRELEVANT"
)

// Stage identifies a pipeline state. Terminal outcomes live in Outcome.
type Stage string

const (
	StageReceived        Stage = "RECEIVED"
	StageFiltered        Stage = "FILTERED"
	StageTriaged         Stage = "TRIAGED"
	StageCategorized     Stage = "CATEGORIZED"
	StageRetrieved       Stage = "RETRIEVED"
	StageContextSelected Stage = "CONTEXT_SELECTED"
	StageGenerated       Stage = "GENERATED"
)

// Outcome is a terminal pipeline state.
type Outcome string

const (
	OutcomeAutomated Outcome = "AUTOMATED"
	OutcomeEscalated Outcome = "ESCALATED"
	OutcomeDiscarded Outcome = "DISCARDED"
)

// Hints is the typed facet set attached to a Gate. An open string map here
// invites malformed keys crossing stage boundaries, so each hint is a field.
type Hints struct {
	MatchedRule       string `json:"matched_rule,omitempty"`
	SuggestedCategory string `json:"suggested_category,omitempty"`
	ErrorClass        string `json:"error_class,omitempty"`
	EmptyContext      bool   `json:"empty_context,omitempty"`
}

// Gate is the output of a filtering/decision stage. Gates are append-only:
// each stage produces a new one and the run keeps the full ordered sequence.
type Gate struct {
	Stage      Stage     `json:"stage"`
	Pass       bool      `json:"pass"`
	Decision   Decision  `json:"decision"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
	Hints      Hints     `json:"hints"`
	RecordedAt time.Time `json:"recorded_at"`
}
