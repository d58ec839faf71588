package rulefilter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/model"
)

const testRules = `
hard_exclusions:
  blocked_senders:
    - spammer@evil.example
  blocked_domains:
    - bulk.example
  bulk_headers:
    - name: Auto-Submitted
      value_prefix: auto-
    - name: List-Unsubscribe
  blocked_attachment_types:
    - .exe
    - .js
  bulk_body_markers:
    - unsubscribe
    - "viewing this email in your browser"
pii_patterns:
  - name: ssn
    pattern: '\b\d{3}-\d{2}-\d{4}\b'
  - name: credit_card
    pattern: '\b(?:\d[ -]?){13,16}\b'
soft_signals:
  - name: question_mark
    field: body
    pattern: '\?'
    weight: 0.25
  - name: greeting
    field: body
    pattern: '(?i)^(hi|hello|dear)\b'
    weight: 0.15
  - name: support_keywords
    field: subject
    pattern: '(?i)(help|issue|problem|error|broken)'
    weight: 0.35
  - name: account_reference
    field: body
    pattern: '(?i)(my account|order #|invoice)'
    weight: 0.25
`

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	rs, err := ParseRuleset([]byte(testRules))
	require.NoError(t, err)
	return New(rs, 0.5, 0.2)
}

func envelope(sender, subject, body string) model.Envelope {
	return model.Envelope{
		MessageID:  "msg-1",
		Sender:     sender,
		Subject:    subject,
		Body:       body,
		ReceivedAt: time.Now(),
	}
}

func TestEvaluateBlockedDomainShortCircuits(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("newsletter@bulk.example", "Weekly deals", "Click here to unsubscribe")
	gate := f.Evaluate(&env)

	assert.False(t, gate.Pass)
	assert.Equal(t, model.DecisionIrrelevant, gate.Decision)
	assert.Equal(t, 1.0, gate.Confidence)
	assert.Equal(t, "blocked_domain", gate.Hints.MatchedRule)
	assert.Equal(t, model.StageFiltered, gate.Stage)
}

func TestEvaluateBlockedSubdomain(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("promo@mail.bulk.example", "Deals", "hello")
	gate := f.Evaluate(&env)

	assert.False(t, gate.Pass)
	assert.Equal(t, "blocked_domain", gate.Hints.MatchedRule)
}

func TestEvaluateBlockedSenderCaseInsensitive(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("Spammer@Evil.Example", "Hi", "hello?")
	gate := f.Evaluate(&env)

	assert.False(t, gate.Pass)
	assert.Equal(t, "blocked_sender", gate.Hints.MatchedRule)
}

func TestEvaluateBulkHeader(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("someone@customer.example", "Help with my order", "Can you help?")
	env.Headers = map[string][]string{"Auto-Submitted": {"auto-generated"}}
	gate := f.Evaluate(&env)

	assert.False(t, gate.Pass)
	assert.Equal(t, "bulk_header", gate.Hints.MatchedRule)
}

func TestEvaluateBulkHeaderPresenceOnly(t *testing.T) {
	f := newTestFilter(t)

	// List-Unsubscribe has no value_prefix, any value triggers it
	env := envelope("someone@customer.example", "Help", "Can you help?")
	env.Headers = map[string][]string{"list-unsubscribe": {"<mailto:u@x.example>"}}
	gate := f.Evaluate(&env)

	assert.False(t, gate.Pass)
	assert.Equal(t, "bulk_header", gate.Hints.MatchedRule)
}

func TestEvaluateHeaderPrefixMismatchPasses(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("someone@customer.example", "Help with an error", "Why does this fail? My account is locked.")
	env.Headers = map[string][]string{"Auto-Submitted": {"no"}}
	gate := f.Evaluate(&env)

	assert.True(t, gate.Pass)
}

func TestEvaluateBlockedAttachment(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("someone@customer.example", "Report", "See attached.")
	env.Attachments = []model.Attachment{{Filename: "payload.EXE", SizeBytes: 100}}
	gate := f.Evaluate(&env)

	assert.False(t, gate.Pass)
	assert.Equal(t, "blocked_attachment", gate.Hints.MatchedRule)
}

func TestEvaluatePIIForcesHuman(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("someone@customer.example", "Account update", "My SSN is 123-45-6789, please update my records.")
	gate := f.Evaluate(&env)

	assert.True(t, gate.Pass)
	assert.Equal(t, model.DecisionHuman, gate.Decision)
	assert.Equal(t, 1.0, gate.Confidence)
	assert.Equal(t, "pii:ssn", gate.Hints.MatchedRule)
}

func TestEvaluatePIIBeatsSoftSignals(t *testing.T) {
	f := newTestFilter(t)

	// 即使软分数很高也必须 HUMAN
	env := envelope("someone@customer.example", "Help, billing error", "Hi, invoice attached with card 4111 1111 1111 1111. Why was I charged?")
	gate := f.Evaluate(&env)

	assert.Equal(t, model.DecisionHuman, gate.Decision)
	assert.Equal(t, "pii:credit_card", gate.Hints.MatchedRule)
}

func TestEvaluateSoftScoreKeep(t *testing.T) {
	f := newTestFilter(t)

	// question_mark 0.25 + support_keywords 0.35 = 0.60 >= 0.5
	env := envelope("someone@customer.example", "Problem with login", "The page keeps failing, what should I do?")
	gate := f.Evaluate(&env)

	assert.True(t, gate.Pass)
	assert.Equal(t, model.DecisionKeep, gate.Decision)
	assert.InDelta(t, 0.60, gate.Confidence, 1e-9)
}

func TestEvaluateSoftScoreTriageBand(t *testing.T) {
	f := newTestFilter(t)

	// question_mark only: 0.25, in [0.2, 0.5)
	env := envelope("someone@customer.example", "Quick note", "Is this the right address?")
	gate := f.Evaluate(&env)

	assert.True(t, gate.Pass)
	assert.Equal(t, model.DecisionHuman, gate.Decision)
	assert.InDelta(t, 0.25, gate.Confidence, 1e-9)
}

func TestEvaluateSoftScoreBelowBand(t *testing.T) {
	f := newTestFilter(t)

	env := envelope("someone@customer.example", "FYI", "just forwarding this along")
	gate := f.Evaluate(&env)

	assert.False(t, gate.Pass)
	assert.Equal(t, model.DecisionIrrelevant, gate.Decision)
	assert.Equal(t, 1.0, gate.Confidence)
}

func TestEvaluateSoftScoreExactThreshold(t *testing.T) {
	rs, err := ParseRuleset([]byte(testRules))
	require.NoError(t, err)
	// threshold equal to the only matching weight: >= takes the keep branch
	f := New(rs, 0.25, 0.2)

	env := envelope("someone@customer.example", "Quick note", "Is this the right address?")
	gate := f.Evaluate(&env)

	assert.Equal(t, model.DecisionKeep, gate.Decision)
}

func TestEvaluateSoftScoreCappedAtOne(t *testing.T) {
	rs, err := ParseRuleset([]byte(`
soft_signals:
  - name: a
    field: body
    pattern: 'x'
    weight: 0.9
  - name: b
    field: body
    pattern: 'y'
    weight: 0.9
`))
	require.NoError(t, err)
	f := New(rs, 0.5, 0.2)

	env := envelope("someone@customer.example", "s", "x y")
	gate := f.Evaluate(&env)

	assert.Equal(t, 1.0, gate.Confidence)
}

func TestEvaluateDeterministic(t *testing.T) {
	f := newTestFilter(t)
	env := envelope("someone@customer.example", "Problem with login", "Hi, my account is locked. Can you help?")

	first := f.Evaluate(&env)
	for i := 0; i < 10; i++ {
		again := f.Evaluate(&env)
		assert.Equal(t, first, again)
	}
}

func TestParseRulesetRejectsBadRegex(t *testing.T) {
	_, err := ParseRuleset([]byte(`
pii_patterns:
  - name: broken
    pattern: '(['
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestParseRulesetRejectsBadWeight(t *testing.T) {
	_, err := ParseRuleset([]byte(`
soft_signals:
  - name: heavy
    field: body
    pattern: 'x'
    weight: 1.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of [0,1]")
}

func TestParseRulesetRejectsUnknownField(t *testing.T) {
	_, err := ParseRuleset([]byte(`
soft_signals:
  - name: odd
    field: headers
    pattern: 'x'
    weight: 0.2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}
