package rulefilter

import (
	"fmt"
	"path/filepath"
	"strings"

	"mailtriage/internal/model"
)

// Filter is the deterministic first stage of the pipeline. It is a pure
// function over the compiled ruleset: no network calls, no blocking, and the
// same envelope always yields the same Gate.
type Filter struct {
	rules         *Ruleset
	keepThreshold float64
	triageBand    float64
}

func New(rules *Ruleset, keepThreshold, triageBand float64) *Filter {
	return &Filter{
		rules:         rules,
		keepThreshold: keepThreshold,
		triageBand:    triageBand,
	}
}

// Evaluate runs hard-exclusion rules first (short-circuit with pass=false),
// then PII detection (forces HUMAN), then the weighted soft-signal score
// against the keep threshold and triage band.
func (f *Filter) Evaluate(env *model.Envelope) model.Gate {
	if rule, reason := f.matchHardExclusion(env); rule != "" {
		return model.Gate{
			Stage:      model.StageFiltered,
			Pass:       false,
			Decision:   model.DecisionIrrelevant,
			Confidence: 1.0,
			Reason:     reason,
			Hints:      model.Hints{MatchedRule: rule},
		}
	}

	// PII 强制人工处理，优先于所有软信号
	for _, p := range f.rules.PIIPatterns {
		if p.re.MatchString(env.Body) || p.re.MatchString(env.Subject) {
			return model.Gate{
				Stage:      model.StageFiltered,
				Pass:       true,
				Decision:   model.DecisionHuman,
				Confidence: 1.0,
				Reason:     fmt.Sprintf("pii pattern %q matched", p.Name),
				Hints:      model.Hints{MatchedRule: "pii:" + p.Name},
			}
		}
	}

	score := f.softScore(env)
	switch {
	case score >= f.keepThreshold:
		return model.Gate{
			Stage:      model.StageFiltered,
			Pass:       true,
			Decision:   model.DecisionKeep,
			Confidence: score,
			Reason:     fmt.Sprintf("soft score %.2f >= keep threshold %.2f", score, f.keepThreshold),
		}
	case score >= f.triageBand:
		return model.Gate{
			Stage:      model.StageFiltered,
			Pass:       true,
			Decision:   model.DecisionHuman,
			Confidence: score,
			Reason:     fmt.Sprintf("soft score %.2f in triage band", score),
		}
	default:
		return model.Gate{
			Stage:      model.StageFiltered,
			Pass:       false,
			Decision:   model.DecisionIrrelevant,
			Confidence: 1.0 - score,
			Reason:     fmt.Sprintf("soft score %.2f below triage band %.2f", score, f.triageBand),
		}
	}
}

func (f *Filter) matchHardExclusion(env *model.Envelope) (rule, reason string) {
	hard := f.rules.HardExclusions
	sender := strings.ToLower(env.Sender)

	for _, s := range hard.BlockedSenders {
		if sender == s {
			return "blocked_sender", fmt.Sprintf("sender %s is blocked", env.Sender)
		}
	}

	if domain := env.SenderDomain(); domain != "" {
		for _, d := range hard.BlockedDomains {
			if domain == d || strings.HasSuffix(domain, "."+d) {
				return "blocked_domain", fmt.Sprintf("sender domain %s is blocked", domain)
			}
		}
	}

	for _, h := range hard.BulkHeaders {
		v := env.Header(h.Name)
		if v == "" {
			continue
		}
		if h.ValuePrefix == "" || strings.HasPrefix(strings.ToLower(v), strings.ToLower(h.ValuePrefix)) {
			return "bulk_header", fmt.Sprintf("bulk mail header %s detected", h.Name)
		}
	}

	body := strings.ToLower(env.Body)
	for _, m := range hard.BulkBodyMarkers {
		if strings.Contains(body, strings.ToLower(m)) {
			return "bulk_body_marker", fmt.Sprintf("bulk mail marker %q in body", m)
		}
	}

	for _, a := range env.Attachments {
		ext := strings.ToLower(filepath.Ext(a.Filename))
		for _, blocked := range hard.BlockedAttachmentTypes {
			if ext == blocked {
				return "blocked_attachment", fmt.Sprintf("attachment type %s is blocked", ext)
			}
		}
	}

	return "", ""
}

// softScore sums the weights of matching soft signals, capped at 1.
func (f *Filter) softScore(env *model.Envelope) float64 {
	var score float64
	for _, s := range f.rules.SoftSignals {
		var field string
		switch s.Field {
		case "subject":
			field = env.Subject
		case "body":
			field = env.Body
		case "sender":
			field = env.Sender
		}
		if s.re.MatchString(field) {
			score += s.Weight
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}
