package rulefilter

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// HeaderRule matches a header by name and an optional value prefix. An empty
// prefix matches any value, i.e. presence of the header is enough.
type HeaderRule struct {
	Name        string `yaml:"name"`
	ValuePrefix string `yaml:"value_prefix"`
}

type PIIPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// SoftSignal contributes its weight to the keep score when the pattern
// matches the given field.
type SoftSignal struct {
	Name    string  `yaml:"name"`
	Field   string  `yaml:"field"` // subject, body or sender
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`

	re *regexp.Regexp
}

type HardExclusions struct {
	BlockedSenders         []string     `yaml:"blocked_senders"`
	BlockedDomains         []string     `yaml:"blocked_domains"`
	BulkHeaders            []HeaderRule `yaml:"bulk_headers"`
	BlockedAttachmentTypes []string     `yaml:"blocked_attachment_types"`
	BulkBodyMarkers        []string     `yaml:"bulk_body_markers"`
}

// Ruleset is the declarative rule filter input. It must be compiled before
// use; compilation validates every regex and weight up front so a malformed
// ruleset is rejected before any run starts.
type Ruleset struct {
	HardExclusions HardExclusions `yaml:"hard_exclusions"`
	PIIPatterns    []PIIPattern   `yaml:"pii_patterns"`
	SoftSignals    []SoftSignal   `yaml:"soft_signals"`
}

// LoadRuleset reads and compiles a ruleset from a YAML file.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset %s: %w", path, err)
	}
	return ParseRuleset(data)
}

// ParseRuleset unmarshals and compiles a ruleset.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode ruleset: %w", err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *Ruleset) compile() error {
	for i := range rs.PIIPatterns {
		p := &rs.PIIPatterns[i]
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pii pattern %q: %w", p.Name, err)
		}
		p.re = re
	}

	for i := range rs.SoftSignals {
		s := &rs.SoftSignals[i]
		switch s.Field {
		case "subject", "body", "sender":
		default:
			return fmt.Errorf("soft signal %q: unknown field %q", s.Name, s.Field)
		}
		if s.Weight < 0 || s.Weight > 1 {
			return fmt.Errorf("soft signal %q: weight %v out of [0,1]", s.Name, s.Weight)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("invalid soft signal %q: %w", s.Name, err)
		}
		s.re = re
	}

	// 规范化：域名和附件类型统一小写
	for i, d := range rs.HardExclusions.BlockedDomains {
		rs.HardExclusions.BlockedDomains[i] = strings.ToLower(d)
	}
	for i, t := range rs.HardExclusions.BlockedAttachmentTypes {
		rs.HardExclusions.BlockedAttachmentTypes[i] = strings.ToLower(t)
	}
	for i, s := range rs.HardExclusions.BlockedSenders {
		rs.HardExclusions.BlockedSenders[i] = strings.ToLower(s)
	}

	return nil
}
