package model

import (
	"errors"
	"strings"
	"time"
)

// Attachment carries metadata only; bodies never enter the pipeline.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Envelope is the normalized inbound message. It is created once per message
// and never mutated after validation.
type Envelope struct {
	MessageID   string              `json:"message_id"`
	Sender      string              `json:"sender"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Headers     map[string][]string `json:"headers"`
	Attachments []Attachment        `json:"attachments"`
	ReceivedAt  time.Time           `json:"received_at"`
}

var (
	ErrMissingMessageID = errors.New("envelope missing message id")
	ErrMissingSender    = errors.New("envelope missing sender")
	ErrEmptyContent     = errors.New("envelope has neither subject nor body")
)

// Validate rejects malformed envelopes before a run is ever created.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.MessageID) == "" {
		return ErrMissingMessageID
	}
	if strings.TrimSpace(e.Sender) == "" {
		return ErrMissingSender
	}
	if strings.TrimSpace(e.Subject) == "" && strings.TrimSpace(e.Body) == "" {
		return ErrEmptyContent
	}
	return nil
}

// SenderDomain returns the part after '@', lowercased, or "" when the sender
// is not an address.
func (e *Envelope) SenderDomain() string {
	at := strings.LastIndex(e.Sender, "@")
	if at < 0 || at == len(e.Sender)-1 {
		return ""
	}
	return strings.ToLower(e.Sender[at+1:])
}

// Header returns the first value of a header, case-insensitively.
func (e *Envelope) Header(name string) string {
	for k, vs := range e.Headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
