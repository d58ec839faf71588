// Package contracts defines the event payloads exchanged over MQ between
// the API service and the pipeline worker.
package contracts

import (
	"mailtriage/internal/model"
)

// EmailQueueName is the worker's durable queue for inbound emails.
const EmailQueueName = "mailtriage.email.received"

// Routing keys on the mail.events exchange.
const (
	RoutingKeyEmailReceived = "email.received"
	RoutingKeyRunAutomated  = "run.automated"
	RoutingKeyRunEscalated  = "run.escalated"
	RoutingKeyRunDiscarded  = "run.discarded"
)

// EmailReceivedEvent carries an inbound email into the pipeline.
type EmailReceivedEvent struct {
	CorrelationID string         `json:"correlation_id"`
	Envelope      model.Envelope `json:"envelope"`
}
