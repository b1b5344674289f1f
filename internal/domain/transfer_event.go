package domain

import (
	"strings"
	"time"
)

// TransferStatusEvent is the message shape for provider transfer lifecycle
// updates, whether delivered over AMQP or the internal reconcile endpoint.
type TransferStatusEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Status       string    `json:"status"`
	TransferType string    `json:"transfer_type"`
	TransferID   string    `json:"transfer_id"`
	AccountRef   string    `json:"account_ref"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Reason       string    `json:"reason"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// TransferOutcome is the tagged variant a raw provider status collapses into at
// the boundary. Internal logic never inspects raw provider fields again.
type TransferOutcome int

const (
	TransferOutcomeUnknown TransferOutcome = iota
	TransferOutcomePending
	TransferOutcomeSettled
	TransferOutcomeFailed
)

// Outcome normalizes the provider's status vocabulary into a TransferOutcome.
func (e TransferStatusEvent) Outcome() TransferOutcome {
	switch strings.TrimSpace(strings.ToLower(e.Status)) {
	case "successful", "success", "completed", "settled":
		return TransferOutcomeSettled
	case "failed", "failure", "rejected", "returned":
		return TransferOutcomeFailed
	case "initiated", "processing", "pending":
		return TransferOutcomePending
	default:
		return TransferOutcomeUnknown
	}
}
