// internal/model/outbound_message.go
package model

import "time"

// Message statuses. The repository enforces the allowed transitions with
// status-guarded updates, so a message can only move along these edges:
// In Progress -> {Accepted, Blocked} -> Queuing (RMQ) -> Queued (RMQ) ->
// Queued (Agent) -> {Sent, Partially Sent, Deferred, Bounced, Failed},
// plus the operator retry transitions back to Accepted.
const (
	StatusInProgress    = "In Progress"
	StatusAccepted      = "Accepted"
	StatusBlocked       = "Blocked"
	StatusQueuing       = "Queuing (RMQ)"
	StatusQueuedBroker  = "Queued (RMQ)"
	StatusQueuedAgent   = "Queued (Agent)"
	StatusSent          = "Sent"
	StatusPartiallySent = "Partially Sent"
	StatusDeferred      = "Deferred"
	StatusBounced       = "Bounced"
	StatusFailed        = "Failed"
)

// Recipient statuses. The empty string means no outcome has been reported yet.
const (
	RecipientBlocked  = "Blocked"
	RecipientDeferred = "Deferred"
	RecipientBounced  = "Bounced"
	RecipientSent     = "Sent"
)

type OutboundMessage struct {
	ID           string `db:"id" json:"id"`
	DomainName   string `db:"domain_name" json:"domain_name"`
	MessageID    string `db:"message_id" json:"message_id"`
	Message      string `db:"message" json:"-"`
	MessageSize  int    `db:"message_size" json:"message_size"`
	Priority     int    `db:"priority" json:"priority"`
	IsNewsletter bool   `db:"is_newsletter" json:"is_newsletter"`

	Status            string     `db:"status" json:"status"`
	SpamScore         float64    `db:"spam_score" json:"spam_score"`
	SpamCheckResponse string     `db:"spam_check_response" json:"spam_check_response,omitempty"`
	IsSpam            bool       `db:"is_spam" json:"is_spam"`
	FailedCount       int        `db:"failed_count" json:"failed_count"`
	RetryAfter        *time.Time `db:"retry_after" json:"retry_after,omitempty"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
	ErrorLog          string     `db:"error_log" json:"error_log,omitempty"`

	// Set by the transfer agent's queue_ok event.
	Agent   string `db:"agent" json:"agent,omitempty"`
	QueueID string `db:"queue_id" json:"queue_id,omitempty"`

	// Stage timings. The *After fields hold seconds spent in the previous
	// stage and exist purely for delay diagnostics.
	CreatedAt              *time.Time `db:"created_at" json:"created_at,omitempty"`
	ReceivedAt             time.Time  `db:"received_at" json:"received_at"`
	ReceivedAfter          float64    `db:"received_after" json:"received_after"`
	ProcessedAt            *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ProcessedAfter         float64    `db:"processed_after" json:"processed_after,omitempty"`
	TransferStartedAt      *time.Time `db:"transfer_started_at" json:"transfer_started_at,omitempty"`
	TransferStartedAfter   float64    `db:"transfer_started_after" json:"transfer_started_after,omitempty"`
	TransferCompletedAt    *time.Time `db:"transfer_completed_at" json:"transfer_completed_at,omitempty"`
	TransferCompletedAfter float64    `db:"transfer_completed_after" json:"transfer_completed_after,omitempty"`

	Recipients []Recipient `json:"recipients"`
}

type Recipient struct {
	ID           int64      `db:"id" json:"-"`
	MessageID    string     `db:"message_id" json:"-"`
	Email        string     `db:"email" json:"email"`
	Status       string     `db:"status" json:"status"`
	Retries      int        `db:"retries" json:"retries"`
	ActionAt     *time.Time `db:"action_at" json:"action_at,omitempty"`
	ActionAfter  float64    `db:"action_after" json:"action_after,omitempty"`
	Response     string     `db:"response" json:"response,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
}

// DeriveStatus recomputes the message status from its recipient outcomes.
// Deferred dominates because it is transient and likely to resolve, while a
// mixed Sent/Bounced outcome must surface immediately as Partially Sent.
// Returns "" while every recipient is still pending.
func (m *OutboundMessage) DeriveStatus() string {
	total := len(m.Recipients)
	if total == 0 {
		return ""
	}

	counts := make(map[string]int, 5)
	for _, r := range m.Recipients {
		counts[r.Status]++
	}

	switch {
	case counts[""] == total:
		return ""
	case counts[RecipientBlocked] == total:
		return StatusBlocked
	case counts[RecipientDeferred] > 0:
		return StatusDeferred
	case counts[RecipientSent] == total:
		return StatusSent
	case counts[RecipientSent] > 0:
		return StatusPartiallySent
	case counts[RecipientBounced] > 0:
		return StatusBounced
	}
	return ""
}

// NonBlockedEmails returns the addresses that are still eligible for handoff.
func (m *OutboundMessage) NonBlockedEmails() []string {
	emails := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		if r.Status != RecipientBlocked {
			emails = append(emails, r.Email)
		}
	}
	return emails
}
