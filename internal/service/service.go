// internal/service/service.go
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/unclebandit/mailrelay-backend/internal/config"
	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/queue"
	"github.com/unclebandit/mailrelay-backend/internal/registry"
	"github.com/unclebandit/mailrelay-backend/internal/repository"
	"github.com/unclebandit/mailrelay-backend/internal/spamd"
)

// MessageStore is the persistence surface the pipeline needs. Implemented by
// repository.OutboundMessageRepository; tests use in-memory fakes.
type MessageStore interface {
	Create(msg *model.OutboundMessage) error
	GetByID(id string) (*model.OutboundMessage, error)
	GetByQueueID(queueID string) (*model.OutboundMessage, error)

	MarkProcessed(id string, u repository.ProcessedUpdate) (bool, error)
	MarkAccepted(id string, processedAt time.Time, processedAfter float64) (bool, error)
	MarkRetryFailed(id string, maxFailed int) (bool, error)
	MarkRetryBounced(id string) (bool, error)
	MarkQueuing(id string, from []string, u repository.QueuingUpdate) (bool, error)
	MarkQueued(id string, u repository.QueuedUpdate) (bool, error)
	MarkFailed(id string, u repository.FailedUpdate) (bool, error)
	MarkQueuedAgent(id, agent, queueID string) (bool, error)
	UpdateStatus(id, status string) error

	SelectEligible(limit, maxFailed int) ([]repository.EligibleMessage, error)
	MarkBatchQueuing(ids []string) error
	MarkBatchQueued(ids []string) error
	MarkBatchFailed(ids []string, errorLog string) error
	HasPendingOutcomes() (bool, error)

	BlockRecipient(recipientID int64, errorMessage string) error
	ClearRecipientBlocks(messageID string) error
	UpdateRecipientOutcome(recipientID int64, u repository.RecipientOutcome) error
}

// BounceLedger answers blocklist lookups and records bounces.
type BounceLedger interface {
	IsBlocked(ctx context.Context, email string) bool
	RecordBounce(ctx context.Context, email string) error
}

// ConnectionPool hands out broker connections for the lifetime of one sweep
// or drain call.
type ConnectionPool interface {
	Acquire(ctx context.Context) (queue.Client, error)
	Release(queue.Client)
}

// WebhookNotifier delivers status updates to a domain's registered endpoint.
// Implementations must never fail the pipeline.
type WebhookNotifier interface {
	Notify(ctx context.Context, dom *registry.Domain, status *DeliveryStatus)
}

// MailService is the outbound delivery pipeline: intake, policy gate, broker
// handoff and delivery-status reconciliation.
type MailService struct {
	Messages MessageStore
	Bounces  BounceLedger
	Registry registry.Registry
	Spam     spamd.Scanner
	Pool     ConnectionPool
	Webhook  WebhookNotifier
	Cfg      *config.Config
	Log      *slog.Logger
}
