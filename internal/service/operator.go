// internal/service/operator.go
package service

import (
	"context"
	"time"

	appErrors "github.com/unclebandit/mailrelay-backend/internal/errors"
	"github.com/unclebandit/mailrelay-backend/internal/model"
)

// Operator transitions. Each reloads the message, rejects actions that do not
// apply to its current status, and relies on the status-guarded update to
// settle any race with the pipeline.

// ForceAccept overrides the policy gate on an In Progress or Blocked message,
// lifting recipient-level blocks too.
func (s *MailService) ForceAccept(ctx context.Context, id string) error {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		return err
	}
	if msg.Status != model.StatusInProgress && msg.Status != model.StatusBlocked {
		return appErrors.NewInvalidTransition(id, msg.Status, "force-accept")
	}

	if err := s.Messages.ClearRecipientBlocks(id); err != nil {
		return err
	}

	now := time.Now().UTC()
	applied, err := s.Messages.MarkAccepted(id, now, now.Sub(msg.ReceivedAt).Seconds())
	if err != nil {
		return err
	}
	if !applied {
		msg, reloadErr := s.Messages.GetByID(id)
		if reloadErr != nil {
			return reloadErr
		}
		return appErrors.NewInvalidTransition(id, msg.Status, "force-accept")
	}

	s.Log.Info("message force-accepted", "id", id, "previous_status", msg.Status)

	if msg.Status == model.StatusBlocked {
		s.notifyWebhook(ctx, msg.DomainName, id)
	}
	if msg.Priority == 3 {
		return s.PushToQueue(ctx, id, true)
	}
	return nil
}

// RetryFailed resets a Failed message to Accepted and republishes it right
// away. Messages that exhausted the failure budget stay Failed.
func (s *MailService) RetryFailed(ctx context.Context, id string) error {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		return err
	}
	if msg.Status != model.StatusFailed || msg.FailedCount >= s.Cfg.MaxFailedCount {
		return appErrors.NewInvalidTransition(id, msg.Status, "retry")
	}

	applied, err := s.Messages.MarkRetryFailed(id, s.Cfg.MaxFailedCount)
	if err != nil {
		return err
	}
	if !applied {
		return appErrors.NewInvalidTransition(id, msg.Status, "retry")
	}

	s.Log.Info("failed message queued for retry", "id", id, "failed_count", msg.FailedCount)
	return s.PushToQueue(ctx, id, false)
}

// RetryBounced resends a Bounced message. Recipients blocked during the gate
// stay excluded; the previous attempt's Bounced outcomes are retried.
func (s *MailService) RetryBounced(ctx context.Context, id string) error {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		return err
	}
	if msg.Status != model.StatusBounced {
		return appErrors.NewInvalidTransition(id, msg.Status, "retry-bounced")
	}

	applied, err := s.Messages.MarkRetryBounced(id)
	if err != nil {
		return err
	}
	if !applied {
		return appErrors.NewInvalidTransition(id, msg.Status, "retry-bounced")
	}

	s.Log.Info("bounced message queued for retry", "id", id)
	return s.PushToQueue(ctx, id, false)
}

// ForcePush republishes a message stuck in a queued stage, bypassing the
// status guard. Useful when a broker handoff was lost. Accepted messages are
// not eligible: the sweep picks those up on its own.
func (s *MailService) ForcePush(ctx context.Context, id string) error {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		return err
	}
	switch msg.Status {
	case model.StatusQueuing, model.StatusQueuedBroker, model.StatusQueuedAgent:
	default:
		return appErrors.NewInvalidTransition(id, msg.Status, "force-push")
	}

	if err := s.PushToQueue(ctx, id, true); err != nil {
		return err
	}

	s.Log.Info("message force-pushed", "id", id, "previous_status", msg.Status)
	return nil
}
