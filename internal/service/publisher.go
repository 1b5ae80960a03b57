// internal/service/publisher.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/mailrelay-backend/internal/errors"
	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/queue"
	"github.com/unclebandit/mailrelay-backend/internal/repository"
)

// backoffDelay returns the retry delay after failedCount publish failures:
// n*(n+1) minutes, i.e. 2, 6, 12, 20, 30... Slow to start, accelerating, but
// still bounded for the worst case the failure ceiling allows.
func backoffDelay(failedCount int) time.Duration {
	return time.Duration(failedCount*(failedCount+1)) * time.Minute
}

// queuePayload is the broker message handed to the transfer agent.
type queuePayload struct {
	OutgoingMail string   `json:"outgoing_mail_log"`
	Recipients   []string `json:"recipients"`
	Message      string   `json:"message"`
}

// sweepSleep is swapped out by tests to avoid real backoff sleeps.
var sweepSleep = time.Sleep

// PushToQueue publishes one message to the outgoing queue. Unless forced, the
// message is reloaded and silently skipped when it is no longer Accepted or
// has exhausted its failure budget. Immediate pushes ride at top priority.
func (s *MailService) PushToQueue(ctx context.Context, id string, force bool) error {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		return err
	}
	if !force && (msg.Status != model.StatusAccepted || msg.FailedCount >= s.Cfg.MaxFailedCount) {
		return nil
	}

	recipients := msg.NonBlockedEmails()
	if len(recipients) == 0 {
		return appErrors.NewAllRecipientsBlocked(id)
	}

	now := time.Now().UTC()
	update := repository.QueuingUpdate{TransferStartedAt: now}
	if msg.ProcessedAt != nil {
		update.TransferStartedAfter = now.Sub(*msg.ProcessedAt).Seconds()
	}

	var from []string
	if !force {
		from = []string{model.StatusAccepted}
	}
	applied, err := s.Messages.MarkQueuing(id, from, update)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	payload, err := json.Marshal(queuePayload{
		OutgoingMail: id,
		Recipients:   recipients,
		Message:      msg.Message,
	})
	if err != nil {
		return err
	}

	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return s.failPublish(id, err)
	}
	defer s.Pool.Release(conn)

	priority := uint8(msg.Priority)
	if force {
		priority = 3
	}
	if err := conn.Publish(queue.OutgoingMailQueue, payload, priority); err != nil {
		return s.failPublish(id, err)
	}

	completed := time.Now().UTC()
	_, err = s.Messages.MarkQueued(id, repository.QueuedUpdate{
		TransferCompletedAt:    completed,
		TransferCompletedAfter: completed.Sub(now).Seconds(),
	})
	if err != nil {
		return err
	}

	s.Log.Info("outbound message queued", "id", id, "recipients", len(recipients))
	return nil
}

func (s *MailService) failPublish(id string, cause error) error {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		s.Log.Error("failed to reload message after publish failure", "id", id, "error", err)
		return cause
	}

	retryAfter := time.Now().UTC().Add(backoffDelay(msg.FailedCount + 1))
	_, err = s.Messages.MarkFailed(id, repository.FailedUpdate{
		ErrorLog:   cause.Error(),
		RetryAfter: retryAfter,
	})
	if err != nil {
		s.Log.Error("failed to mark message failed", "id", id, "error", err)
	}

	s.Log.Warn("broker publish failed", "id", id, "retry_after", retryAfter, "error", cause)
	return fmt.Errorf("publish message %s: %w", id, cause)
}

// PushEmailsToQueue is the periodic sweep: it drains every eligible Accepted/
// Failed message into the broker in priority order. The sweep body is retried
// a few times per tick with exponential sleep; anything marked Failed along
// the way gets a retry_after and is picked up again on a later tick.
func (s *MailService) PushEmailsToQueue(ctx context.Context) {
	const maxFailures = 3

	failures := 0
	for failures < maxFailures {
		mails, err := s.Messages.SelectEligible(s.Cfg.SweepBatchSize, s.Cfg.MaxFailedCount)
		if err != nil {
			s.Log.Error("sweep selection failed", "error", err)
			return
		}
		if len(mails) == 0 {
			return
		}

		if err := s.publishBatch(ctx, mails); err != nil {
			failures++
			s.Log.Error("sweep publish failed", "error", err, "failures", failures)
			if failures < maxFailures {
				sweepSleep(time.Duration(1<<failures) * time.Second)
			}
		}
	}
}

func (s *MailService) publishBatch(ctx context.Context, mails []repository.EligibleMessage) error {
	ids := make([]string, len(mails))
	for i, m := range mails {
		ids[i] = m.ID
	}

	if err := s.Messages.MarkBatchQueuing(ids); err != nil {
		return err
	}

	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		s.markBatchFailed(ids, err)
		return err
	}
	defer s.Pool.Release(conn)

	for _, m := range mails {
		if len(m.Recipients) == 0 {
			continue
		}

		priority := m.Priority
		if s.Cfg.RootDomainName != "" && m.DomainName == s.Cfg.RootDomainName && priority < 2 {
			// Operational mail from the root domain must never be starved by
			// low-priority user traffic.
			priority = 2
		}

		payload, err := json.Marshal(queuePayload{
			OutgoingMail: m.ID,
			Recipients:   m.Recipients,
			Message:      m.Message,
		})
		if err != nil {
			s.Log.Error("sweep payload marshal failed", "id", m.ID, "error", err)
			continue
		}

		if err := conn.Publish(queue.OutgoingMailQueue, payload, uint8(priority)); err != nil {
			// Fail the whole remaining batch loudly rather than partially
			// succeeding in silence; already-published ids are re-marked
			// Failed too, which is safe because the agent side is idempotent
			// per recipient.
			s.markBatchFailed(ids, err)
			return err
		}
	}

	if err := s.Messages.MarkBatchQueued(ids); err != nil {
		return err
	}

	s.Log.Info("sweep published batch", "count", len(mails))
	return nil
}

func (s *MailService) markBatchFailed(ids []string, cause error) {
	if err := s.Messages.MarkBatchFailed(ids, cause.Error()); err != nil {
		s.Log.Error("failed to mark sweep batch failed", "error", err)
	}
}
