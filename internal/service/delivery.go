// internal/service/delivery.go
package service

import (
	"context"
	"time"

	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/repository"
)

// ProcessForDelivery runs the policy gate over a freshly created message and
// moves it to Accepted or Blocked. The message is reloaded first and skipped
// unless it is still In Progress, so a concurrent force-accept wins cleanly.
func (s *MailService) ProcessForDelivery(ctx context.Context, id string) error {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		return err
	}
	if msg.Status != model.StatusInProgress {
		return nil
	}

	decision := s.evaluatePolicy(ctx, msg)

	for i := range msg.Recipients {
		rcpt := &msg.Recipients[i]
		if _, ok := decision.BlockedRecipients[rcpt.Email]; !ok {
			continue
		}
		if err := s.Messages.BlockRecipient(rcpt.ID, blockedRecipientError); err != nil {
			s.Log.Error("failed to block recipient", "id", id, "email", rcpt.Email, "error", err)
			continue
		}
		rcpt.Status = model.RecipientBlocked
	}

	now := time.Now().UTC()
	update := repository.ProcessedUpdate{
		Status:            decision.Status,
		ErrorMessage:      decision.ErrorMessage,
		SpamScore:         decision.SpamScore,
		SpamCheckResponse: decision.SpamCheckResponse,
		IsSpam:            decision.IsSpam,
		ProcessedAt:       now,
		ProcessedAfter:    now.Sub(msg.ReceivedAt).Seconds(),
	}
	applied, err := s.Messages.MarkProcessed(id, update)
	if err != nil {
		return err
	}
	if !applied {
		// Another worker advanced the message while we were deciding.
		return nil
	}

	s.Log.Info("outbound message processed", "id", id, "status", decision.Status,
		"spam_score", decision.SpamScore, "blocked_recipients", len(decision.BlockedRecipients))

	if decision.Status == model.StatusBlocked {
		s.notifyWebhook(ctx, msg.DomainName, id)
		return nil
	}

	if msg.Priority == 3 {
		// High-priority mail skips the sweep and goes straight to the broker.
		// A sweep observing the same eligible window may race this publish;
		// downstream handling is idempotent per recipient.
		return s.PushToQueue(ctx, id, true)
	}
	return nil
}

func (s *MailService) evaluatePolicy(ctx context.Context, msg *model.OutboundMessage) Decision {
	d := EvaluateBlocklist(msg, func(email string) bool {
		return s.Bounces.IsBlocked(ctx, email)
	})
	if d.Status == model.StatusBlocked || !s.Cfg.EnableSpamDetection {
		return d
	}

	res, err := s.Spam.Scan(ctx, msg.Message)
	if err != nil {
		// The relay keeps moving when the spam engine is down; the message
		// goes out unscreened rather than stalling In Progress.
		s.Log.Warn("spam scan failed, accepting unscreened", "id", msg.ID, "error", err)
		return d
	}

	ApplySpamVerdict(&d, res, PolicyConfig{
		SpamThreshold:    s.Cfg.OutboundSpamThreshold,
		BlockSpam:        s.Cfg.BlockOutboundSpam,
		BlockInvalidDKIM: s.Cfg.BlockOutboundInvalidDKIM,
	}, msg.DomainName)
	return d
}
