// internal/service/reconciler.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	appErrors "github.com/unclebandit/mailrelay-backend/internal/errors"
	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/queue"
	"github.com/unclebandit/mailrelay-backend/internal/repository"
)

// statusEvent is one delivery report drained from the agent status queue.
// Params is positional and hook-specific; for delivered events it carries
// [host, ip, response, delay, port, mode, ok_recips, secured, verified],
// where ok_recips is the subset of rcpt_to the remote host actually accepted.
type statusEvent struct {
	Hook         string            `json:"hook"`
	OutgoingMail string            `json:"outgoing_mail_log"`
	QueueID      string            `json:"queue_id"`
	RcptTo       []statusRecipient `json:"rcpt_to"`
	Retries      int               `json:"retries"`
	ActionAt     string            `json:"action_at"`
	Params       []json.RawMessage `json:"params"`

	appID string
}

type statusRecipient struct {
	Original string `json:"original"`
}

const (
	hookQueueOK   = "queue_ok"
	hookBounce    = "bounce"
	hookDeferred  = "deferred"
	hookDelivered = "delivered"
)

// Position of ok_recips in a delivered event's params.
const deliveredOkRecipsParam = 6

// FetchAndUpdateDeliveryStatuses drains the agent status queue and applies
// each event. It is a no-op while no message is waiting on the agent, so the
// periodic drain tick stays cheap on an idle relay. Events are acked only
// after they have been applied; a crash mid-drain redelivers, and every
// handler is idempotent.
func (s *MailService) FetchAndUpdateDeliveryStatuses(ctx context.Context) error {
	pending, err := s.Messages.HasPendingOutcomes()
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}

	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Pool.Release(conn)

	handled := 0
	for {
		d, err := conn.Get(queue.OutgoingMailStatusQueue)
		if err != nil {
			return fmt.Errorf("get status event: %w", err)
		}
		if d == nil {
			break
		}

		s.handleStatusEvent(ctx, d)
		if err := conn.Ack(d.Tag); err != nil {
			return fmt.Errorf("ack status event: %w", err)
		}
		handled++
	}

	if handled > 0 {
		s.Log.Info("drained delivery status events", "count", handled)
	}
	return nil
}

// handleStatusEvent applies one event. A malformed or panicking event is
// logged and dropped so it cannot wedge the drain loop.
func (s *MailService) handleStatusEvent(ctx context.Context, d *queue.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("panic while handling status event", "panic", r, "body", string(d.Body))
		}
	}()

	var ev statusEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		s.Log.Error("malformed status event dropped", "error", err, "body", string(d.Body))
		return
	}
	ev.appID = d.AppID

	var err error
	switch ev.Hook {
	case hookQueueOK:
		err = s.handleQueueOK(&ev)
	case hookBounce:
		err = s.handleUndelivered(ctx, &ev, model.RecipientBounced)
	case hookDeferred:
		err = s.handleUndelivered(ctx, &ev, model.RecipientDeferred)
	case hookDelivered:
		err = s.handleDelivered(ctx, &ev)
	default:
		s.Log.Warn("unknown status event hook dropped", "hook", ev.Hook)
		return
	}
	if err != nil {
		s.Log.Error("failed to apply status event", "hook", ev.Hook,
			"id", ev.OutgoingMail, "queue_id", ev.QueueID, "error", err)
	}
}

func (s *MailService) handleQueueOK(ev *statusEvent) error {
	if ev.OutgoingMail == "" {
		return fmt.Errorf("queue_ok event without outgoing_mail_log")
	}
	applied, err := s.Messages.MarkQueuedAgent(ev.OutgoingMail, ev.appID, ev.QueueID)
	if err != nil {
		return err
	}
	if !applied {
		s.Log.Warn("queue_ok without pending broker handoff dropped", "id", ev.OutgoingMail)
	}
	return nil
}

// handleUndelivered applies a bounce or deferral. Recipients already Sent are
// left untouched: a late negative report never downgrades a confirmed
// delivery. Hard bounces additionally feed the bounce ledger.
func (s *MailService) handleUndelivered(ctx context.Context, ev *statusEvent, rcptStatus string) error {
	msg, err := s.locate(ev)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	actionAt := ev.actionTime()
	response := ev.failureResponse()

	for _, target := range ev.RcptTo {
		rcpt := matchRecipient(msg, target.Original)
		if rcpt == nil {
			s.Log.Warn("status event names unknown recipient", "id", msg.ID,
				"hook", ev.Hook, "email", target.Original)
			continue
		}
		if rcpt.Status == model.RecipientSent {
			continue
		}

		outcome := repository.RecipientOutcome{
			Status:   rcptStatus,
			Retries:  ev.Retries,
			ActionAt: actionAt,
			Response: response,
		}
		if msg.TransferCompletedAt != nil {
			outcome.ActionAfter = actionAt.Sub(*msg.TransferCompletedAt).Seconds()
		}
		if err := s.Messages.UpdateRecipientOutcome(rcpt.ID, outcome); err != nil {
			return err
		}
		rcpt.Status = rcptStatus

		if rcptStatus == model.RecipientBounced {
			if err := s.Bounces.RecordBounce(ctx, rcpt.Email); err != nil {
				s.Log.Error("failed to record bounce", "email", rcpt.Email, "error", err)
			}
		}
	}

	return s.applyAggregateStatus(ctx, msg)
}

// handleDelivered marks the recipients the remote host accepted as Sent. The
// agent reports those in ok_recips, not rcpt_to: a mixed-outcome attempt lists
// the whole envelope in rcpt_to but only the delivered subset in ok_recips,
// and the rest must stay open for their own bounce or deferral.
func (s *MailService) handleDelivered(ctx context.Context, ev *statusEvent) error {
	msg, err := s.locate(ev)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	okRecips := ev.okRecipients()
	if len(okRecips) == 0 {
		s.Log.Warn("delivered event without accepted recipients dropped", "id", msg.ID)
		return nil
	}

	actionAt := ev.actionTime()
	response := ev.paramString(2)

	for _, original := range okRecips {
		rcpt := matchRecipient(msg, original)
		if rcpt == nil {
			s.Log.Warn("status event names unknown recipient", "id", msg.ID,
				"hook", ev.Hook, "email", original)
			continue
		}
		// Redelivered events replay cleanly.
		if rcpt.Status == model.RecipientSent {
			continue
		}

		outcome := repository.RecipientOutcome{
			Status:   model.RecipientSent,
			Retries:  ev.Retries,
			ActionAt: actionAt,
			Response: response,
		}
		if msg.TransferCompletedAt != nil {
			outcome.ActionAfter = actionAt.Sub(*msg.TransferCompletedAt).Seconds()
		}
		if err := s.Messages.UpdateRecipientOutcome(rcpt.ID, outcome); err != nil {
			return err
		}
		rcpt.Status = model.RecipientSent
	}

	return s.applyAggregateStatus(ctx, msg)
}

// locate resolves the event's message by id, falling back to the agent queue
// id. An event matching neither is an anomaly: logged and dropped, never
// requeued.
func (s *MailService) locate(ev *statusEvent) (*model.OutboundMessage, error) {
	if ev.OutgoingMail != "" {
		msg, err := s.Messages.GetByID(ev.OutgoingMail)
		if err == nil {
			return msg, nil
		}
		if _, ok := err.(*appErrors.ErrMessageNotFound); !ok {
			return nil, err
		}
	}

	if ev.QueueID != "" {
		msg, err := s.Messages.GetByQueueID(ev.QueueID)
		if err == nil {
			return msg, nil
		}
		if _, ok := err.(*appErrors.ErrMessageNotFound); !ok {
			return nil, err
		}
	}

	s.Log.Warn("status event matches no message, dropped",
		"hook", ev.Hook, "id", ev.OutgoingMail, "queue_id", ev.QueueID)
	return nil, nil
}

// applyAggregateStatus folds the recipient outcomes back into the message
// status and notifies the domain's webhook when the status settled.
func (s *MailService) applyAggregateStatus(ctx context.Context, msg *model.OutboundMessage) error {
	status := msg.DeriveStatus()
	if status == "" || status == msg.Status {
		return nil
	}
	if err := s.Messages.UpdateStatus(msg.ID, status); err != nil {
		return err
	}
	msg.Status = status

	s.Log.Info("delivery status updated", "id", msg.ID, "status", status)
	s.notifyWebhook(ctx, msg.DomainName, msg.ID)
	return nil
}

// matchRecipient resolves an event address against the recipient list. The
// agent sends RFC 5322 forms like "<addr>" or "Name <addr>", so the address
// is extracted before comparing; an unparseable value falls back to the raw
// string.
func matchRecipient(msg *model.OutboundMessage, email string) *model.Recipient {
	if addr, err := mail.ParseAddress(email); err == nil {
		email = addr.Address
	}
	for i := range msg.Recipients {
		if strings.EqualFold(msg.Recipients[i].Email, email) {
			return &msg.Recipients[i]
		}
	}
	return nil
}

func (ev *statusEvent) actionTime() time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, ev.ActionAt); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// okRecipients decodes ok_recips from a delivered event. Entries arrive
// either as address objects with an "original" field or as bare strings.
func (ev *statusEvent) okRecipients() []string {
	if len(ev.Params) <= deliveredOkRecipsParam {
		return nil
	}
	raw := ev.Params[deliveredOkRecipsParam]

	var objs []statusRecipient
	if err := json.Unmarshal(raw, &objs); err == nil {
		out := make([]string, 0, len(objs))
		for _, o := range objs {
			if o.Original != "" {
				out = append(out, o.Original)
			}
		}
		return out
	}

	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return nil
}

// paramString decodes the positional param at i when it is a JSON string.
func (ev *statusEvent) paramString(i int) string {
	if i >= len(ev.Params) {
		return ""
	}
	var s string
	if err := json.Unmarshal(ev.Params[i], &s); err == nil {
		return s
	}
	return string(ev.Params[i])
}

// failureResponse extracts the SMTP response from a bounce or deferral.
// Bounces carry the error as params[0] directly; deferrals wrap it in an
// object with delay metadata.
func (ev *statusEvent) failureResponse() string {
	if len(ev.Params) == 0 {
		return ""
	}
	var wrapped struct {
		Err string `json:"err"`
	}
	if err := json.Unmarshal(ev.Params[0], &wrapped); err == nil && wrapped.Err != "" {
		return wrapped.Err
	}
	return ev.paramString(0)
}
