// internal/service/status.go
package service

import (
	"context"
	"time"

	"github.com/unclebandit/mailrelay-backend/internal/model"
)

// DeliveryStatus is the external view of one message's progress. Internal
// broker stages collapse into a single "Queued" so API consumers never see
// transport detail.
type DeliveryStatus struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Error      string            `json:"error_message,omitempty"`
	Recipients []RecipientStatus `json:"recipients"`
}

type RecipientStatus struct {
	Email    string     `json:"email"`
	Status   string     `json:"status"`
	ActionAt *time.Time `json:"action_at,omitempty"`
	Retries  int        `json:"retries,omitempty"`
	Response string     `json:"response,omitempty"`
}

// externalStatus maps internal pipeline statuses to the published vocabulary.
func externalStatus(status string) string {
	switch status {
	case model.StatusInProgress, model.StatusAccepted, model.StatusQueuing,
		model.StatusQueuedBroker, model.StatusQueuedAgent, model.StatusFailed:
		return "Queued"
	}
	return status
}

// GetDeliveryStatus returns the external status view for one message.
func (s *MailService) GetDeliveryStatus(ctx context.Context, id string) (*DeliveryStatus, error) {
	msg, err := s.Messages.GetByID(id)
	if err != nil {
		return nil, err
	}
	return buildDeliveryStatus(msg), nil
}

func buildDeliveryStatus(msg *model.OutboundMessage) *DeliveryStatus {
	ds := &DeliveryStatus{
		ID:     msg.ID,
		Status: externalStatus(msg.Status),
		Error:  msg.ErrorMessage,
	}
	for _, r := range msg.Recipients {
		status := r.Status
		if status == "" {
			status = "Queued"
		}
		ds.Recipients = append(ds.Recipients, RecipientStatus{
			Email:    r.Email,
			Status:   status,
			ActionAt: r.ActionAt,
			Retries:  r.Retries,
			Response: r.Response,
		})
	}
	return ds
}

// MaxBatchStatusIDs bounds one batch status lookup.
const MaxBatchStatusIDs = 500

// BatchDeliveryStatuses resolves up to MaxBatchStatusIDs ids in order. Unknown
// ids produce a Failed entry instead of failing the batch.
func (s *MailService) BatchDeliveryStatuses(ctx context.Context, ids []string) []*DeliveryStatus {
	if len(ids) > MaxBatchStatusIDs {
		ids = ids[:MaxBatchStatusIDs]
	}

	out := make([]*DeliveryStatus, 0, len(ids))
	for _, id := range ids {
		msg, err := s.Messages.GetByID(id)
		if err != nil {
			out = append(out, &DeliveryStatus{ID: id, Status: "Failed", Error: err.Error()})
			continue
		}
		out = append(out, buildDeliveryStatus(msg))
	}
	return out
}
