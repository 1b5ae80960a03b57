// internal/service/webhook.go
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/unclebandit/mailrelay-backend/internal/registry"
)

const webhookPath = "/api/method/mail_client.api.webhook.update_delivery_status"

// Notifier posts delivery status updates to a domain's registered endpoint.
// Notification is best effort: failures are logged and swallowed so a broken
// client endpoint can never stall the pipeline.
type Notifier struct {
	HTTP *http.Client
	Log  *slog.Logger
}

func NewNotifier(log *slog.Logger) *Notifier {
	return &Notifier{
		HTTP: &http.Client{Timeout: 10 * time.Second},
		Log:  log,
	}
}

func (n *Notifier) Notify(ctx context.Context, dom *registry.Domain, status *DeliveryStatus) {
	if dom == nil || dom.WebhookHost == "" {
		return
	}

	body, err := json.Marshal(status)
	if err != nil {
		n.Log.Error("webhook payload marshal failed", "id", status.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		dom.WebhookHost+webhookPath, bytes.NewReader(body))
	if err != nil {
		n.Log.Error("webhook request build failed", "id", status.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if dom.WebhookToken != "" {
		req.Header.Set("Authorization", "Bearer "+dom.WebhookToken)
	}

	resp, err := n.HTTP.Do(req)
	if err != nil {
		n.Log.Warn("webhook delivery failed", "id", status.ID, "host", dom.WebhookHost, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.Log.Warn("webhook rejected", "id", status.ID, "host", dom.WebhookHost,
			"status", fmt.Sprintf("%d", resp.StatusCode))
	}
}

// notifyWebhook looks up the domain and pushes the message's current status
// to its webhook, if one is registered.
func (s *MailService) notifyWebhook(ctx context.Context, domainName, id string) {
	if s.Webhook == nil {
		return
	}

	dom, err := s.Registry.Lookup(ctx, domainName)
	if err != nil {
		s.Log.Warn("webhook domain lookup failed", "domain", domainName, "error", err)
		return
	}
	if dom == nil || dom.WebhookHost == "" {
		return
	}

	status, err := s.GetDeliveryStatus(ctx, id)
	if err != nil {
		s.Log.Error("webhook status fetch failed", "id", id, "error", err)
		return
	}
	s.Webhook.Notify(ctx, dom, status)
}
