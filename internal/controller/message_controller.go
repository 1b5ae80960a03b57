// internal/controller/message_controller.go
package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/mailrelay-backend/internal/errors"
	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/service"
)

// MailPipeline is the service surface the HTTP layer consumes.
type MailPipeline interface {
	CreateOutgoingMessage(ctx context.Context, req service.IntakeRequest) (*model.OutboundMessage, error)
	ProcessForDelivery(ctx context.Context, id string) error
	GetDeliveryStatus(ctx context.Context, id string) (*service.DeliveryStatus, error)
	BatchDeliveryStatuses(ctx context.Context, ids []string) []*service.DeliveryStatus
	ForceAccept(ctx context.Context, id string) error
	RetryFailed(ctx context.Context, id string) error
	RetryBounced(ctx context.Context, id string) error
	ForcePush(ctx context.Context, id string) error
}

type MessageController struct {
	Pipeline    MailPipeline
	AdminAPIKey string
	Log         *slog.Logger
}

// Send accepts a raw signed message for delivery. The caller identifies via
// X-User; a matching X-API-Key elevates the request past domain ownership
// checks. Policy evaluation runs in the background so intake stays fast.
func (c *MessageController) Send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message    string   `json:"message"`
		Recipients []string `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	req := service.IntakeRequest{
		Message:    body.Message,
		Recipients: body.Recipients,
		Caller:     r.Header.Get("X-User"),
		IsElevated: c.AdminAPIKey != "" && r.Header.Get("X-API-Key") == c.AdminAPIKey,
	}

	msg, err := c.Pipeline.CreateOutgoingMessage(r.Context(), req)
	if err != nil {
		c.writeError(w, err)
		return
	}

	go func() {
		if err := c.Pipeline.ProcessForDelivery(context.Background(), msg.ID); err != nil {
			c.Log.Error("background processing failed", "id", msg.ID, "error", err)
		}
	}()

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"id":     msg.ID,
		"status": msg.Status,
	})
}

func (c *MessageController) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := c.Pipeline.GetDeliveryStatus(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(status)
}

func (c *MessageController) BatchStatuses(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(body.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	if len(body.IDs) > service.MaxBatchStatusIDs {
		http.Error(w, "too many ids", http.StatusBadRequest)
		return
	}

	statuses := c.Pipeline.BatchDeliveryStatuses(r.Context(), body.IDs)
	json.NewEncoder(w).Encode(map[string]any{"statuses": statuses})
}

// Operator actions. All require the admin key via RequireAdmin.

func (c *MessageController) ForceAccept(w http.ResponseWriter, r *http.Request) {
	c.operatorAction(w, r, c.Pipeline.ForceAccept)
}

func (c *MessageController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	c.operatorAction(w, r, c.Pipeline.RetryFailed)
}

func (c *MessageController) RetryBounced(w http.ResponseWriter, r *http.Request) {
	c.operatorAction(w, r, c.Pipeline.RetryBounced)
}

func (c *MessageController) ForcePush(w http.ResponseWriter, r *http.Request) {
	c.operatorAction(w, r, c.Pipeline.ForcePush)
}

func (c *MessageController) operatorAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"id": id, "ok": true})
}

// RequireAdmin guards operator endpoints with the configured API key.
func (c *MessageController) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.AdminAPIKey == "" || r.Header.Get("X-API-Key") != c.AdminAPIKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *MessageController) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *appErrors.ErrMandatoryField:
		status = http.StatusBadRequest
	case *appErrors.ErrPermission:
		status = http.StatusForbidden
	case *appErrors.ErrMessageNotFound:
		status = http.StatusNotFound
	case *appErrors.ErrInvalidTransition:
		status = http.StatusConflict
	case *appErrors.ErrAllRecipientsBlocked:
		status = http.StatusUnprocessableEntity
	default:
		c.Log.Error("request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
