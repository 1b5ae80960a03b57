// internal/service/intake.go
package service

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailrelay-backend/internal/errors"
	"github.com/unclebandit/mailrelay-backend/internal/model"
)

// IntakeRequest is one submission from an authenticated caller.
type IntakeRequest struct {
	Message    string
	Recipients []string
	Caller     string
	IsElevated bool
}

// CreateOutgoingMessage validates a submission and persists it In Progress.
// The caller is expected to kick off ProcessForDelivery afterwards (the HTTP
// layer does so in a goroutine).
func (s *MailService) CreateOutgoingMessage(ctx context.Context, req IntakeRequest) (*model.OutboundMessage, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, appErrors.NewMandatoryField("message")
	}
	if len(req.Recipients) == 0 {
		return nil, appErrors.NewMandatoryField("recipients")
	}

	parsed, err := parseMessage(req.Message)
	if err != nil {
		return nil, err
	}
	if !parsed.HasDKIM {
		return nil, appErrors.NewMandatoryField("DKIM-Signature header")
	}

	if err := s.authorizeSender(ctx, req, parsed.DomainName); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	now := time.Now().UTC()
	msg := &model.OutboundMessage{
		ID:           id.String(),
		DomainName:   parsed.DomainName,
		MessageID:    parsed.MessageID,
		Message:      req.Message,
		MessageSize:  len(req.Message),
		Priority:     clampPriority(parsed.Priority),
		IsNewsletter: parsed.IsNewsletter,
		Status:       model.StatusInProgress,
		CreatedAt:    parsed.Date,
		ReceivedAt:   now,
	}
	if parsed.Date != nil {
		msg.ReceivedAfter = now.Sub(*parsed.Date).Seconds()
	}

	// Duplicates collapse onto the first occurrence, preserving order.
	seen := make(map[string]struct{}, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		email := strings.TrimSpace(rcpt)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		msg.Recipients = append(msg.Recipients, model.Recipient{Email: email})
	}
	if len(msg.Recipients) == 0 {
		return nil, appErrors.NewMandatoryField("recipients")
	}

	if err := s.Messages.Create(msg); err != nil {
		return nil, fmt.Errorf("create outbound message: %w", err)
	}

	s.Log.Info("outbound message received",
		"id", msg.ID, "domain", msg.DomainName, "priority", msg.Priority,
		"recipients", len(msg.Recipients), "size", msg.MessageSize)
	return msg, nil
}

func (s *MailService) authorizeSender(ctx context.Context, req IntakeRequest, domainName string) error {
	if req.IsElevated {
		return nil
	}

	dom, err := s.Registry.Lookup(ctx, domainName)
	if err != nil {
		return fmt.Errorf("domain registry lookup: %w", err)
	}
	if dom == nil || dom.Owner == "" || dom.Owner != req.Caller {
		return appErrors.NewPermission(
			fmt.Sprintf("you are not authorized to send emails from domain %s", domainName))
	}
	if !dom.IsVerified {
		return appErrors.NewPermission(fmt.Sprintf("domain %s is not verified", domainName))
	}
	return nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 3 {
		return 3
	}
	return p
}

type parsedMessage struct {
	DomainName   string
	MessageID    string
	Priority     int
	IsNewsletter bool
	Date         *time.Time
	HasDKIM      bool
}

// parseMessage extracts the headers the pipeline cares about from the raw
// RFC 5322 message.
func parseMessage(raw string) (*parsedMessage, error) {
	m, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	from, err := mail.ParseAddress(m.Header.Get("From"))
	if err != nil {
		return nil, fmt.Errorf("invalid From header: %w", err)
	}
	at := strings.LastIndex(from.Address, "@")
	if at < 0 || at == len(from.Address)-1 {
		return nil, fmt.Errorf("invalid sender address %q", from.Address)
	}

	parsed := &parsedMessage{
		DomainName: strings.ToLower(from.Address[at+1:]),
		MessageID:  m.Header.Get("Message-ID"),
		HasDKIM:    m.Header.Get("DKIM-Signature") != "",
	}

	if p, err := strconv.Atoi(strings.TrimSpace(m.Header.Get("X-Priority"))); err == nil {
		parsed.Priority = p
	}
	if v := strings.TrimSpace(m.Header.Get("X-Newsletter")); v != "" && v != "0" {
		parsed.IsNewsletter = true
	}
	if date, err := m.Header.Date(); err == nil {
		utc := date.UTC()
		parsed.Date = &utc
	}

	return parsed, nil
}
