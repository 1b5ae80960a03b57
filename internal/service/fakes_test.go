// internal/service/fakes_test.go
package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailrelay-backend/internal/errors"
	"github.com/unclebandit/mailrelay-backend/internal/config"
	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/queue"
	"github.com/unclebandit/mailrelay-backend/internal/registry"
	"github.com/unclebandit/mailrelay-backend/internal/repository"
	"github.com/unclebandit/mailrelay-backend/internal/spamd"
)

// fakeStore is an in-memory MessageStore that mirrors the repository's
// status-guard semantics.
type fakeStore struct {
	mu     sync.Mutex
	msgs   map[string]*model.OutboundMessage
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[string]*model.OutboundMessage)}
}

func copyMessage(m *model.OutboundMessage) *model.OutboundMessage {
	cp := *m
	cp.Recipients = append([]model.Recipient(nil), m.Recipients...)
	return &cp
}

func (f *fakeStore) put(m *model.OutboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range m.Recipients {
		if m.Recipients[i].ID == 0 {
			f.nextID++
			m.Recipients[i].ID = f.nextID
		}
		m.Recipients[i].MessageID = m.ID
	}
	f.msgs[m.ID] = copyMessage(m)
}

func (f *fakeStore) Create(m *model.OutboundMessage) error {
	f.put(m)
	return nil
}

func (f *fakeStore) GetByID(id string) (*model.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, appErrors.NewMessageNotFound(id)
	}
	return copyMessage(m), nil
}

func (f *fakeStore) GetByQueueID(queueID string) (*model.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.QueueID == queueID && queueID != "" {
			return copyMessage(m), nil
		}
	}
	return nil, appErrors.NewMessageNotFound(queueID)
}

func (f *fakeStore) update(id string, guard func(*model.OutboundMessage) bool, apply func(*model.OutboundMessage)) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || (guard != nil && !guard(m)) {
		return false, nil
	}
	apply(m)
	return true, nil
}

func (f *fakeStore) MarkProcessed(id string, u repository.ProcessedUpdate) (bool, error) {
	return f.update(id,
		func(m *model.OutboundMessage) bool { return m.Status == model.StatusInProgress },
		func(m *model.OutboundMessage) {
			m.Status = u.Status
			m.ErrorMessage = u.ErrorMessage
			m.SpamScore = u.SpamScore
			m.SpamCheckResponse = u.SpamCheckResponse
			m.IsSpam = u.IsSpam
			at := u.ProcessedAt
			m.ProcessedAt = &at
			m.ProcessedAfter = u.ProcessedAfter
		})
}

func (f *fakeStore) MarkAccepted(id string, processedAt time.Time, processedAfter float64) (bool, error) {
	return f.update(id,
		func(m *model.OutboundMessage) bool {
			return m.Status == model.StatusInProgress || m.Status == model.StatusBlocked
		},
		func(m *model.OutboundMessage) {
			m.Status = model.StatusAccepted
			m.ErrorMessage = ""
			m.ErrorLog = ""
			m.ProcessedAt = &processedAt
			m.ProcessedAfter = processedAfter
		})
}

func (f *fakeStore) MarkRetryFailed(id string, maxFailed int) (bool, error) {
	return f.update(id,
		func(m *model.OutboundMessage) bool {
			return m.Status == model.StatusFailed && m.FailedCount < maxFailed
		},
		func(m *model.OutboundMessage) {
			m.Status = model.StatusAccepted
			m.ErrorMessage = ""
			m.ErrorLog = ""
		})
}

func (f *fakeStore) MarkRetryBounced(id string) (bool, error) {
	return f.update(id,
		func(m *model.OutboundMessage) bool { return m.Status == model.StatusBounced },
		func(m *model.OutboundMessage) {
			m.Status = model.StatusAccepted
			m.ErrorMessage = ""
			m.ErrorLog = ""
		})
}

func (f *fakeStore) MarkQueuing(id string, from []string, u repository.QueuingUpdate) (bool, error) {
	guard := func(m *model.OutboundMessage) bool {
		if len(from) == 0 {
			return true
		}
		for _, s := range from {
			if m.Status == s {
				return true
			}
		}
		return false
	}
	return f.update(id, guard, func(m *model.OutboundMessage) {
		m.Status = model.StatusQueuing
		at := u.TransferStartedAt
		m.TransferStartedAt = &at
		m.TransferStartedAfter = u.TransferStartedAfter
	})
}

func (f *fakeStore) MarkQueued(id string, u repository.QueuedUpdate) (bool, error) {
	return f.update(id,
		func(m *model.OutboundMessage) bool { return m.Status == model.StatusQueuing },
		func(m *model.OutboundMessage) {
			m.Status = model.StatusQueuedBroker
			at := u.TransferCompletedAt
			m.TransferCompletedAt = &at
			m.TransferCompletedAfter = u.TransferCompletedAfter
		})
}

func (f *fakeStore) MarkFailed(id string, u repository.FailedUpdate) (bool, error) {
	return f.update(id,
		func(m *model.OutboundMessage) bool { return m.Status == model.StatusQueuing },
		func(m *model.OutboundMessage) {
			m.Status = model.StatusFailed
			m.ErrorLog = u.ErrorLog
			m.FailedCount++
			at := u.RetryAfter
			m.RetryAfter = &at
		})
}

func (f *fakeStore) MarkQueuedAgent(id, agent, queueID string) (bool, error) {
	return f.update(id,
		func(m *model.OutboundMessage) bool { return m.Status == model.StatusQueuedBroker },
		func(m *model.OutboundMessage) {
			m.Status = model.StatusQueuedAgent
			m.Agent = agent
			m.QueueID = queueID
		})
}

func (f *fakeStore) UpdateStatus(id, status string) error {
	_, err := f.update(id, nil, func(m *model.OutboundMessage) { m.Status = status })
	return err
}

func (f *fakeStore) SelectEligible(limit, maxFailed int) ([]repository.EligibleMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []repository.EligibleMessage
	var candidates []*model.OutboundMessage
	now := time.Now()
	for _, m := range f.msgs {
		if m.Status != model.StatusAccepted && m.Status != model.StatusFailed {
			continue
		}
		if m.FailedCount >= maxFailed {
			continue
		}
		if m.RetryAfter != nil && m.RetryAfter.After(now) {
			continue
		}
		if len(m.NonBlockedEmails()) == 0 {
			continue
		}
		candidates = append(candidates, m)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})
	for _, m := range candidates {
		if len(out) == limit {
			break
		}
		out = append(out, repository.EligibleMessage{
			ID:         m.ID,
			Message:    m.Message,
			Priority:   m.Priority,
			DomainName: m.DomainName,
			Recipients: m.NonBlockedEmails(),
		})
	}
	return out, nil
}

func (f *fakeStore) MarkBatchQueuing(ids []string) error {
	for _, id := range ids {
		f.update(id,
			func(m *model.OutboundMessage) bool {
				return m.Status == model.StatusAccepted || m.Status == model.StatusFailed
			},
			func(m *model.OutboundMessage) { m.Status = model.StatusQueuing })
	}
	return nil
}

func (f *fakeStore) MarkBatchQueued(ids []string) error {
	for _, id := range ids {
		f.update(id,
			func(m *model.OutboundMessage) bool { return m.Status == model.StatusQueuing },
			func(m *model.OutboundMessage) { m.Status = model.StatusQueuedBroker })
	}
	return nil
}

func (f *fakeStore) MarkBatchFailed(ids []string, errorLog string) error {
	for _, id := range ids {
		f.update(id,
			func(m *model.OutboundMessage) bool { return m.Status == model.StatusQueuing },
			func(m *model.OutboundMessage) {
				m.Status = model.StatusFailed
				m.ErrorLog = errorLog
				m.FailedCount++
				retryAfter := time.Now().Add(backoffDelay(m.FailedCount))
				m.RetryAfter = &retryAfter
			})
	}
	return nil
}

func (f *fakeStore) HasPendingOutcomes() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		switch m.Status {
		case model.StatusQueuedBroker, model.StatusQueuedAgent, model.StatusDeferred:
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) BlockRecipient(recipientID int64, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		for i := range m.Recipients {
			if m.Recipients[i].ID == recipientID {
				m.Recipients[i].Status = model.RecipientBlocked
				m.Recipients[i].ErrorMessage = errorMessage
				return nil
			}
		}
	}
	return nil
}

func (f *fakeStore) ClearRecipientBlocks(messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[messageID]; ok {
		for i := range m.Recipients {
			if m.Recipients[i].Status == model.RecipientBlocked {
				m.Recipients[i].Status = ""
				m.Recipients[i].ErrorMessage = ""
			}
		}
	}
	return nil
}

func (f *fakeStore) UpdateRecipientOutcome(recipientID int64, u repository.RecipientOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		for i := range m.Recipients {
			if m.Recipients[i].ID == recipientID {
				r := &m.Recipients[i]
				r.Status = u.Status
				r.Retries = u.Retries
				at := u.ActionAt
				r.ActionAt = &at
				r.ActionAfter = u.ActionAfter
				r.Response = u.Response
				return nil
			}
		}
	}
	return nil
}

// publishRecord captures one broker publish.
type publishRecord struct {
	Queue    string
	Body     []byte
	Priority uint8
}

// fakeBroker implements queue.Client in memory.
type fakeBroker struct {
	mu         sync.Mutex
	published  []publishRecord
	deliveries []*queue.Delivery
	acked      []uint64
	failNext   int
	publishErr error
}

func (b *fakeBroker) Publish(queueName string, body []byte, priority uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return b.errOrDefault()
	}
	b.published = append(b.published, publishRecord{Queue: queueName, Body: body, Priority: priority})
	return nil
}

func (b *fakeBroker) errOrDefault() error {
	if b.publishErr != nil {
		return b.publishErr
	}
	return errBrokerDown
}

func (b *fakeBroker) Get(queueName string) (*queue.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.deliveries) == 0 {
		return nil, nil
	}
	d := b.deliveries[0]
	b.deliveries = b.deliveries[1:]
	return d, nil
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, tag)
	return nil
}

func (b *fakeBroker) Close() error { return nil }

// fakePool hands out a single shared broker.
type fakePool struct {
	broker     *fakeBroker
	acquireErr error
	acquires   int
}

func (p *fakePool) Acquire(ctx context.Context) (queue.Client, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquires++
	return p.broker, nil
}

func (p *fakePool) Release(queue.Client) {}

// fakeLedger tracks blocked addresses and recorded bounces.
type fakeLedger struct {
	mu      sync.Mutex
	blocked map[string]bool
	bounces []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{blocked: make(map[string]bool)}
}

func (l *fakeLedger) IsBlocked(_ context.Context, email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked[email]
}

func (l *fakeLedger) RecordBounce(_ context.Context, email string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bounces = append(l.bounces, email)
	return nil
}

// fakeScanner returns a fixed verdict.
type fakeScanner struct {
	result *spamd.Result
	err    error
}

func (s *fakeScanner) Scan(context.Context, string) (*spamd.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &spamd.Result{}, nil
}

// fakeNotifier records webhook notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	notified []*DeliveryStatus
}

func (n *fakeNotifier) Notify(_ context.Context, _ *registry.Domain, status *DeliveryStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, status)
}

var errBrokerDown = &brokerDownError{}

type brokerDownError struct{}

func (*brokerDownError) Error() string { return "broker unavailable" }

type testEnv struct {
	svc      *MailService
	store    *fakeStore
	broker   *fakeBroker
	pool     *fakePool
	ledger   *fakeLedger
	scanner  *fakeScanner
	notifier *fakeNotifier
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	broker := &fakeBroker{}
	pool := &fakePool{broker: broker}
	ledger := newFakeLedger()
	scanner := &fakeScanner{}
	notifier := &fakeNotifier{}

	cfg := &config.Config{
		EnableSpamDetection:      true,
		OutboundSpamThreshold:    5.0,
		BlockOutboundSpam:        true,
		BlockOutboundInvalidDKIM: true,
		MaxFailedCount:           5,
		SweepBatchSize:           1000,
	}

	svc := &MailService{
		Messages: store,
		Bounces:  ledger,
		Registry: registry.NewStatic([]registry.Domain{
			{Name: "example.com", IsVerified: true, Owner: "alice",
				WebhookHost: "http://client.example.com", WebhookToken: "tok"},
			{Name: "unverified.com", IsVerified: false, Owner: "alice"},
		}),
		Spam:     scanner,
		Pool:     pool,
		Webhook:  notifier,
		Cfg:      cfg,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	return &testEnv{svc: svc, store: store, broker: broker, pool: pool,
		ledger: ledger, scanner: scanner, notifier: notifier}
}

// seedMessage stores a message directly, bypassing intake.
func (e *testEnv) seedMessage(id, status string, recipients ...string) *model.OutboundMessage {
	msg := &model.OutboundMessage{
		ID:         id,
		DomainName: "example.com",
		Message:    "From: a@example.com\r\n\r\nbody",
		Status:     status,
		ReceivedAt: time.Now().UTC(),
	}
	for _, r := range recipients {
		msg.Recipients = append(msg.Recipients, model.Recipient{Email: r})
	}
	e.store.put(msg)
	got, _ := e.store.GetByID(id)
	return got
}
