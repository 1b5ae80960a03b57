// internal/service/delivery_test.go
package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailrelay-backend/internal/model"
	"github.com/unclebandit/mailrelay-backend/internal/spamd"
)

func TestProcessForDeliveryAccepts(t *testing.T) {
	env := newTestEnv()
	env.seedMessage("m1", model.StatusInProgress, "r@x.com")
	env.scanner.result = &spamd.Result{SpamScore: 1.2, SpamdResponse: "BAYES_00"}

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	msg, err := env.store.GetByID("m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, msg.Status)
	assert.Equal(t, 1.2, msg.SpamScore)
	assert.NotNil(t, msg.ProcessedAt)
	assert.Empty(t, env.broker.published, "low-priority mail waits for the sweep")
}

func TestProcessForDeliverySkipsWhenNotInProgress(t *testing.T) {
	env := newTestEnv()
	env.seedMessage("m1", model.StatusAccepted, "r@x.com")

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	msg, _ := env.store.GetByID("m1")
	assert.Equal(t, model.StatusAccepted, msg.Status)
	assert.Nil(t, msg.ProcessedAt)
}

func TestProcessForDeliveryBlocksSpam(t *testing.T) {
	env := newTestEnv()
	env.seedMessage("m1", model.StatusInProgress, "r@x.com")
	env.scanner.result = &spamd.Result{SpamScore: 8.0, SpamdResponse: "GTUBE"}

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	msg, _ := env.store.GetByID("m1")
	assert.Equal(t, model.StatusBlocked, msg.Status)
	assert.True(t, msg.IsSpam)
	assert.NotEmpty(t, msg.ErrorMessage)
	assert.Empty(t, env.broker.published)
	require.Len(t, env.notifier.notified, 1)
	assert.Equal(t, model.StatusBlocked, env.notifier.notified[0].Status)
}

func TestProcessForDeliveryBlocksAllRecipientsOnBlocklist(t *testing.T) {
	env := newTestEnv()
	env.seedMessage("m1", model.StatusInProgress, "r1@x.com", "r2@x.com")
	env.ledger.blocked["r1@x.com"] = true
	env.ledger.blocked["r2@x.com"] = true

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	msg, _ := env.store.GetByID("m1")
	assert.Equal(t, model.StatusBlocked, msg.Status)
	for _, r := range msg.Recipients {
		assert.Equal(t, model.RecipientBlocked, r.Status)
		assert.NotEmpty(t, r.ErrorMessage)
	}
}

func TestProcessForDeliveryPartialBlocklistStillAccepts(t *testing.T) {
	env := newTestEnv()
	env.seedMessage("m1", model.StatusInProgress, "r1@x.com", "r2@x.com")
	env.ledger.blocked["r1@x.com"] = true

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	msg, _ := env.store.GetByID("m1")
	assert.Equal(t, model.StatusAccepted, msg.Status)
	assert.Equal(t, model.RecipientBlocked, msg.Recipients[0].Status)
	assert.Empty(t, msg.Recipients[1].Status)
}

func TestProcessForDeliverySpamScanFailureAcceptsUnscreened(t *testing.T) {
	env := newTestEnv()
	env.seedMessage("m1", model.StatusInProgress, "r@x.com")
	env.scanner.err = errors.New("spamd unreachable")

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	msg, _ := env.store.GetByID("m1")
	assert.Equal(t, model.StatusAccepted, msg.Status)
	assert.Zero(t, msg.SpamScore)
}

func TestProcessForDeliveryHighPriorityPublishesImmediately(t *testing.T) {
	env := newTestEnv()
	msg := env.seedMessage("m1", model.StatusInProgress, "r@x.com")
	msg.Priority = 3
	env.store.put(msg)

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	stored, _ := env.store.GetByID("m1")
	assert.Equal(t, model.StatusQueuedBroker, stored.Status)
	require.Len(t, env.broker.published, 1)
	assert.Equal(t, uint8(3), env.broker.published[0].Priority)
}

func TestProcessForDeliverySpamDetectionDisabledSkipsScan(t *testing.T) {
	env := newTestEnv()
	env.svc.Cfg.EnableSpamDetection = false
	env.seedMessage("m1", model.StatusInProgress, "r@x.com")
	env.scanner.err = errors.New("must not be called")

	require.NoError(t, env.svc.ProcessForDelivery(context.Background(), "m1"))

	msg, _ := env.store.GetByID("m1")
	assert.Equal(t, model.StatusAccepted, msg.Status)
}
