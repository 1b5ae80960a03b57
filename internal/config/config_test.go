// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxFailedCount)
	assert.Equal(t, 1000, cfg.SweepBatchSize)
	assert.Equal(t, 60*time.Second, cfg.SweepInterval())
	assert.Equal(t, 30*time.Second, cfg.DrainInterval())
	assert.Equal(t, 5*time.Minute, cfg.BlocklistCacheTTL())
	assert.True(t, cfg.EnableSpamDetection)
	assert.Equal(t, 5.0, cfg.OutboundSpamThreshold)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MAIL_SERVER_PORT", "9090")
	t.Setenv("MAIL_OUTBOUND_SPAM_THRESHOLD", "7.5")
	t.Setenv("MAIL_BLOCK_OUTBOUND_SPAM", "false")
	t.Setenv("MAIL_ROOT_DOMAIN_NAME", "relay.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, 7.5, cfg.OutboundSpamThreshold)
	assert.False(t, cfg.BlockOutboundSpam)
	assert.Equal(t, "relay.example.com", cfg.RootDomainName)
}
