package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8747", cfg.Addr)
	assert.Equal(t, "main", cfg.TrunkBranch)
	assert.Equal(t, "fast-forward-only", cfg.SubmitPolicy)
	assert.Equal(t, 30*time.Second, cfg.PushTimeout)
	assert.False(t, cfg.AllowDirectPush)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.MeiliURL)
	assert.Empty(t, cfg.S3Endpoint)
	assert.Equal(t, "gavel.events", cfg.EventsChannel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GAVEL_PROJECTS", "widgets, gadgets ,")
	t.Setenv("GAVEL_PUSH_TIMEOUT_SECONDS", "5")
	t.Setenv("GAVEL_ALLOW_DIRECT_PUSH", "true")
	t.Setenv("GAVEL_FORCE_PUSHERS", "u1,u2")
	t.Setenv("GAVEL_SUBMIT_POLICY", "merge-if-necessary")

	cfg := Load()

	require.Equal(t, []string{"widgets", "gadgets"}, cfg.Projects)
	assert.Equal(t, 5*time.Second, cfg.PushTimeout)
	assert.True(t, cfg.AllowDirectPush)
	assert.Equal(t, []string{"u1", "u2"}, cfg.ForcePushers)
	assert.Equal(t, "merge-if-necessary", cfg.SubmitPolicy)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("GAVEL_PUSH_TIMEOUT_SECONDS", "not-a-number")
	t.Setenv("GAVEL_ALLOW_DIRECT_PUSH", "maybe")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.PushTimeout)
	assert.False(t, cfg.AllowDirectPush)
}
