package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 15*time.Second, cfg.WorkflowTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingInterval)
	assert.Equal(t, time.Second, cfg.TypingStopDelay)
	assert.Equal(t, 24*time.Hour, cfg.CTAIdle)
	assert.Equal(t, "webchat", cfg.DefaultChannel)
	assert.Equal(t, []string{"admin", "agent"}, cfg.ElevatedRoles)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("WORKFLOW_TIMEOUT_MS", "250")
	t.Setenv("ADMIN_ROLES", " owner , ,admin ")
	t.Setenv("INTERNAL_PORT", "not-a-number")
	t.Setenv("WORKFLOW_BASE_URL", "http://n8n:5678/")
	t.Setenv("WORKFLOW_ENDPOINT", "webhook/chat")

	cfg := Load()
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 8081, cfg.InternalPort)
	assert.Equal(t, 250*time.Millisecond, cfg.WorkflowTimeout)
	assert.Equal(t, []string{"owner", "admin"}, cfg.ElevatedRoles)
	assert.Equal(t, "http://n8n:5678/webhook/chat", cfg.WorkflowURL())
}
