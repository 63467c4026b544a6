package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultAppConfig_Valid(t *testing.T) {
	cfg := DefaultAppConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 270*time.Second, cfg.Continuation.Budget())
	assert.Equal(t, 45*time.Second, cfg.LLM.RequestTimeout())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "AI/Processed", cfg.Labels.Processed)
	assert.Equal(t, ReplyNone, cfg.Reply.DefaultMode)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
mail:
  imap_host: imap.example.com
  username: me@example.com
labels:
  allowed: [support, billing]
  rules:
    Support:
      reply: draft
      instructions: Be brief.
reply:
  default_mode: none
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "imap.example.com", cfg.Mail.IMAPHost)
	assert.Equal(t, "993", cfg.Mail.IMAPPort)
	assert.Equal(t, []string{"support", "billing"}, cfg.Labels.Allowed)

	rule, ok := cfg.Labels.Rule("SUPPORT")
	require.True(t, ok)
	assert.Equal(t, ReplyDraft, rule.Reply)
	assert.Equal(t, "Be brief.", rule.Instructions)

	_, ok = cfg.Labels.Rule("billing")
	assert.False(t, ok)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("INBOXTRIAGE_STORE_BACKEND", "redis")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Backend)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"margin", func(c *AppConfig) { c.Continuation.SafetyMarginSec = 0 }, "safety_margin_sec"},
		{"budget", func(c *AppConfig) { c.Continuation.MaxInvocationSec = 60 }, "max_invocation_sec"},
		{"timeout", func(c *AppConfig) { c.LLM.RequestTimeoutSec = 600 }, "request_timeout_sec"},
		{"backend", func(c *AppConfig) { c.Store.Backend = "mongo" }, "store.backend"},
		{"mode", func(c *AppConfig) { c.Reply.DefaultMode = "shout" }, "reply.default_mode"},
		{"rule", func(c *AppConfig) {
			c.Labels.Rules = map[string]LabelRule{"x": {Reply: "yell"}}
		}, "labels.rules.x.reply"},
		{"marker", func(c *AppConfig) { c.Labels.Blocked = " " }, "marker label"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultAppConfig()
	cfg.Mail.IMAPHost = "imap.example.com"
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "imap.example.com", loaded.Mail.IMAPHost)
}
