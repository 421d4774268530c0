package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := writeConfig(t, `
server:
  port: 9000
crm:
  enabled: true
  webhook_url: https://crm.example.com/rest/1/abc/
worker:
  budgets:
    transient: 8
cleanup:
  finder: filtered
`)
	t.Setenv("CRM_FUNNEL_NAME", "Printing")
	t.Setenv("DATABASE_URL", "postgres://crm:crm@db/crm")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.True(t, cfg.CRM.Enabled)
	assert.Equal(t, "https://crm.example.com/rest/1/abc/", cfg.CRM.WebhookURL)
	assert.Equal(t, "filtered", cfg.Cleanup.Finder)

	// env wins over defaults
	assert.Equal(t, "Printing", cfg.CRM.FunnelName)
	assert.Equal(t, "postgres://crm:crm@db/crm", cfg.Database.URL)

	// partially set sections keep their other defaults
	assert.Equal(t, BudgetConfig{Permanent: 2, BusinessLogic: 3, Transient: 8}, cfg.Worker.Budgets)
	assert.Equal(t, 10*time.Second, cfg.Worker.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Worker.ReclaimIdle)
	assert.Equal(t, "crm_workers", cfg.Redis.Group)
	assert.Equal(t, "log", cfg.DeadLetter.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown finder", "cleanup:\n  finder: fuzzy\n"},
		{"amqp without url", "dead_letter:\n  backend: amqp\n"},
		{"enabled without webhook", "crm:\n  enabled: true\n"},
		{"negative budget", "worker:\n  budgets:\n    permanent: -1\n"},
		{"zero budget", "worker:\n  budgets:\n    transient: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)

			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}
