package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy-agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaultsAndDerivedPaths(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, "client_id: device-42\npaths:\n  data_dir: "+dataDir+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "device-42", cfg.ClientID)
	assert.Equal(t, "DEPLOY-V2", cfg.AppID)
	assert.Equal(t, "edc", cfg.TopicPrefix)
	assert.Equal(t, "json", cfg.DocumentFormat)
	assert.Equal(t, 4, cfg.Worker.QueueSize)
	assert.Equal(t, filepath.Join(dataDir, "downloads"), cfg.Paths.DownloadsDir)
	assert.Equal(t, filepath.Join(dataDir, "packages"), cfg.Paths.PackagesDir)
	assert.Equal(t, filepath.Join(dataDir, "verification"), cfg.Paths.VerificationDir)
	assert.Equal(t, filepath.Join(dataDir, "inventory.db"), cfg.Paths.InventoryPath)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "client_id: from-file\nworker:\n  queue_size: 2\n")
	t.Setenv("DEPLOY_AGENT_CLIENT_ID", "from-env")
	t.Setenv("DEPLOY_AGENT_QUEUE_SIZE", "8")
	t.Setenv("DEPLOY_AGENT_DOCKER", "true")
	t.Setenv("DEPLOY_AGENT_LOG_LEVEL", "DEBUG")
	t.Setenv("DEPLOY_AGENT_DATA_DIR", t.TempDir())

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.ClientID)
	assert.Equal(t, 8, cfg.Worker.QueueSize)
	assert.True(t, cfg.Docker.Enabled)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("DEPLOY_AGENT_DATA_DIR", t.TempDir())

	cases := map[string]string{
		"missing client id":  "app_id: DEPLOY-V2\n",
		"wildcard client id": "client_id: dev.*\n",
		"bad format":         "client_id: a\ndocument_format: yaml\n",
		"queue too large":    "client_id: a\nworker:\n  queue_size: 100\n",
		"bad log level":      "client_id: a\nlog_level: trace\n",
		"empty hook id":      "client_id: a\nhook_associations:\n  FIRMWARE: \"\"\n",
		"unpaired tls":       "client_id: a\ntls:\n  cert_file: /nope\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	t.Setenv("DEPLOY_AGENT_CLIENT_ID", "a")
	t.Setenv("DEPLOY_AGENT_MDNS", "maybe")

	_, err := Load("")
	assert.ErrorContains(t, err, "DEPLOY_AGENT_MDNS")
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("DEPLOY_AGENT_CLIENT_ID", "a")
	t.Setenv("DEPLOY_AGENT_DATA_DIR", filepath.Join(t.TempDir(), "root"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.Paths.DownloadsDir, cfg.Paths.PackagesDir, cfg.Paths.VerificationDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
