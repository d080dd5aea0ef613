package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qmlh/agentmesh/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, 10, cfg.MaxAgents)
	assert.Equal(t, 3, cfg.MaxConcurrentTasksPerAgent)
	assert.Equal(t, 30*time.Second, cfg.AgentHeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.AgentTimeout)
	assert.Equal(t, 4, cfg.TaskPriorityLevels)
	assert.Equal(t, 5, cfg.MaxFileLocksPerAgent)
	assert.Equal(t, 1000, cfg.MessageQueueSize)
	assert.Equal(t, 5, cfg.MaxCollaborationSessions)
	assert.Equal(t, 50, cfg.MaxWorkflowSteps)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()

	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(configDir, ".agentmesh"))
	assert.True(t, filepath.IsAbs(configDir))
}

func TestLoadConfigMissingFileReturnsAndPersistsDefault(t *testing.T) {
	originalHome := os.Getenv("HOME")
	tempHome := t.TempDir()
	require.NoError(t, os.Setenv("HOME", tempHome))
	defer os.Setenv("HOME", originalHome)

	cfg := LoadConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 10, cfg.MaxAgents)

	configPath := filepath.Join(tempHome, ".agentmesh", ConfigFileName)
	_, err := os.Stat(configPath)
	assert.NoError(t, err, "LoadConfig should persist a default config.json on first run")
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	originalHome := os.Getenv("HOME")
	tempHome := t.TempDir()
	require.NoError(t, os.Setenv("HOME", tempHome))
	defer os.Setenv("HOME", originalHome)

	cfg := DefaultConfig()
	cfg.MaxAgents = 42
	cfg.MaxFileLocksPerAgent = 7

	require.NoError(t, SaveConfig(cfg))

	reloaded := LoadConfig()
	assert.Equal(t, 42, reloaded.MaxAgents)
	assert.Equal(t, 7, reloaded.MaxFileLocksPerAgent)
}

func TestLoadConfigInvalidJSONFallsBackToDefault(t *testing.T) {
	originalHome := os.Getenv("HOME")
	tempHome := t.TempDir()
	require.NoError(t, os.Setenv("HOME", tempHome))
	defer os.Setenv("HOME", originalHome)

	configDir := filepath.Join(tempHome, ".agentmesh")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte("not json"), 0644))

	cfg := LoadConfig()
	assert.Equal(t, 10, cfg.MaxAgents)
}
