package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/qmlh/agentmesh/log"
)

const ConfigFileName = "config.json"

// Config holds the tunable defaults and limits listed in spec §6
// ("Defaults / limits"). Every field is optional: DefaultConfig fills in
// the documented default and LoadConfig overlays whatever the user's
// config.json overrides.
type Config struct {
	// MaxAgents caps the size of the agent fleet the Coordination
	// Manager will allow in its registry.
	MaxAgents int `json:"max_agents"`
	// MaxConcurrentTasksPerAgent names how many tasks an agent may run at
	// once. It is loaded and saved, but no component reads it: assignment
	// does not limit an agent's running tasks by this value.
	MaxConcurrentTasksPerAgent int `json:"max_concurrent_tasks_per_agent"`
	// AgentHeartbeatInterval is how often connected agents are expected
	// to refresh their heartbeat with the Message Bus.
	AgentHeartbeatInterval time.Duration `json:"agent_heartbeat_interval"`
	// AgentTimeout is how long a missed heartbeat is tolerated before an
	// agent is considered disconnected.
	AgentTimeout time.Duration `json:"agent_timeout"`
	// DefaultTaskTimeout seeds a task's estimated duration when the
	// caller omits one.
	DefaultTaskTimeout time.Duration `json:"default_task_timeout"`
	// MaxTaskRetries bounds workflow step retry attempts.
	MaxTaskRetries int `json:"max_task_retries"`
	// TaskPriorityLevels is the number of priority buckets (low..critical).
	TaskPriorityLevels int `json:"task_priority_levels"`
	// FileLockTimeout is the default expiry for a granted file lock.
	FileLockTimeout time.Duration `json:"file_lock_timeout"`
	// MaxFileLocksPerAgent caps concurrently held locks per agent.
	MaxFileLocksPerAgent int `json:"max_file_locks_per_agent"`
	// FileBackupRetention names how long file snapshots are retained. No
	// component reads it; the File Manager bounds snapshots by count only.
	FileBackupRetention time.Duration `json:"file_backup_retention"`
	// MessageQueueSize caps each agent's offline message queue.
	MessageQueueSize int `json:"message_queue_size"`
	// MessageRetryAttempts names a bound on offline-queue redelivery
	// attempts. No component reads it.
	MessageRetryAttempts int `json:"message_retry_attempts"`
	// MessageTimeout names a bound on a single delivery attempt. No
	// component reads it.
	MessageTimeout time.Duration `json:"message_timeout"`
	// MaxCollaborationSessions caps concurrently active sessions.
	MaxCollaborationSessions int `json:"max_collaboration_sessions"`
	// MaxWorkflowSteps caps the size of a registered workflow.
	MaxWorkflowSteps int `json:"max_workflow_steps"`
	// MaxErrorHistory names a cap on retained error/alert records. No
	// component reads it; health alerts are not trimmed by it.
	MaxErrorHistory int `json:"max_error_history"`
	// CacheTTL names a cache lifetime. No component reads it; realtime
	// sync builds each snapshot on demand and keeps no cache.
	CacheTTL time.Duration `json:"cache_ttl"`
	// CleanupInterval names a sweeper cadence for stale state. No
	// component reads it; each component's sweeper has its own interval.
	CleanupInterval time.Duration `json:"cleanup_interval"`
	// MetricsCollectionInterval names how often aggregate stats are
	// refreshed. No component reads it; stats are computed on request.
	MetricsCollectionInterval time.Duration `json:"metrics_collection_interval"`
	// DataDir defaults to the config directory. No component reads it:
	// config.json is always located via GetConfigDir, and the git-backed
	// file store's (non-bare) repository lives at agentmeshd's --data-dir.
	DataDir string `json:"data_dir"`
}

// GetConfigDir returns the path to the kernel's configuration directory.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentmesh"), nil
}

// DefaultConfig returns the configuration populated with the defaults
// named in spec §6.
func DefaultConfig() *Config {
	dataDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to resolve data directory: %v", err)
		dataDir = filepath.Join(os.TempDir(), "agentmesh")
	}

	return &Config{
		MaxAgents:                  10,
		MaxConcurrentTasksPerAgent: 3,
		AgentHeartbeatInterval:     30 * time.Second,
		AgentTimeout:               5 * time.Minute,
		DefaultTaskTimeout:         10 * time.Minute,
		MaxTaskRetries:             3,
		TaskPriorityLevels:         4,
		FileLockTimeout:            5 * time.Minute,
		MaxFileLocksPerAgent:       5,
		FileBackupRetention:        7 * 24 * time.Hour,
		MessageQueueSize:           1000,
		MessageRetryAttempts:       3,
		MessageTimeout:             30 * time.Second,
		MaxCollaborationSessions:   5,
		MaxWorkflowSteps:           50,
		MaxErrorHistory:            1000,
		CacheTTL:                  5 * time.Minute,
		CleanupInterval:            time.Hour,
		MetricsCollectionInterval:  time.Minute,
		DataDir:                    dataDir,
	}
}

// LoadConfig reads config.json from the config directory, falling back
// to the default configuration when it is absent or invalid. Only an
// absent file causes the default to be saved.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}
		log.WarningLog.Printf("failed to read config file: %v", err)
		return DefaultConfig()
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return config
}

// SaveConfig persists the configuration to config.json under the config directory.
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomicWriteFile(configPath, data, 0644)
}
