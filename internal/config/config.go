package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// AgentConfig locates the agent binary and its model backends.
type AgentConfig struct {
	Path         string `yaml:"path"`
	DefaultModel string `yaml:"default_model"`
	OllamaHost   string `yaml:"ollama_host"`
	APIEndpoint  string `yaml:"api_endpoint"`
}

// SandboxConfig controls the per-session OS user isolation.
type SandboxConfig struct {
	// HomesPath is where private sandbox home directories live. Must be
	// outside WorkspacesPath so caches never pollute the workspace.
	HomesPath string `yaml:"homes_path"`
}

// IDEConfig controls the per-session code-server supervisor.
type IDEConfig struct {
	BasePort       int           `yaml:"base_port"`
	MaxInstances   int           `yaml:"max_instances"`
	ExternalURL    string        `yaml:"external_url"`
	BinaryPath     string        `yaml:"binary_path"`
	DataDir        string        `yaml:"data_dir"`
	ExtensionsDir  string        `yaml:"extensions_dir"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Provider        string `yaml:"provider"` // minio | s3 | azure | gcs
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	DownloadOnStart bool   `yaml:"download_on_start"`
	// MaxFileSizeBytes caps what is mirrored either direction.
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`
	// DebounceMs is the per-path quiet period before a changed file syncs.
	DebounceMs int `yaml:"debounce_ms"`
	// RemoveLocalOnStop deletes the local cache after the final flush.
	// Off by default to speed resumption.
	RemoveLocalOnStop bool `yaml:"remove_local_on_stop"`
}

type Config struct {
	Port               int           `yaml:"port"`
	InternalAPIKey     string        `yaml:"internal_api_key"`
	MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SessionMaxLifetime time.Duration `yaml:"session_max_lifetime"`
	MaxWorkspaceSizeMB int64         `yaml:"max_workspace_size_mb"`
	WorkspacesPath     string        `yaml:"workspaces_path"`
	DBPath             string        `yaml:"db_path"`

	Agent   AgentConfig   `yaml:"agent"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	IDE     IDEConfig     `yaml:"ide"`
	Storage StorageConfig `yaml:"storage"`
}

// MaxWorkspaceSizeBytes returns the workspace cap in bytes.
func (c *Config) MaxWorkspaceSizeBytes() int64 {
	return c.MaxWorkspaceSizeMB * units.MiB
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Port:               3050,
		MaxSessionsPerUser: 3,
		SessionIdleTimeout: 1800 * time.Second,
		SessionMaxLifetime: 14400 * time.Second,
		MaxWorkspaceSizeMB: 5120,
		WorkspacesPath:     "/workspaces",
		DBPath:             "./sessiond.db",
		Agent: AgentConfig{
			Path:       "agenticode",
			OllamaHost: "http://localhost:11434",
		},
		Sandbox: SandboxConfig{
			HomesPath: "/var/lib/sessiond/homes",
		},
		IDE: IDEConfig{
			BasePort:       3100,
			MaxInstances:   100,
			BinaryPath:     "code-server",
			DataDir:        "/var/lib/sessiond/code-server",
			StartupTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Provider:         "minio",
			Bucket:           "agenticwork",
			DownloadOnStart:  true,
			MaxFileSizeBytes: 50 * units.MiB,
			DebounceMs:       500,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Port, "PORT")
	setStr(&cfg.InternalAPIKey, "INTERNAL_API_KEY")
	setInt(&cfg.MaxSessionsPerUser, "MAX_SESSIONS_PER_USER")
	setSeconds(&cfg.SessionIdleTimeout, "SESSION_IDLE_TIMEOUT")
	setSeconds(&cfg.SessionMaxLifetime, "SESSION_MAX_LIFETIME")
	setInt64(&cfg.MaxWorkspaceSizeMB, "MAX_WORKSPACE_SIZE_MB")
	setStr(&cfg.WorkspacesPath, "WORKSPACES_PATH")
	setStr(&cfg.DBPath, "SESSIOND_DB_PATH")

	setStr(&cfg.Agent.Path, "AGENTICODE_PATH")
	setStr(&cfg.Agent.DefaultModel, "AGENTICODE_MODEL")
	setStr(&cfg.Agent.DefaultModel, "DEFAULT_MODEL")
	setStr(&cfg.Agent.OllamaHost, "OLLAMA_HOST")
	setStr(&cfg.Agent.APIEndpoint, "AGENTICWORK_API_ENDPOINT")

	setStr(&cfg.Sandbox.HomesPath, "SANDBOX_HOMES_PATH")

	setInt(&cfg.IDE.BasePort, "CODE_SERVER_BASE_PORT")
	setInt(&cfg.IDE.MaxInstances, "CODE_SERVER_MAX_INSTANCES")
	setStr(&cfg.IDE.ExternalURL, "CODE_SERVER_EXTERNAL_URL")
	setStr(&cfg.IDE.BinaryPath, "CODE_SERVER_PATH")
	setStr(&cfg.IDE.DataDir, "CODE_SERVER_DATA_DIR")
	setStr(&cfg.IDE.ExtensionsDir, "CODE_SERVER_EXTENSIONS_DIR")
	setSeconds(&cfg.IDE.StartupTimeout, "CODE_SERVER_STARTUP_TIMEOUT")

	setStr(&cfg.Storage.Provider, "STORAGE_PROVIDER")
	setStr(&cfg.Storage.Bucket, "STORAGE_BUCKET")
	setStr(&cfg.Storage.Endpoint, "STORAGE_ENDPOINT")
	setStr(&cfg.Storage.Region, "STORAGE_REGION")
	setStr(&cfg.Storage.AccessKey, "STORAGE_ACCESS_KEY")
	setStr(&cfg.Storage.SecretKey, "STORAGE_SECRET_KEY")
	setBool(&cfg.Storage.UseSSL, "STORAGE_USE_SSL")
	setBool(&cfg.Storage.DownloadOnStart, "STORAGE_DOWNLOAD_ON_START")
	setBool(&cfg.Storage.RemoveLocalOnStop, "STORAGE_REMOVE_LOCAL_ON_STOP")
	if v := os.Getenv("STORAGE_MAX_FILE_SIZE"); v != "" {
		if n, err := units.RAMInBytes(v); err == nil {
			cfg.Storage.MaxFileSizeBytes = n
		}
	}
	setInt(&cfg.Storage.DebounceMs, "STORAGE_SYNC_DEBOUNCE_MS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
