package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentd.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTD_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTD_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTD_PG_MAX_CONN_IDLE_TIME")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setString(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setString(&cfg.S3.Bucket, "S3_BUCKET")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setString(&cfg.Logging.Level, "AGENTD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTD_LOG_SERVICE")

	setInt64(&cfg.Worker.MaxConcurrent, "WORKER_MAX_CONCURRENT")
	setInt(&cfg.Worker.MaxJobAttempts, "MAX_JOB_ATTEMPTS")
	setSeconds(&cfg.Worker.MaxBackoff, "WORKER_MAX_BACKOFF")
	setDuration(&cfg.Worker.CancelPollInterval, "WORKER_CANCEL_POLL_INTERVAL")
	setSeconds(&cfg.Worker.RequeueRunningAfter, "WORKER_REQUEUE_RUNNING_AFTER_S")
	setInt(&cfg.Worker.KickQueuedLimit, "WORKER_KICK_QUEUED_LIMIT")
	setSeconds(&cfg.Worker.KickQueuedMinAge, "WORKER_KICK_QUEUED_MIN_AGE_S")

	setString(&cfg.Agent.Command, "AGENT_COMMAND")
	setString(&cfg.Agent.WorkspacePath, "AGENT_WORKSPACE_PATH")
	setString(&cfg.Agent.WorkspaceBackend, "AGENT_WORKSPACE_BACKEND")
	setString(&cfg.Agent.DefaultProvider, "AGENT_DEFAULT_PROVIDER")
	setString(&cfg.Agent.DefaultModel, "AGENT_DEFAULT_MODEL")
	setMillis(&cfg.Agent.PlanTimeout, "AGENT_PLAN_PHASE_TIMEOUT_MS")
	setMillis(&cfg.Agent.BuildTimeout, "AGENT_BUILD_PHASE_TIMEOUT_MS")

	setString(&cfg.E2B.APIKey, "E2B_API_KEY")
	setString(&cfg.E2B.Template, "E2B_TEMPLATE")
	setMillis(&cfg.E2B.SandboxTimeout, "E2B_SANDBOX_TIMEOUT_MS")
	setInt(&cfg.E2B.RetryAttempts, "E2B_RETRY_ATTEMPTS")
	setMillis(&cfg.E2B.RetryBaseDelay, "E2B_RETRY_BASE_DELAY_MS")
	setMillis(&cfg.E2B.RetryMaxDelay, "E2B_RETRY_MAX_DELAY_MS")

	setInt64(&cfg.Snapshot.MaxBytes, "ZIP_MAX_BYTES")
	setInt(&cfg.Snapshot.MaxFiles, "ZIP_MAX_FILES")
}

// validate enforces the few hard constraints the rest of the code assumes.
func validate(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	if cfg.Worker.MaxJobAttempts < 1 {
		return errors.New("worker max_job_attempts must be >= 1")
	}
	if cfg.Worker.MaxConcurrent < 1 {
		return errors.New("worker max_concurrent must be >= 1")
	}
	// The provider rejects sandboxes living longer than a day.
	if cfg.E2B.SandboxTimeout > 24*time.Hour {
		cfg.E2B.SandboxTimeout = 24 * time.Hour
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setSeconds reads an integer env value expressed in whole seconds.
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// setMillis reads an integer env value expressed in milliseconds.
func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
