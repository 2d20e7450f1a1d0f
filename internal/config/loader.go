package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/specgate/specgate/internal/domain/audit"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "specgate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
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
	setString(&cfg.Server.Port, "SPECGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "SPECGATE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SPECGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SPECGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SPECGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SPECGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SPECGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Reviewer.URL, "SPECGATE_REVIEWER_URL")
	setString(&cfg.Reviewer.MasterKey, "SPECGATE_REVIEWER_MASTER_KEY")
	setString(&cfg.Logging.Level, "SPECGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SPECGATE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SPECGATE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SPECGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SPECGATE_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "SPECGATE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.L1Expire, "SPECGATE_CACHE_L1_EXPIRE")
	setBool(&cfg.Otel.Enabled, "SPECGATE_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "SPECGATE_OTEL_ENDPOINT")
	setBool(&cfg.Auth.Enabled, "SPECGATE_AUTH_ENABLED")

	// Gate controls
	setFloat64(&cfg.Gate.ScoreThreshold, "SPECGATE_GATE_SCORE_THRESHOLD")
	setFloat64(&cfg.Gate.ApprovalFraction, "SPECGATE_GATE_APPROVAL_FRACTION")
	setString(&cfg.Gate.SeverityCeiling, "SPECGATE_GATE_SEVERITY_CEILING")
	setFloat64(&cfg.Gate.TrimFraction, "SPECGATE_GATE_TRIM_FRACTION")
	setFloat64(&cfg.Gate.PassFloor, "SPECGATE_GATE_PASS_FLOOR")
	setInt(&cfg.Gate.MaxAttemptsPerRole, "SPECGATE_GATE_MAX_ATTEMPTS_PER_ROLE")
	setInt(&cfg.Gate.MaxDeadlockRounds, "SPECGATE_GATE_MAX_DEADLOCK_ROUNDS")
	setInt(&cfg.Gate.CallBudget, "SPECGATE_GATE_CALL_BUDGET")
	setInt(&cfg.Gate.MaxInFlight, "SPECGATE_GATE_MAX_IN_FLIGHT")
	setDuration(&cfg.Gate.TaskTimeout, "SPECGATE_GATE_TASK_TIMEOUT")
	setInt(&cfg.Gate.MinRespondingRoles, "SPECGATE_GATE_MIN_RESPONDING_ROLES")
	setDuration(&cfg.Gate.CacheTTL, "SPECGATE_GATE_CACHE_TTL")
}

// validate checks that required fields are set and thresholds are in range.
// Misconfiguration fails fast here, never mid-evaluation.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	g := cfg.Gate
	if g.ScoreThreshold < 0 || g.ScoreThreshold > 10 {
		return errors.New("gate.score_threshold must be within [0,10]")
	}
	if g.ApprovalFraction < 0 || g.ApprovalFraction > 1 {
		return errors.New("gate.approval_fraction must be within [0,1]")
	}
	if g.TrimFraction < 0 || g.TrimFraction >= 0.5 {
		return errors.New("gate.trim_fraction must be within [0,0.5)")
	}
	if !audit.Severity(g.SeverityCeiling).Valid() {
		return fmt.Errorf("gate.severity_ceiling: unknown severity %q", g.SeverityCeiling)
	}
	if g.MaxAttemptsPerRole < 1 {
		return errors.New("gate.max_attempts_per_role must be >= 1")
	}
	if g.MaxDeadlockRounds < 1 {
		return errors.New("gate.max_deadlock_rounds must be >= 1")
	}
	if g.CallBudget < 1 {
		return errors.New("gate.call_budget must be >= 1")
	}
	if g.MaxInFlight < 1 {
		return errors.New("gate.max_in_flight must be >= 1")
	}
	if g.TaskTimeout <= 0 {
		return errors.New("gate.task_timeout must be positive")
	}
	if g.MinRespondingRoles < 1 {
		return errors.New("gate.min_responding_roles must be >= 1")
	}
	if len(g.Dimensions) == 0 {
		return errors.New("gate.dimensions must not be empty")
	}
	for _, d := range g.Dimensions {
		if d.Name == "" {
			return errors.New("gate.dimensions entries require a name")
		}
		if d.Weight < 0 {
			return fmt.Errorf("gate dimension %q has negative weight", d.Name)
		}
	}
	for _, s := range g.HumanReviewStages {
		if !audit.Stage(s).Valid() {
			return fmt.Errorf("gate.human_review_stages: unknown stage %q", s)
		}
	}
	return nil
}

func setString(dst *string, key string) {
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
