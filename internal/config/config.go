// Package config implements the configuration loader (C16): a
// precedence-chain loader (project directory, then home directory, then
// XDG config directory) with environment variable overrides, validated
// against a JSON Schema using the same compiler the request dispatcher
// uses for tool arguments (internal/schema.Validator).
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/toolbroker/orchestrator/internal/breaker"
	"github.com/toolbroker/orchestrator/internal/downstream"
	"github.com/toolbroker/orchestrator/internal/ratelimit"
	"github.com/toolbroker/orchestrator/internal/sandbox"
	"github.com/toolbroker/orchestrator/internal/schema"
	"github.com/toolbroker/orchestrator/internal/shutdown"
	"github.com/toolbroker/orchestrator/internal/toolerrors"
)

const (
	// FileName is the configuration file name looked for at every
	// precedence level.
	FileName = "orchestrator.config.json"
	// EnvPrefix is prepended to every uppercased, underscore-joined config
	// field path to form its environment variable override name.
	EnvPrefix = "ORCHESTRATOR_"
)

//go:embed schema.json
var defaultSchemaDoc []byte

// DefaultSchemaDoc returns the JSON Schema used to validate the resolved
// configuration when the caller does not supply its own.
func DefaultSchemaDoc() json.RawMessage { return json.RawMessage(defaultSchemaDoc) }

// Config is the fully resolved, validated configuration for one process.
type Config struct {
	StateDir          string                       `json:"stateDir"`
	AuditRetentionDays int                         `json:"auditRetentionDays"`
	RateLimit         ratelimit.Config              `json:"rateLimit"`
	Breaker           breaker.Config                 `json:"breaker"`
	SchemaCache       SchemaCacheConfig              `json:"schemaCache"`
	DownstreamServers []downstream.ServerConfig      `json:"downstreamServers"`
	Engines           map[string]sandbox.EngineConfig `json:"engines"`
	Shutdown          shutdown.Config                 `json:"shutdown"`
}

// SchemaCacheConfig mirrors internal/schema.Config minus its Logger
// callback, which has no JSON representation and is wired in by the CLI
// entrypoint instead.
type SchemaCacheConfig struct {
	MaxSize  int           `json:"maxSize"`
	TTL      time.Duration `json:"ttl"`
	DiskPath string        `json:"diskPath"`
}

// ToSchemaConfig converts to internal/schema.Config, attaching logger.
func (c SchemaCacheConfig) ToSchemaConfig(logger func(msg string, keyvals ...any)) schema.Config {
	return schema.Config{MaxSize: c.MaxSize, TTL: c.TTL, DiskPath: c.DiskPath, Logger: logger}
}

// Default returns the built-in defaults applied before any file or
// environment overrides are layered on top.
func Default() Config {
	return Config{
		StateDir:           "./orchestrator-state",
		AuditRetentionDays: 30,
		RateLimit:          ratelimit.Config{MaxRequests: 30, WindowMS: 60_000, Burst: 30},
		Breaker:            breaker.DefaultConfig(),
		SchemaCache:        SchemaCacheConfig{MaxSize: 1024, TTL: 24 * time.Hour, DiskPath: ""},
		DownstreamServers:  nil,
		Engines:            map[string]sandbox.EngineConfig{},
		Shutdown:           shutdown.DefaultConfig(),
	}
}

// Load resolves configuration by layering, in increasing precedence: the
// built-in defaults, the XDG config directory, the user's home directory,
// the current project directory, and finally environment variable
// overrides. Each layer is optional; a missing file is not an error. The
// final result is validated against schemaDoc using validator before being
// returned.
func Load(validator *schema.Validator, schemaDoc json.RawMessage) (Config, error) {
	cfg := Default()

	for _, dir := range searchDirs() {
		path := filepath.Join(dir, FileName)
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.SchemaCache.DiskPath == "" {
		cfg.SchemaCache.DiskPath = filepath.Join(cfg.StateDir, "schema-cache.json")
	}

	if validator != nil && schemaDoc != nil {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return Config{}, toolerrors.Wrap(toolerrors.KindInternal, "failed to marshal config for validation", err)
		}
		result, err := validator.Validate("orchestrator.config", raw, schemaDoc)
		if err != nil {
			return Config{}, toolerrors.Wrap(toolerrors.KindInternal, "failed to compile config schema", err)
		}
		if !result.OK {
			return Config{}, toolerrors.New(toolerrors.KindValidationFailed, fmt.Sprintf("configuration failed schema validation: %d issue(s)", len(result.Errors)))
		}
	}

	return cfg, nil
}

// searchDirs returns the precedence chain from lowest to highest priority:
// XDG config dir, home directory, current working directory.
func searchDirs() []string {
	dirs := make([]string, 0, 3)
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "orchestrator"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "orchestrator"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	return dirs
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return toolerrors.Wrap(toolerrors.KindInternal, "failed to read config file "+path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return toolerrors.Wrap(toolerrors.KindValidationFailed, "failed to parse config file "+path, err)
	}
	return nil
}

// applyEnvOverrides applies a small, explicit set of environment overrides
// for the fields most commonly tuned per-deployment (state directory, audit
// retention, rate limit, breaker failure threshold). A full reflective env-to-struct mapper is not
// worth the complexity for this config's shape.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuditRetentionDays = n
		}
	}
	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_WINDOW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimit.WindowMS = n
		}
	}
	if v := os.Getenv(EnvPrefix + "BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
}
