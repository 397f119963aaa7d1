// Package config provides configuration loading for the coverage processor.
// It supports loading from properties/INI files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all configuration options for the coverage processor.
type Config struct {
	// HTTP listener
	Port string

	// ScratchRoot is where per-run workspaces are created.
	ScratchRoot string

	// Workers is the number of concurrent pipeline runs.
	Workers int

	// JobTimeout bounds the wall-clock time of a single run; a run that
	// exceeds it is abandoned as failed and must be re-triggered.
	JobTimeout time.Duration

	// DBPath is the SQLite run-history database location.
	DBPath string

	// Provenance annotation keys carrying the source location.
	// These are build-system constants, not logic.
	RepoURLAnnotation   string
	CommitSHAAnnotation string

	// Attestation verification
	VerifyAttestations bool
	PublicKeyPath      string

	// Quality backend
	ProjectKey      string
	UploadPath      string
	SecretNamespace string
	SecretName      string

	// GoBinary is the go tool used to decode binary coverage data.
	GoBinary string

	// OpenTelemetry metrics export
	OTELEnabled      bool
	OTELEndpoint     string
	OTELPushInterval time.Duration
	OTELInsecure     bool
}

// defaultConfig returns a Config with hardcoded defaults.
func defaultConfig() *Config {
	return &Config{
		Port:                "9600",
		ScratchRoot:         "/var/lib/coverage-processor/work",
		Workers:             2,
		JobTimeout:          30 * time.Minute,
		DBPath:              "/var/lib/coverage-processor/runs.db",
		RepoURLAnnotation:   "build.appstudio.openshift.io/repo-url",
		CommitSHAAnnotation: "build.appstudio.openshift.io/commit-sha",
		VerifyAttestations:  true,
		PublicKeyPath:       "/etc/coverage-processor/cosign.pub",
		ProjectKey:          "",
		UploadPath:          "/api/coverage/import",
		SecretNamespace:     "coverage-processor",
		SecretName:          "quality-backend-credentials",
		GoBinary:            "go",
		OTELEnabled:         false,
		OTELEndpoint:        "localhost:4317",
		OTELPushInterval:    60 * time.Second,
		OTELInsecure:        true,
	}
}

// LoadConfig loads configuration from the specified file path.
// Environment variables override file values.
// Precedence: environment variables > config file > defaults
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			iniFile, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			section := iniFile.Section("")

			loadString(section, "port", &cfg.Port)
			loadString(section, "scratch_root", &cfg.ScratchRoot)
			loadInt(section, "workers", &cfg.Workers)
			loadDuration(section, "job_timeout", &cfg.JobTimeout)
			loadString(section, "db_path", &cfg.DBPath)
			loadString(section, "repo_url_annotation", &cfg.RepoURLAnnotation)
			loadString(section, "commit_sha_annotation", &cfg.CommitSHAAnnotation)
			loadBool(section, "verify_attestations", &cfg.VerifyAttestations)
			loadString(section, "public_key_path", &cfg.PublicKeyPath)
			loadString(section, "project_key", &cfg.ProjectKey)
			loadString(section, "upload_path", &cfg.UploadPath)
			loadString(section, "secret_namespace", &cfg.SecretNamespace)
			loadString(section, "secret_name", &cfg.SecretName)
			loadString(section, "go_binary", &cfg.GoBinary)
			loadBool(section, "otel_enabled", &cfg.OTELEnabled)
			loadString(section, "otel_endpoint", &cfg.OTELEndpoint)
			loadDuration(section, "otel_push_interval", &cfg.OTELPushInterval)
			loadBool(section, "otel_insecure", &cfg.OTELInsecure)
		} else if !os.IsNotExist(err) {
			// File exists but can't be read
			return nil, fmt.Errorf("cannot access config file %s: %w", path, err)
		}
		// If file doesn't exist, just use defaults (no error)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfigWithDefaults tries to load configuration from default locations.
// It checks locations in order:
// 1. /etc/coverage-processor/coverage-processor.conf
// 2. ./coverage-processor.conf (current directory)
// 3. Hardcoded defaults
//
// Environment variables override file values.
func LoadConfigWithDefaults() (*Config, error) {
	defaultPaths := []string{
		"/etc/coverage-processor/coverage-processor.conf",
		"./coverage-processor.conf",
	}

	for _, path := range defaultPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadConfig(path)
			if err != nil {
				// File exists but failed to parse - return error
				return nil, err
			}
			return cfg, nil
		}
	}

	// No config file found, use defaults with env var overrides
	return LoadConfig("")
}

func applyEnvOverrides(cfg *Config) {
	envString("PORT", &cfg.Port)
	envString("SCRATCH_ROOT", &cfg.ScratchRoot)
	envInt("WORKERS", &cfg.Workers)
	envDuration("JOB_TIMEOUT", &cfg.JobTimeout)
	envString("DB_PATH", &cfg.DBPath)
	envString("REPO_URL_ANNOTATION", &cfg.RepoURLAnnotation)
	envString("COMMIT_SHA_ANNOTATION", &cfg.CommitSHAAnnotation)
	envBool("VERIFY_ATTESTATIONS", &cfg.VerifyAttestations)
	envString("PUBLIC_KEY_PATH", &cfg.PublicKeyPath)
	envString("PROJECT_KEY", &cfg.ProjectKey)
	envString("UPLOAD_PATH", &cfg.UploadPath)
	envString("SECRET_NAMESPACE", &cfg.SecretNamespace)
	envString("SECRET_NAME", &cfg.SecretName)
	envString("GO_BINARY", &cfg.GoBinary)
	envBool("OTEL_ENABLED", &cfg.OTELEnabled)
	envString("OTEL_ENDPOINT", &cfg.OTELEndpoint)
	envDuration("OTEL_PUSH_INTERVAL", &cfg.OTELPushInterval)
	envBool("OTEL_INSECURE", &cfg.OTELInsecure)
}

func validate(cfg *Config) error {
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %v", cfg.JobTimeout)
	}
	if cfg.RepoURLAnnotation == "" || cfg.CommitSHAAnnotation == "" {
		return fmt.Errorf("provenance annotation keys must not be empty")
	}
	if cfg.VerifyAttestations && cfg.PublicKeyPath == "" {
		return fmt.Errorf("public_key_path is required when verify_attestations is enabled")
	}
	return nil
}

func loadString(section *ini.Section, key string, dst *string) {
	if section.HasKey(key) {
		*dst = section.Key(key).String()
	}
}

func loadInt(section *ini.Section, key string, dst *int) {
	if section.HasKey(key) {
		if v, err := section.Key(key).Int(); err == nil {
			*dst = v
		}
	}
}

func loadBool(section *ini.Section, key string, dst *bool) {
	if section.HasKey(key) {
		*dst = parseBool(section.Key(key).String())
	}
}

func loadDuration(section *ini.Section, key string, dst *time.Duration) {
	if section.HasKey(key) {
		if d, err := time.ParseDuration(section.Key(key).String()); err == nil {
			*dst = d
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = parseBool(v)
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
