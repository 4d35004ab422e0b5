// Package config loads the orchestrator configuration from YAML and applies
// environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Pipeline struct {
	Name      string `yaml:"name"`
	TaskQueue string `yaml:"task_queue"`
}

type Temporal struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN builds a libpq connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Enabled reports whether enough is configured to connect to postgres.
func (d Database) Enabled() bool {
	return d.User != "" && d.Name != ""
}

type Artifacts struct {
	// Backend is one of memory, sqlite or postgres.
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	// StoreName names the store in composed policies.
	StoreName string `yaml:"store_name"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
	// PublicURL is how hosts reach this server, for artifact downloads.
	PublicURL string `yaml:"public_url"`
}

type Vault struct {
	Addr       string `yaml:"addr"`
	CACert     string `yaml:"ca_cert"`
	MountPath  string `yaml:"mount_path"`
	SecretPath string `yaml:"secret_path"`
	TokenKey   string `yaml:"token_key"`
	RoleID     string `yaml:"-"`
	SecretID   string `yaml:"-"`
}

func (v Vault) Enabled() bool { return v.Addr != "" && v.RoleID != "" && v.SecretID != "" }

type Notify struct {
	// Channel is the postgres NOTIFY channel. Empty logs events instead.
	Channel string `yaml:"channel"`
}

type Config struct {
	Pipelines     []Pipeline    `yaml:"pipelines"`
	Temporal      Temporal      `yaml:"temporal"`
	Database      Database      `yaml:"database"`
	Artifacts     Artifacts     `yaml:"artifacts"`
	HTTP          HTTP          `yaml:"http"`
	SignalTimeout time.Duration `yaml:"signal_timeout"`
	WorkRoot      string        `yaml:"work_root"`
	LogLevel      string        `yaml:"log_level"`
	GitHubToken   string        `yaml:"-"`
	Vault         Vault         `yaml:"vault"`
	Notify        Notify        `yaml:"notify"`
}

// DefaultTaskQueue serves pipelines not listed in the configuration.
const DefaultTaskQueue = "release-pipeline"

func defaults() Config {
	return Config{
		Temporal:      Temporal{HostPort: "localhost:7233", Namespace: "default"},
		Database:      Database{Host: "localhost", Port: "5432", SSLMode: "disable"},
		Artifacts:     Artifacts{Backend: "memory", SQLitePath: "artifacts.db", StoreName: "release-artifacts"},
		HTTP:          HTTP{Addr: ":8080", PublicURL: "http://localhost:8080"},
		SignalTimeout: 10 * time.Minute,
		WorkRoot:      os.TempDir(),
		LogLevel:      "info",
		Vault:         Vault{MountPath: "secret", TokenKey: "token"},
	}
}

// Load reads path, if non-empty, over the defaults and then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	set(&c.Temporal.HostPort, "TEMPORAL_HOSTPORT")
	set(&c.Temporal.Namespace, "TEMPORAL_NAMESPACE")
	set(&c.Database.User, "POSTGRES_DB_USER")
	set(&c.Database.Password, "POSTGRES_DB_PASSWORD")
	set(&c.Database.Name, "POSTGRES_DB_NAME")
	set(&c.Database.Host, "DB_HOST")
	set(&c.Database.Port, "DB_PORT")
	set(&c.Vault.RoleID, "ROLE_ID")
	set(&c.Vault.SecretID, "SECRET_ID")
	set(&c.Vault.Addr, "VAULT_ADDR")
	set(&c.GitHubToken, "GITHUB_TOKEN")
	set(&c.HTTP.Addr, "HTTP_ADDR")
	set(&c.WorkRoot, "WORK_ROOT")
	set(&c.Artifacts.Backend, "ARTIFACT_BACKEND")
	if v, ok := os.LookupEnv("SIGNAL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SIGNAL_TIMEOUT: %w", err)
		}
		c.SignalTimeout = d
	}
	if v, ok := os.LookupEnv("DB_SSLMODE"); ok {
		c.Database.SSLMode = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Artifacts.Backend {
	case "memory", "sqlite":
	case "postgres":
		if !c.Database.Enabled() {
			return fmt.Errorf("artifact backend postgres requires POSTGRES_DB_USER and POSTGRES_DB_NAME")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.Artifacts.Backend)
	}
	if c.SignalTimeout <= 0 {
		return fmt.Errorf("signal_timeout must be positive, got %s", c.SignalTimeout)
	}
	for i, p := range c.Pipelines {
		if p.Name == "" || p.TaskQueue == "" {
			return fmt.Errorf("pipelines[%d]: name and task_queue are required", i)
		}
	}
	if _, err := strconv.Atoi(c.Database.Port); err != nil {
		return fmt.Errorf("database port %q: %w", c.Database.Port, err)
	}
	return nil
}

// TaskQueue returns the configured queue for a pipeline.
func (c *Config) TaskQueue(pipeline string) string {
	for _, p := range c.Pipelines {
		if p.Name == pipeline {
			return p.TaskQueue
		}
	}
	return DefaultTaskQueue
}

// TaskQueues lists every queue a worker must poll, the default included.
func (c *Config) TaskQueues() []string {
	seen := map[string]bool{DefaultTaskQueue: true}
	queues := []string{DefaultTaskQueue}
	for _, p := range c.Pipelines {
		if !seen[p.TaskQueue] {
			seen[p.TaskQueue] = true
			queues = append(queues, p.TaskQueue)
		}
	}
	return queues
}
