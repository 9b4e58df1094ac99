// Package config loads the host-level configuration for an inspector core
// embedder: which transport to dial, where to send OAuth redirects, how to
// persist OAuth state, and the ambient logging/metrics/task knobs. The file
// format is a single JSONC document, resolved the same way across a
// project-local config directory, an explicit flag, or a user-global
// fallback.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TransportConfig describes which transport to dial and how.
type TransportConfig struct {
	Kind    string            `json:"kind"`    // stdio, sse, streamable_http
	Command string            `json:"command"` // stdio only
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url"` // sse, streamable_http
}

// OAuthConfig describes how the OAuth state machine should behave for
// servers that require authorization.
type OAuthConfig struct {
	RedirectURI string `json:"redirect_uri"`
	StorePath   string `json:"store_path"` // sqlite database file
}

// TaskConfig tunes the task controller's polling fallback and retention.
type TaskConfig struct {
	PollIntervalMS int `json:"poll_interval_ms"`
	TTLSeconds     int `json:"ttl_seconds"`
}

// BufferConfig sizes the bounded ring buffers the session keeps.
type BufferConfig struct {
	Messages int `json:"messages"`
	Fetches  int `json:"fetches"`
	Stderr   int `json:"stderr"`
}

// LoggingConfig controls the ambient structured logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// HostConfig is the root of inspector.jsonc.
type HostConfig struct {
	Transport    TransportConfig `json:"transport"`
	OAuth        OAuthConfig     `json:"oauth"`
	Task         TaskConfig      `json:"task"`
	Buffers      BufferConfig    `json:"buffers"`
	Logging      LoggingConfig   `json:"logging"`
	MetricsAddr  string          `json:"metrics_addr"`
	AuditEnabled bool            `json:"audit_enabled"`

	ConfigDir string `json:"-"`
}

// PollInterval returns Task.PollIntervalMS as a time.Duration.
func (c *HostConfig) PollInterval() time.Duration {
	return time.Duration(c.Task.PollIntervalMS) * time.Millisecond
}

// TaskTTL returns Task.TTLSeconds as a time.Duration.
func (c *HostConfig) TaskTTL() time.Duration {
	return time.Duration(c.Task.TTLSeconds) * time.Second
}

// Default returns a HostConfig populated entirely with defaults, for hosts
// that want to run without a config file on disk.
func Default() *HostConfig {
	cfg := defaultHostConfig()
	return &cfg
}

func defaultHostConfig() HostConfig {
	return HostConfig{
		Task: TaskConfig{
			PollIntervalMS: 250,
			TTLSeconds:     600,
		},
		Buffers: BufferConfig{
			Messages: 500,
			Fetches:  200,
			Stderr:   200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		MetricsAddr:  ":9090",
		AuditEnabled: true,
		OAuth: OAuthConfig{
			RedirectURI: "http://localhost:6274/oauth/callback",
			StorePath:   "inspector-oauth.db",
		},
	}
}

// FindConfigPath resolves inspector.jsonc using precedence:
//  1. configDir + /inspector.jsonc, when configDir is given
//  2. ./config/inspector.jsonc (project-local)
//  3. ~/.inspector/config/inspector.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	var candidates []string

	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "inspector.jsonc"))
	}
	candidates = append(candidates, filepath.Join("config", "inspector.jsonc"))

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".inspector", "config", "inspector.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs, nil
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("inspector.jsonc not found; tried: %v", candidates)
}

// Load reads and parses a host config file, applying defaults for any field
// left unset.
func Load(configPath string) (*HostConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	cfg := defaultHostConfig()
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	cfg.ConfigDir = filepath.Dir(configPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAll resolves the config path under configDir (falling back to the
// project-local and user-global locations) and loads it.
func LoadAll(configDir string) (*HostConfig, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Validate checks that the fields required to actually dial a server are
// present and internally consistent.
func (c *HostConfig) Validate() error {
	switch c.Transport.Kind {
	case "stdio":
		if c.Transport.Command == "" {
			return fmt.Errorf("transport.command is required for stdio transport")
		}
	case "sse", "streamable_http":
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for %s transport", c.Transport.Kind)
		}
	case "":
		// allowed: a host may override the transport entirely via flags
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}
	if c.Task.PollIntervalMS <= 0 {
		return fmt.Errorf("task.poll_interval_ms must be positive")
	}
	return nil
}
