// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ConfigEnv names the environment variable Load reads the config
// file path from.
const ConfigEnv = "SYNCENGINE_CONFIG"

// Config is the configuration of a sync engine instance.
type Config struct {
	// Homeserver configures the Matrix homeserver connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Account identifies the local account and where its access token
	// lives.
	Account AccountConfig `yaml:"account"`

	// Storage configures the on-disk state.
	Storage StorageConfig `yaml:"storage"`

	// Sync configures the /sync long-poll loop.
	Sync SyncConfig `yaml:"sync"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// HomeserverConfig configures the homeserver connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver, e.g.
	// https://matrix.example.org. Required.
	URL string `yaml:"url"`

	// DeviceDisplayName is sent on login.
	// Default: syncengine
	DeviceDisplayName string `yaml:"device_display_name"`

	// RequestTimeout bounds requests other than the /sync long poll.
	// Default: 30s
	RequestTimeout string `yaml:"request_timeout"`
}

// AccountConfig identifies the local account.
type AccountConfig struct {
	// UserID is the full Matrix user id, e.g. @alice:example.org.
	// Required.
	UserID string `yaml:"user_id"`

	// DeviceID is the device the access token was issued for. Empty
	// means the device recorded in the crypto store is trusted.
	DeviceID string `yaml:"device_id"`

	// TokenFile holds the access token, written by the login command.
	// Default: ${STATE_DIR}/access-token
	TokenFile string `yaml:"token_file"`
}

// StorageConfig configures the on-disk state.
type StorageConfig struct {
	// StateDir holds the room database and the crypto store.
	// Default: ~/.local/state/syncengine
	StateDir string `yaml:"state_dir"`

	// PoolSize is the SQLite connection pool size of the room
	// database. Default: 4
	PoolSize int `yaml:"pool_size"`

	// TimelineLimit bounds the stored timeline per room. Zero keeps
	// every event. Default: 200
	TimelineLimit int `yaml:"timeline_limit"`

	// Compression applies to crypto store records.
	// Values: "none", "zstd". Default: zstd
	Compression string `yaml:"compression"`

	// EncryptRecords encrypts crypto store records at rest with the
	// key in KeyFile, generated on first use. Default: false
	EncryptRecords bool `yaml:"encrypt_records"`

	// KeyFile holds the hex-encoded record encryption key.
	// Default: ${STATE_DIR}/store.key
	KeyFile string `yaml:"key_file"`
}

// SyncConfig configures the /sync loop.
type SyncConfig struct {
	// Timeout is the long-poll timeout sent to the server.
	// Default: 30s
	Timeout string `yaml:"timeout"`

	// MaxBackoff caps the delay between retries of a failed /sync.
	// Default: 30s
	MaxBackoff string `yaml:"max_backoff"`

	// FilterFile is a JSON or JSONC sync filter. Empty means no
	// filter.
	FilterFile string `yaml:"filter_file"`

	// RetainDepartedRooms keeps rooms the user left voluntarily in
	// the departed partition. Default: false
	RetainDepartedRooms bool `yaml:"retain_departed_rooms"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address /metrics is served on, e.g.
	// 127.0.0.1:9464. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the default configuration. Homeserver.URL and
// Account.UserID have no default.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Homeserver: HomeserverConfig{
			DeviceDisplayName: "syncengine",
			RequestTimeout:    "30s",
		},
		Account: AccountConfig{
			TokenFile: "${STATE_DIR}/access-token",
		},
		Storage: StorageConfig{
			StateDir:      filepath.Join(homeDir, ".local", "state", "syncengine"),
			PoolSize:      4,
			TimelineLimit: 200,
			Compression:   "zstd",
			KeyFile:       "${STATE_DIR}/store.key",
		},
		Sync: SyncConfig{
			Timeout:    "30s",
			MaxBackoff: "30s",
		},
	}
}

// Load loads the file named by the SYNCENGINE_CONFIG environment
// variable. It fails when the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnv)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your syncengine.yaml, or use --config", ConfigEnv)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over the defaults, applies
// the SYNCENGINE_* environment overrides and expands ${VAR} patterns
// in path fields. The result is not validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// environmentOverrides maps each override variable to the field it
// replaces.
func (c *Config) environmentOverrides() map[string]*string {
	return map[string]*string{
		"SYNCENGINE_HOMESERVER":     &c.Homeserver.URL,
		"SYNCENGINE_USER_ID":        &c.Account.UserID,
		"SYNCENGINE_DEVICE_ID":      &c.Account.DeviceID,
		"SYNCENGINE_TOKEN_FILE":     &c.Account.TokenFile,
		"SYNCENGINE_STATE_DIR":      &c.Storage.StateDir,
		"SYNCENGINE_FILTER_FILE":    &c.Sync.FilterFile,
		"SYNCENGINE_METRICS_LISTEN": &c.Metrics.Listen,
	}
}

// applyEnvironmentOverrides replaces fields whose SYNCENGINE_*
// variable is set and non-empty.
func (c *Config) applyEnvironmentOverrides() {
	for name, field := range c.environmentOverrides() {
		if value := os.Getenv(name); value != "" {
			*field = value
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields. ${STATE_DIR} is the expanded state directory.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Storage.StateDir = expandVars(c.Storage.StateDir, vars)
	vars["STATE_DIR"] = c.Storage.StateDir

	c.Account.TokenFile = expandVars(c.Account.TokenFile, vars)
	c.Storage.KeyFile = expandVars(c.Storage.KeyFile, vars)
	c.Sync.FilterFile = expandVars(c.Sync.FilterFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.URL == "" {
		errs = append(errs, errors.New("homeserver.url is required"))
	} else if parsed, err := url.Parse(c.Homeserver.URL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("homeserver.url must be an http or https URL, got %q", c.Homeserver.URL))
	}

	if c.Account.UserID == "" {
		errs = append(errs, errors.New("account.user_id is required"))
	} else if !strings.HasPrefix(c.Account.UserID, "@") || !strings.Contains(c.Account.UserID, ":") {
		errs = append(errs, fmt.Errorf("account.user_id must look like @user:server, got %q", c.Account.UserID))
	}
	if c.Account.TokenFile == "" {
		errs = append(errs, errors.New("account.token_file is required"))
	}

	if c.Storage.StateDir == "" {
		errs = append(errs, errors.New("storage.state_dir is required"))
	}
	if c.Storage.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("storage.pool_size must be at least 1, got %d", c.Storage.PoolSize))
	}
	if c.Storage.TimelineLimit < 0 {
		errs = append(errs, fmt.Errorf("storage.timeline_limit must not be negative, got %d", c.Storage.TimelineLimit))
	}
	compressionValues := []string{"none", "zstd"}
	if !slices.Contains(compressionValues, c.Storage.Compression) {
		errs = append(errs, fmt.Errorf("storage.compression must be one of: %v", compressionValues))
	}
	if c.Storage.EncryptRecords && c.Storage.KeyFile == "" {
		errs = append(errs, errors.New("storage.key_file is required when storage.encrypt_records is set"))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"homeserver.request_timeout", c.Homeserver.RequestTimeout},
		{"sync.timeout", c.Sync.Timeout},
		{"sync.max_backoff", c.Sync.MaxBackoff},
	}
	for _, duration := range durations {
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", duration.name, err))
		} else if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", duration.name, duration.value))
		}
	}

	return errors.Join(errs...)
}

// RequestTimeout returns homeserver.request_timeout. Call Validate
// first; an unparseable value yields zero.
func (c *Config) RequestTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Homeserver.RequestTimeout)
	return duration
}

// SyncTimeout returns sync.timeout.
func (c *Config) SyncTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Sync.Timeout)
	return duration
}

// MaxBackoff returns sync.max_backoff.
func (c *Config) MaxBackoff() time.Duration {
	duration, _ := time.ParseDuration(c.Sync.MaxBackoff)
	return duration
}

// RoomDatabasePath is the SQLite file of the room repository.
func (c *Config) RoomDatabasePath() string {
	return filepath.Join(c.Storage.StateDir, "rooms.db")
}

// EnsurePaths creates the state directory with owner-only access.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Storage.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Storage.StateDir, err)
	}
	return nil
}

// LoadFilter reads a sync filter written as JSON or JSONC (comments
// and trailing commas allowed) and returns it as compact JSON, ready
// to send as an inline filter. An empty path returns "".
func LoadFilter(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: reading filter: %w", err)
	}
	stripped := jsonc.ToJSON(data)

	var object map[string]any
	if err := json.Unmarshal(stripped, &object); err != nil {
		return "", fmt.Errorf("config: filter %s is not a JSON object: %w", path, err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, stripped); err != nil {
		return "", fmt.Errorf("config: compacting filter %s: %w", path, err)
	}
	return compact.String(), nil
}
