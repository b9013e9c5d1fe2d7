// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/syncengine/lib/testutil"
)

// clearOverrides unsets every SYNCENGINE_* override for the test.
func clearOverrides(t *testing.T) {
	t.Helper()
	for name := range Default().environmentOverrides() {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncengine.yaml")
	testutil.WriteFile(t, path, []byte(content))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.PoolSize != 4 {
		t.Errorf("expected pool_size=4, got %d", cfg.Storage.PoolSize)
	}
	if cfg.Storage.Compression != "zstd" {
		t.Errorf("expected compression=zstd, got %s", cfg.Storage.Compression)
	}
	if cfg.Sync.Timeout != "30s" {
		t.Errorf("expected sync.timeout=30s, got %s", cfg.Sync.Timeout)
	}
	if cfg.Sync.RetainDepartedRooms {
		t.Error("expected retain_departed_rooms=false")
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("default config validated without homeserver and user id")
	}
	for _, want := range []string{"homeserver.url is required", "account.user_id is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_RequiresConfigEnv(t *testing.T) {
	t.Setenv(ConfigEnv, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when SYNCENGINE_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "SYNCENGINE_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithConfigEnv(t *testing.T) {
	clearOverrides(t)
	stateDir := t.TempDir()
	path := writeConfig(t, `
homeserver:
  url: https://matrix.example.org
account:
  user_id: "@alice:example.org"
storage:
  state_dir: `+stateDir+`
sync:
  timeout: 45s
  retain_departed_rooms: true
`)
	t.Setenv(ConfigEnv, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if cfg.Homeserver.URL != "https://matrix.example.org" {
		t.Errorf("homeserver.url = %s", cfg.Homeserver.URL)
	}
	if cfg.SyncTimeout() != 45*time.Second {
		t.Errorf("SyncTimeout() = %v, want 45s", cfg.SyncTimeout())
	}
	if cfg.MaxBackoff() != 30*time.Second {
		t.Errorf("MaxBackoff() = %v, want the 30s default", cfg.MaxBackoff())
	}
	if !cfg.Sync.RetainDepartedRooms {
		t.Error("retain_departed_rooms not loaded")
	}
	if cfg.Homeserver.DeviceDisplayName != "syncengine" {
		t.Errorf("device_display_name default lost: %q", cfg.Homeserver.DeviceDisplayName)
	}
	if cfg.RoomDatabasePath() != filepath.Join(stateDir, "rooms.db") {
		t.Errorf("RoomDatabasePath() = %s", cfg.RoomDatabasePath())
	}
}

func TestLoadFile_ExpandsStateDir(t *testing.T) {
	clearOverrides(t)
	t.Setenv("SYNCENGINE_TEST_ROOT", "/srv/engines")
	path := writeConfig(t, `
storage:
  state_dir: ${SYNCENGINE_TEST_ROOT}/alice
sync:
  filter_file: ${STATE_DIR}/filter.jsonc
  max_backoff: ${SYNCENGINE_TEST_UNSET:-2m}
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state_dir", cfg.Storage.StateDir, "/srv/engines/alice"},
		{"token_file default", cfg.Account.TokenFile, "/srv/engines/alice/access-token"},
		{"key_file default", cfg.Storage.KeyFile, "/srv/engines/alice/store.key"},
		{"filter_file", cfg.Sync.FilterFile, "/srv/engines/alice/filter.jsonc"},
	}
	for _, test := range tests {
		if test.got != test.want {
			t.Errorf("%s = %q, want %q", test.name, test.got, test.want)
		}
	}

	// Durations are not path fields and are left alone.
	if cfg.Sync.MaxBackoff != "${SYNCENGINE_TEST_UNSET:-2m}" {
		t.Errorf("max_backoff = %q, want it unexpanded", cfg.Sync.MaxBackoff)
	}
}

func TestLoadFile_EnvironmentOverrides(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
homeserver:
  url: https://matrix.example.org
account:
  user_id: "@alice:example.org"
storage:
  state_dir: /var/lib/syncengine
`)
	t.Setenv("SYNCENGINE_HOMESERVER", "http://localhost:8008")
	t.Setenv("SYNCENGINE_STATE_DIR", "/tmp/override")
	t.Setenv("SYNCENGINE_METRICS_LISTEN", "127.0.0.1:9464")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Homeserver.URL != "http://localhost:8008" {
		t.Errorf("homeserver.url = %s, want the override", cfg.Homeserver.URL)
	}
	if cfg.Account.UserID != "@alice:example.org" {
		t.Errorf("account.user_id = %s, want the file value", cfg.Account.UserID)
	}
	if cfg.Storage.StateDir != "/tmp/override" {
		t.Errorf("storage.state_dir = %s, want the override", cfg.Storage.StateDir)
	}
	if cfg.Account.TokenFile != "/tmp/override/access-token" {
		t.Errorf("account.token_file = %s, want it under the overridden state dir", cfg.Account.TokenFile)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("metrics.listen = %s, want the override", cfg.Metrics.Listen)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile() of a missing file succeeded")
	}
	if _, err := LoadFile(writeConfig(t, "storage: [unclosed")); err == nil {
		t.Error("LoadFile() of malformed YAML succeeded")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Homeserver.URL = "https://matrix.example.org"
		cfg.Account.UserID = "@alice:example.org"
		cfg.expandVariables()
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() of a valid config failed: %v", err)
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"bad url scheme", func(c *Config) { c.Homeserver.URL = "ftp://matrix.example.org" }, "homeserver.url must be an http or https URL"},
		{"url without host", func(c *Config) { c.Homeserver.URL = "https://" }, "homeserver.url must be an http or https URL"},
		{"malformed user id", func(c *Config) { c.Account.UserID = "alice" }, "account.user_id must look like @user:server"},
		{"missing token file", func(c *Config) { c.Account.TokenFile = "" }, "account.token_file is required"},
		{"zero pool", func(c *Config) { c.Storage.PoolSize = 0 }, "storage.pool_size must be at least 1"},
		{"negative timeline limit", func(c *Config) { c.Storage.TimelineLimit = -1 }, "storage.timeline_limit must not be negative"},
		{"unknown compression", func(c *Config) { c.Storage.Compression = "lzma" }, "storage.compression must be one of"},
		{"encryption without key file", func(c *Config) {
			c.Storage.EncryptRecords = true
			c.Storage.KeyFile = ""
		}, "storage.key_file is required"},
		{"bad duration", func(c *Config) { c.Sync.Timeout = "soon" }, "sync.timeout"},
		{"zero backoff", func(c *Config) { c.Sync.MaxBackoff = "0s" }, "sync.max_backoff must be positive"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded")
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() = %q, want it to mention %q", err, test.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.StateDir = filepath.Join(t.TempDir(), "nested", "state")
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths() failed: %v", err)
	}
	info, err := os.Stat(cfg.Storage.StateDir)
	if err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("state dir mode = %o, want 700", perm)
	}
}

func TestLoadFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filter.jsonc")
	testutil.WriteFile(t, path, []byte(`{
  // Only what the engine stores.
  "room": {
    "timeline": {"limit": 20},
    /* left rooms come from RetrieveDepartedRooms */
    "include_leave": false,
  },
}
`))

	filter, err := LoadFilter(path)
	if err != nil {
		t.Fatalf("LoadFilter() failed: %v", err)
	}
	want := `{"room":{"timeline":{"limit":20},"include_leave":false}}`
	if filter != want {
		t.Errorf("LoadFilter() = %s, want %s", filter, want)
	}

	empty, err := LoadFilter("")
	if err != nil || empty != "" {
		t.Errorf("LoadFilter(\"\") = %q, %v", empty, err)
	}

	notObject := filepath.Join(dir, "list.json")
	testutil.WriteFile(t, notObject, []byte(`[1, 2]`))
	if _, err := LoadFilter(notObject); err == nil {
		t.Error("LoadFilter() accepted a JSON array")
	}
}
