package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.GetListen())
	assert.Equal(t, "auto", cfg.Monitor.GetBackend())
	assert.Equal(t, DefaultSessionPrefix, cfg.Monitor.GetSessionPrefix())
	assert.Equal(t, DefaultPollInterval, cfg.Monitor.GetPollInterval())
	assert.Equal(t, DefaultHooksActivePollInterval, cfg.Monitor.GetHooksActivePollInterval())
	assert.Equal(t, DefaultHookSessionTimeout, cfg.Monitor.GetHookSessionTimeout())
	assert.Equal(t, DefaultCaptureLines, cfg.Monitor.GetCaptureLines())
	assert.True(t, cfg.Hooks.GetEnabled())
	assert.True(t, cfg.Notifications.GetEnabled())
	assert.Zero(t, cfg.Notifications.GetCooldown())
	assert.False(t, cfg.Inference.Enabled())
	assert.True(t, cfg.Logs.GetCompress())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = "0.0.0.0:9000"

[monitor]
backend = "WezTerm"
session_prefix = "agent-"
poll_interval = "500ms"
hooks_active_poll_interval = "bogus"

[hooks]
enabled = false

[inference]
api_key = "sk-test"

[inference.cache_ttl]
detect_state = "5s"

[notifications]
cooldown = "1m"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.GetListen())
	assert.Equal(t, "wezterm", cfg.Monitor.GetBackend())
	assert.Equal(t, "agent-", cfg.Monitor.GetSessionPrefix())
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.GetPollInterval())
	assert.Equal(t, DefaultHooksActivePollInterval, cfg.Monitor.GetHooksActivePollInterval(), "invalid duration falls back")
	assert.False(t, cfg.Hooks.GetEnabled())
	assert.True(t, cfg.Inference.Enabled())
	assert.Equal(t, 5*time.Second, cfg.Inference.GetCacheTTL("detect_state", time.Minute))
	assert.Equal(t, time.Minute, cfg.Inference.GetCacheTTL("quick_priority", time.Minute))
	assert.Equal(t, time.Minute, cfg.Notifications.GetCooldown())
}

func TestLoadParseErrorReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[server\nlisten ="), 0o600))

	cfg, err := Load(path)
	require.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultListen, cfg.Server.GetListen())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTMON_INFERENCE_API_KEY", "sk-env")
	t.Setenv("AGENTMON_LISTEN", "127.0.0.1:1")
	t.Setenv("AGENTMON_DB_PATH", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Inference.APIKey)
	assert.Equal(t, "127.0.0.1:1", cfg.Server.GetListen())
	assert.True(t, cfg.Storage.InMemory())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", FileName)
	in := &Config{Server: ServerSettings{Listen: "127.0.0.1:7000"}}
	require.NoError(t, Save(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", out.Server.GetListen())
}

func TestPathsResolveAgainstDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), DirName)

	assert.Equal(t, filepath.Join(dataDir, "state.db"), StorageSettings{}.GetDBPath(dataDir))
	assert.Equal(t, filepath.Join(dataDir, "x.db"), StorageSettings{DBPath: "x.db"}.GetDBPath(dataDir))
	assert.Equal(t, "/abs/x.db", StorageSettings{DBPath: "/abs/x.db"}.GetDBPath(dataDir))
	assert.Equal(t, filepath.Join(dataDir, "spool"), HookSettings{}.GetSpoolDir(dataDir))
	assert.Equal(t, "http://"+DefaultListen, HookSettings{}.GetServerURL(ServerSettings{}))
}

func TestDataDirEnv(t *testing.T) {
	t.Setenv("AGENTMON_DATA_DIR", "/tmp/agentmon-test")
	dir, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agentmon-test", dir)
}
