package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

const (
	// DirName is the per-user data directory under $HOME.
	DirName = ".agent-monitor"

	// FileName is the config file inside DirName.
	FileName = "config.toml"

	envNamespace = "AGENTMON"
)

// Config is the decoded config.toml. Zero values mean "use the default";
// read settings through the Get* accessors.
type Config struct {
	Server        ServerSettings       `toml:"server"`
	Monitor       MonitorSettings      `toml:"monitor"`
	Hooks         HookSettings         `toml:"hooks"`
	Inference     InferenceSettings    `toml:"inference"`
	Notifications NotificationSettings `toml:"notifications"`
	Logs          LogSettings          `toml:"logs"`
	Storage       StorageSettings      `toml:"storage"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	// Listen is host:port (default: 127.0.0.1:8420)
	Listen string `toml:"listen"`

	// Token, when set, is required as a bearer token on /api routes.
	// Hook routes stay open so local hook commands need no credentials.
	Token string `toml:"token"`

	// CORSOrigins lists allowed browser origins (default: none)
	CORSOrigins []string `toml:"cors_origins"`
}

// MonitorSettings configures discovery and the poll loop.
type MonitorSettings struct {
	// Backend is "tmux", "wezterm" or "auto" (default: auto)
	Backend string `toml:"backend"`

	// SessionPrefix marks a terminal session as a coding-agent session
	// (default: claude-)
	SessionPrefix string `toml:"session_prefix"`

	// PollInterval is the cadence while no hooks are arriving (default: 2s)
	PollInterval string `toml:"poll_interval"`

	// HooksActivePollInterval is the reduced cadence while hooks are live
	// (default: 60s)
	HooksActivePollInterval string `toml:"hooks_active_poll_interval"`

	// HookSessionTimeout is how long after the last hook event hooks are
	// still considered live (default: 300s)
	HookSessionTimeout string `toml:"hook_session_timeout"`

	// CaptureLines is how many scrollback lines are captured (default: 200)
	CaptureLines int `toml:"capture_lines"`

	// SideEffectTimeout bounds each post-transition inference call
	// (default: 15s)
	SideEffectTimeout string `toml:"side_effect_timeout"`
}

// HookSettings configures the webhook receiver.
type HookSettings struct {
	// Enabled accepts hook events (default: true)
	Enabled *bool `toml:"enabled"`

	// SpoolDir receives events written by the hook command when the server
	// was unreachable (default: ~/.agent-monitor/spool)
	SpoolDir string `toml:"spool_dir"`

	// ServerURL is where the hook command posts events
	// (default: http://<server.listen>)
	ServerURL string `toml:"server_url"`
}

// InferenceSettings configures the OpenAI-compatible LLM endpoint.
type InferenceSettings struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`

	// Timeout per call (default: 20s)
	Timeout string `toml:"timeout"`

	// RateLimit is calls per second (default: 2), Burst the bucket size
	// (default: 4)
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`

	// CacheSize is the number of cached results (default: 512)
	CacheSize int `toml:"cache_size"`

	// CacheTTL overrides the per-purpose cache TTL, e.g.
	// detect_state = "30s".
	CacheTTL map[string]string `toml:"cache_ttl"`
}

// NotificationSettings configures attention notifications.
type NotificationSettings struct {
	// Enabled sends notifications (default: true)
	Enabled *bool `toml:"enabled"`

	// Cooldown suppresses repeats for the same task and kind (default: 0, off)
	Cooldown string `toml:"cooldown"`

	// Push enables Web Push delivery (default: false)
	Push bool `toml:"push"`

	// VAPIDSubject is the contact URI sent to push services
	// (default: mailto:agent-monitor@localhost)
	VAPIDSubject string `toml:"vapid_subject"`
}

// LogSettings configures the rotating log file.
type LogSettings struct {
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	MaxBackups    int    `toml:"max_backups"`
	RetentionDays int    `toml:"retention_days"`
	Compress      *bool  `toml:"compress"`
	PprofAddr     string `toml:"pprof_addr"`
}

// StorageSettings configures persistence.
type StorageSettings struct {
	// DBPath is the SQLite file (default: ~/.agent-monitor/state.db).
	// "memory" keeps everything in process.
	DBPath string `toml:"db_path"`
}

// Overrides are environment variables applied on top of the file, e.g.
// AGENTMON_INFERENCE_API_KEY.
type Overrides struct {
	Listen          string `envconfig:"LISTEN"`
	Token           string `envconfig:"TOKEN"`
	Backend         string `envconfig:"BACKEND"`
	SessionPrefix   string `envconfig:"SESSION_PREFIX"`
	InferenceURL    string `envconfig:"INFERENCE_BASE_URL"`
	InferenceAPIKey string `envconfig:"INFERENCE_API_KEY"`
	InferenceModel  string `envconfig:"INFERENCE_MODEL"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	DBPath          string `envconfig:"DB_PATH"`
	DataDir         string `envconfig:"DATA_DIR"`
}

// DataDir returns the per-user data directory, honouring
// AGENTMON_DATA_DIR.
func DataDir() (string, error) {
	if dir := os.Getenv(envNamespace + "_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath is DataDir()/config.toml.
func DefaultPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load decodes path, then applies environment overrides. A missing file
// yields an empty Config (all defaults). A parse error also yields defaults,
// along with the error so the caller can report it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	var fileErr error
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				cfg = &Config{}
			} else {
				cfg = &Config{}
				fileErr = fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, errors.Join(fileErr, err)
	}
	return cfg, fileErr
}

// ApplyEnv overlays AGENTMON_* variables onto cfg.
func (c *Config) ApplyEnv() error {
	var o Overrides
	if err := envconfig.Process(envNamespace, &o); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.Listen, o.Listen)
	set(&c.Server.Token, o.Token)
	set(&c.Monitor.Backend, o.Backend)
	set(&c.Monitor.SessionPrefix, o.SessionPrefix)
	set(&c.Inference.BaseURL, o.InferenceURL)
	set(&c.Inference.APIKey, o.InferenceAPIKey)
	set(&c.Inference.Model, o.InferenceModel)
	set(&c.Logs.Level, o.LogLevel)
	set(&c.Storage.DBPath, o.DBPath)
	return nil
}

// Save writes cfg to path atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("# agent-monitor configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
