package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultListen                  = "127.0.0.1:8420"
	DefaultSessionPrefix           = "claude-"
	DefaultPollInterval            = 2 * time.Second
	DefaultHooksActivePollInterval = 60 * time.Second
	DefaultHookSessionTimeout      = 300 * time.Second
	DefaultCaptureLines            = 200
	DefaultSideEffectTimeout       = 15 * time.Second
	DefaultInferenceTimeout        = 20 * time.Second
	DefaultNotifyCooldown          = time.Duration(0)
)

func (s ServerSettings) GetListen() string {
	if s.Listen == "" {
		return DefaultListen
	}
	return s.Listen
}

func (s MonitorSettings) GetBackend() string {
	switch b := strings.ToLower(strings.TrimSpace(s.Backend)); b {
	case "tmux", "wezterm":
		return b
	default:
		return "auto"
	}
}

func (s MonitorSettings) GetSessionPrefix() string {
	if s.SessionPrefix == "" {
		return DefaultSessionPrefix
	}
	return s.SessionPrefix
}

func (s MonitorSettings) GetPollInterval() time.Duration {
	return parseDuration(s.PollInterval, DefaultPollInterval)
}

func (s MonitorSettings) GetHooksActivePollInterval() time.Duration {
	return parseDuration(s.HooksActivePollInterval, DefaultHooksActivePollInterval)
}

func (s MonitorSettings) GetHookSessionTimeout() time.Duration {
	return parseDuration(s.HookSessionTimeout, DefaultHookSessionTimeout)
}

func (s MonitorSettings) GetCaptureLines() int {
	if s.CaptureLines <= 0 {
		return DefaultCaptureLines
	}
	return s.CaptureLines
}

func (s MonitorSettings) GetSideEffectTimeout() time.Duration {
	return parseDuration(s.SideEffectTimeout, DefaultSideEffectTimeout)
}

// GetEnabled defaults to true.
func (s HookSettings) GetEnabled() bool {
	return boolOr(s.Enabled, true)
}

// GetSpoolDir resolves the spool directory relative to dataDir.
func (s HookSettings) GetSpoolDir(dataDir string) string {
	if s.SpoolDir != "" {
		return expandHome(s.SpoolDir, dataDir)
	}
	return filepath.Join(dataDir, "spool")
}

// GetServerURL is the base URL the hook command posts to.
func (s HookSettings) GetServerURL(server ServerSettings) string {
	if s.ServerURL != "" {
		return strings.TrimRight(s.ServerURL, "/")
	}
	return "http://" + server.GetListen()
}

// Enabled reports whether an API key is configured; without one the
// inference layer is disabled and the interpreter runs regex-only.
func (s InferenceSettings) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

func (s InferenceSettings) GetBaseURL() string {
	if s.BaseURL == "" {
		return "https://openrouter.ai/api/v1"
	}
	return strings.TrimRight(s.BaseURL, "/")
}

func (s InferenceSettings) GetModel() string {
	if s.Model == "" {
		return "anthropic/claude-3.5-haiku"
	}
	return s.Model
}

func (s InferenceSettings) GetTimeout() time.Duration {
	return parseDuration(s.Timeout, DefaultInferenceTimeout)
}

func (s InferenceSettings) GetRateLimit() float64 {
	if s.RateLimit <= 0 {
		return 2
	}
	return s.RateLimit
}

func (s InferenceSettings) GetBurst() int {
	if s.Burst <= 0 {
		return 4
	}
	return s.Burst
}

func (s InferenceSettings) GetCacheSize() int {
	if s.CacheSize <= 0 {
		return 512
	}
	return s.CacheSize
}

// GetCacheTTL returns the configured TTL for purpose, or def.
func (s InferenceSettings) GetCacheTTL(purpose string, def time.Duration) time.Duration {
	return parseDuration(s.CacheTTL[purpose], def)
}

// GetEnabled defaults to true.
func (s NotificationSettings) GetEnabled() bool {
	return boolOr(s.Enabled, true)
}

func (s NotificationSettings) GetCooldown() time.Duration {
	return parseDuration(s.Cooldown, DefaultNotifyCooldown)
}

func (s NotificationSettings) GetVAPIDSubject() string {
	if s.VAPIDSubject == "" {
		return "mailto:agent-monitor@localhost"
	}
	return s.VAPIDSubject
}

func (s LogSettings) GetLevel() string {
	if s.Level == "" {
		return "info"
	}
	return s.Level
}

func (s LogSettings) GetMaxSizeMB() int {
	if s.MaxSizeMB <= 0 {
		return 10
	}
	return s.MaxSizeMB
}

func (s LogSettings) GetMaxBackups() int {
	if s.MaxBackups <= 0 {
		return 5
	}
	return s.MaxBackups
}

func (s LogSettings) GetRetentionDays() int {
	if s.RetentionDays <= 0 {
		return 10
	}
	return s.RetentionDays
}

// GetCompress defaults to true.
func (s LogSettings) GetCompress() bool {
	return boolOr(s.Compress, true)
}

// InMemory reports whether persistence is switched off.
func (s StorageSettings) InMemory() bool {
	return strings.EqualFold(strings.TrimSpace(s.DBPath), "memory")
}

func (s StorageSettings) GetDBPath(dataDir string) string {
	if s.DBPath == "" {
		return filepath.Join(dataDir, "state.db")
	}
	return expandHome(s.DBPath, dataDir)
}

// expandHome resolves a leading "~/" against $HOME and a relative path
// against dataDir.
func expandHome(p, dataDir string) string {
	switch {
	case strings.HasPrefix(p, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			home = filepath.Dir(dataDir)
		}
		return filepath.Join(home, p[2:])
	case filepath.IsAbs(p):
		return p
	default:
		return filepath.Join(dataDir, p)
	}
}
