package hooks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// HookCommand is the command registered in settings.json. Entries are
// recognised by this substring, so an absolute binary path still matches.
const HookCommand = "agent-monitor hook"

type settingsHook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type settingsMatcher struct {
	Matcher string         `json:"matcher,omitempty"`
	Hooks   []settingsHook `json:"hooks"`
}

// installedEvents are the Claude Code hook names we subscribe to.
var installedEvents = []string{
	"SessionStart",
	"UserPromptSubmit",
	"Stop",
	"Notification",
	"SessionEnd",
}

// ConfigDir resolves the Claude Code config directory: $CLAUDE_CONFIG_DIR
// or ~/.claude.
func ConfigDir() (string, error) {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("hooks: resolve home: %w", err)
	}
	return filepath.Join(home, ".claude"), nil
}

// Install adds command (HookCommand when empty) to every subscribed event
// in configDir/settings.json, keeping all other settings and hooks.
// It reports false when everything was already present.
func Install(configDir, command string) (bool, error) {
	if command == "" {
		command = HookCommand
	}
	settings, err := readSettings(configDir)
	if err != nil {
		return false, err
	}
	hooks := hooksSection(settings)
	if allInstalled(hooks) {
		return false, nil
	}
	for _, name := range installedEvents {
		hooks[name] = mergeEvent(hooks[name], command)
	}
	raw, err := json.Marshal(hooks)
	if err != nil {
		return false, fmt.Errorf("hooks: marshal: %w", err)
	}
	settings["hooks"] = raw
	if err := writeSettings(configDir, settings); err != nil {
		return false, err
	}
	hookLog.Info("hooks_installed", slog.String("config_dir", configDir))
	return true, nil
}

// Uninstall removes our entries. It reports false when none were found.
func Uninstall(configDir string) (bool, error) {
	settings, err := readSettings(configDir)
	if err != nil {
		return false, err
	}
	if _, ok := settings["hooks"]; !ok {
		return false, nil
	}
	hooks := hooksSection(settings)

	removed := false
	for name, raw := range hooks {
		cleaned, did := removeFromEvent(raw)
		if !did {
			continue
		}
		removed = true
		if cleaned == nil {
			delete(hooks, name)
		} else {
			hooks[name] = cleaned
		}
	}
	if !removed {
		return false, nil
	}

	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		raw, err := json.Marshal(hooks)
		if err != nil {
			return false, fmt.Errorf("hooks: marshal: %w", err)
		}
		settings["hooks"] = raw
	}
	if err := writeSettings(configDir, settings); err != nil {
		return false, err
	}
	hookLog.Info("hooks_removed", slog.String("config_dir", configDir))
	return true, nil
}

// Installed reports whether every subscribed event carries our command.
func Installed(configDir string) bool {
	data, err := os.ReadFile(filepath.Join(configDir, "settings.json"))
	if err != nil {
		return false
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(data, &settings); err != nil {
		return false
	}
	return allInstalled(hooksSection(settings))
}

func readSettings(configDir string) (map[string]json.RawMessage, error) {
	path := filepath.Join(configDir, "settings.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("hooks: read %s: %w", path, err)
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("hooks: parse %s: %w", path, err)
	}
	if settings == nil {
		settings = make(map[string]json.RawMessage)
	}
	return settings, nil
}

func writeSettings(configDir string, settings map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("hooks: marshal settings: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("hooks: create %s: %w", configDir, err)
	}
	path := filepath.Join(configDir, "settings.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("hooks: write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("hooks: rename settings: %w", err)
	}
	return nil
}

// hooksSection decodes settings["hooks"]; a malformed section is replaced.
func hooksSection(settings map[string]json.RawMessage) map[string]json.RawMessage {
	hooks := make(map[string]json.RawMessage)
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil || hooks == nil {
			hooks = make(map[string]json.RawMessage)
		}
	}
	return hooks
}

func allInstalled(hooks map[string]json.RawMessage) bool {
	for _, name := range installedEvents {
		if !hasOurHook(hooks[name]) {
			return false
		}
	}
	return true
}

func isOurs(h settingsHook) bool { return strings.Contains(h.Command, HookCommand) }

func hasOurHook(raw json.RawMessage) bool {
	var matchers []settingsMatcher
	if len(raw) == 0 || json.Unmarshal(raw, &matchers) != nil {
		return false
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if isOurs(h) {
				return true
			}
		}
	}
	return false
}

// mergeEvent appends our hook to the matcher-less block of an event,
// creating the block when needed.
func mergeEvent(existing json.RawMessage, command string) json.RawMessage {
	var matchers []settingsMatcher
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &matchers); err != nil {
			matchers = nil
		}
	}
	ours := settingsHook{Type: "command", Command: command, Timeout: 10}

	added := false
	for i, m := range matchers {
		if m.Matcher != "" {
			continue
		}
		for _, h := range m.Hooks {
			if isOurs(h) {
				added = true
			}
		}
		if !added {
			matchers[i].Hooks = append(matchers[i].Hooks, ours)
			added = true
		}
		break
	}
	if !added {
		matchers = append(matchers, settingsMatcher{Hooks: []settingsHook{ours}})
	}
	out, _ := json.Marshal(matchers)
	return out
}

// removeFromEvent drops our hooks, and any matcher left empty. A nil result
// means the event has nothing left.
func removeFromEvent(raw json.RawMessage) (json.RawMessage, bool) {
	var matchers []settingsMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return raw, false
	}
	removed := false
	var cleaned []settingsMatcher
	for _, m := range matchers {
		var keep []settingsHook
		for _, h := range m.Hooks {
			if isOurs(h) {
				removed = true
				continue
			}
			keep = append(keep, h)
		}
		if len(keep) > 0 {
			m.Hooks = keep
			cleaned = append(cleaned, m)
		}
	}
	if !removed {
		return raw, false
	}
	if len(cleaned) == 0 {
		return nil, true
	}
	out, _ := json.Marshal(cleaned)
	return out, true
}
