// Package hooks receives Claude Code lifecycle hooks, correlates them with
// monitored agents and feeds authoritative transitions to the monitor.
package hooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// EventType is the kebab-case hook name used in URLs and spool files.
type EventType string

const (
	EventSessionStart     EventType = "session-start"
	EventSessionEnd       EventType = "session-end"
	EventStop             EventType = "stop"
	EventUserPromptSubmit EventType = "user-prompt-submit"
	EventNotification     EventType = "notification"
)

// EventTypes lists the handled hooks.
var EventTypes = []EventType{
	EventSessionStart, EventSessionEnd, EventStop, EventUserPromptSubmit, EventNotification,
}

// Known reports whether the receiver acts on t.
func (t EventType) Known() bool {
	for _, k := range EventTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ParseEventType accepts both the URL form ("user-prompt-submit") and the
// hook_event_name Claude Code sends ("UserPromptSubmit").
func ParseEventType(name string) EventType {
	name = strings.TrimSpace(name)
	if strings.ContainsRune(name, '-') || strings.ToLower(name) == name {
		return EventType(strings.ToLower(name))
	}
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return EventType(b.String())
}

// Payload is the subset of the hook JSON the receiver reads. Unknown
// fields are ignored.
type Payload struct {
	SessionID        string `json:"session_id"`
	CWD              string `json:"cwd,omitempty"`
	HookEventName    string `json:"hook_event_name,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	Message          string `json:"message,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
}

// Event is one hook delivery.
type Event struct {
	Type EventType
	Payload
}

// DecodeEvent parses a hook body. name comes from the URL; when empty the
// payload's hook_event_name is used.
func DecodeEvent(name string, body []byte) (Event, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("hooks: decode payload: %w", err)
	}
	if name == "" {
		name = p.HookEventName
	}
	if name == "" {
		return Event{}, fmt.Errorf("hooks: missing event name")
	}
	return Event{Type: ParseEventType(name), Payload: p}, nil
}

// Response is what every hook delivery gets back, always with HTTP 200.
type Response struct {
	Status   string `json:"status"`
	AgentID  string `json:"agent_id,omitempty"`
	State    string `json:"state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// Response statuses.
const (
	StatusOK      = "ok"
	StatusIgnored = "ignored"
	StatusError   = "error"
)
