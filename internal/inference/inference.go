// Package inference is the LLM boundary: one Call per purpose, returning a
// decoded JSON object.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Purpose selects the prompt, cache TTL and expected result shape.
type Purpose string

const (
	DetectState      Purpose = "detect_state"
	SummarizeCommand Purpose = "summarize_command"
	ClassifyResponse Purpose = "classify_response"
	QuickPriority    Purpose = "quick_priority"
	FullPriority     Purpose = "full_priority"
)

// Purposes lists every accepted purpose.
var Purposes = []Purpose{DetectState, SummarizeCommand, ClassifyResponse, QuickPriority, FullPriority}

func (p Purpose) Valid() bool {
	for _, v := range Purposes {
		if v == p {
			return true
		}
	}
	return false
}

var (
	// ErrDisabled is returned when no endpoint is configured.
	ErrDisabled = errors.New("inference: disabled")

	ErrUnknownPurpose = errors.New("inference: unknown purpose")

	// ErrBadResponse means the model answered with something that is not a
	// JSON object, even after repair.
	ErrBadResponse = errors.New("inference: malformed response")
)

// Request is one inference call. When Prompt is empty it is built from
// Input with the purpose's default template.
type Request struct {
	Purpose  Purpose
	Input    string
	System   string
	Prompt   string
	UseCache bool
}

// Result carries the decoded object returned by the model.
type Result struct {
	Data    map[string]any
	Cached  bool
	Latency time.Duration
	Model   string
}

// String returns Data[key] as a trimmed string, or "".
func (r *Result) String(key string) string {
	if r == nil {
		return ""
	}
	switch v := r.Data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float returns Data[key] as a number. Numeric strings are accepted.
func (r *Result) Float(key string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	switch v := r.Data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Int rounds Float to the nearest integer.
func (r *Result) Int(key string) (int, bool) {
	f, ok := r.Float(key)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

// Service is implemented by Client and Disabled.
type Service interface {
	Call(ctx context.Context, req Request) (*Result, error)
}

// Disabled rejects every call. It is used when no API key is configured.
type Disabled struct{}

func (Disabled) Call(_ context.Context, req Request) (*Result, error) {
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, req.Purpose)
	}
	return nil, ErrDisabled
}
