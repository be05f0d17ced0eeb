// Package interpreter turns captured pane text into a task state: a regex
// fast path for the screens Claude Code renders unambiguously, and an LLM
// fallback for everything else.
package interpreter

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
	"github.com/asheshgoplani/agent-monitor/internal/terminal"
)

var interpLog = logging.ForComponent(logging.CompInterp)

// Method records which path produced a Result.
type Method string

const (
	MethodRegex Method = "regex"
	MethodLLM   Method = "llm"
)

const (
	// TailChars bounds the question and completion checks.
	TailChars = 200
	// LLMChars bounds the text sent to the model.
	LLMChars = 2000
)

// Result is one classification.
type Result struct {
	State      statemachine.State
	Confidence float64
	Method     Method
}

var (
	processingMarkers = []string{
		"esc to interrupt",
		"ctrl+c to interrupt",
		"Running:",
		"Executing:",
	}

	// Permission dialogs render their question above the options, so the
	// options are what sits in the tail.
	permissionMarkers = []string{
		"Do you want to",
		"Should I",
		"No, and tell Claude what to do differently",
		"Yes, allow once",
		"Allow always",
		"Do you trust the files in this folder?",
	}

	questionPattern   = regexp.MustCompile(`(?m)\?[ \t]*$`)
	yesNoPattern      = regexp.MustCompile(`(?i)\[y/n\]|\(yes/no\)`)
	checkmarkDuration = regexp.MustCompile(`[✓✔✅][^\n]*?\b\d+(?:\.\d+)?\s*(?:ms|s|sec|secs|seconds?|m|min|mins|minutes?|h)\b`)
	completedIn       = regexp.MustCompile(`(?i)\bcompleted in \d`)
)

// Interpreter classifies pane text. It is safe for concurrent use.
type Interpreter struct {
	llm inference.Service
}

// New returns an Interpreter. A nil service behaves like inference.Disabled.
func New(llm inference.Service) *Interpreter {
	if llm == nil {
		llm = inference.Disabled{}
	}
	return &Interpreter{llm: llm}
}

// Interpret never fails: when the model is unavailable or answers with
// something unusable the result is a low-confidence idle.
func (in *Interpreter) Interpret(ctx context.Context, content string) Result {
	content = terminal.StripANSI(content)
	if strings.TrimSpace(content) == "" {
		return Result{State: statemachine.Idle, Confidence: 0.5, Method: MethodRegex}
	}
	if r, ok := MatchRegex(content); ok {
		return r
	}
	return in.askModel(ctx, terminal.Tail(content, LLMChars))
}

// MatchRegex runs only the fast path. Order matters: a live spinner wins
// over a question left in scrollback.
func MatchRegex(content string) (Result, bool) {
	if isProcessing(content) {
		return Result{State: statemachine.Processing, Confidence: 0.9, Method: MethodRegex}, true
	}
	tail := strings.TrimRight(terminal.Tail(strings.TrimRight(content, " \t\r\n"), TailChars), " \t\r\n")
	if isQuestion(tail) {
		return Result{State: statemachine.AwaitingInput, Confidence: 0.85, Method: MethodRegex}, true
	}
	if checkmarkDuration.MatchString(tail) || completedIn.MatchString(tail) {
		return Result{State: statemachine.Complete, Confidence: 0.9, Method: MethodRegex}, true
	}
	return Result{}, false
}

func isProcessing(content string) bool {
	if strings.ContainsAny(content, terminal.SpinnerGlyphs) {
		return true
	}
	for _, m := range processingMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}

func isQuestion(tail string) bool {
	if questionPattern.MatchString(tail) || yesNoPattern.MatchString(tail) {
		return true
	}
	for _, m := range permissionMarkers {
		if strings.Contains(tail, m) {
			return true
		}
	}
	return false
}

func (in *Interpreter) askModel(ctx context.Context, content string) Result {
	fallback := Result{State: statemachine.Idle, Confidence: 0.3, Method: MethodLLM}

	res, err := in.llm.Call(ctx, inference.Request{
		Purpose:  inference.DetectState,
		Input:    content,
		UseCache: true,
	})
	if err != nil {
		if !errors.Is(err, inference.ErrDisabled) {
			interpLog.Debug("detect_state_failed", slog.String("error", err.Error()))
		}
		return fallback
	}

	raw := res.String("state")
	state, ok := statemachine.ParseState(raw)
	if !ok {
		interpLog.Debug("detect_state_unknown", slog.String("state", raw))
		return fallback
	}
	conf, ok := res.Float("confidence")
	if !ok {
		conf = 0.5
	}
	return Result{State: state, Confidence: clamp(conf), Method: MethodLLM}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
