package interpreter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-monitor/internal/inference"
	"github.com/asheshgoplani/agent-monitor/internal/statemachine"
)

type fakeLLM struct {
	data  map[string]any
	err   error
	calls int
	input string
}

func (f *fakeLLM) Call(_ context.Context, req inference.Request) (*inference.Result, error) {
	f.calls++
	f.input = req.Input
	if req.Purpose != inference.DetectState {
		return nil, inference.ErrUnknownPurpose
	}
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Result{Data: f.data}, nil
}

func TestRegexFastPath(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    statemachine.State
		conf    float64
	}{
		{"braille spinner", "Reading files\n⠹ Thinking", statemachine.Processing, 0.9},
		{"asterisk spinner", "✢ Hullaballooing… (53s · ↓ 749 tokens)", statemachine.Processing, 0.9},
		{"esc hint", "working (esc to interrupt)", statemachine.Processing, 0.9},
		{"ctrl+c hint", "12s · ctrl+c to interrupt", statemachine.Processing, 0.9},
		{"running", "Running: go test ./...\nok", statemachine.Processing, 0.9},
		{"executing", "Executing: npm ci", statemachine.Processing, 0.9},
		{"trailing question", "I found two candidates.\nWhich one should I keep?", statemachine.AwaitingInput, 0.85},
		{"do you want", "│ Do you want to make this edit to main.go?\n│ ❯ 1. Yes\n│   2. No", statemachine.AwaitingInput, 0.85},
		{"yes no bracket", "Overwrite existing file [y/n]", statemachine.AwaitingInput, 0.85},
		{"yes no paren", "Continue with migration (yes/no)", statemachine.AwaitingInput, 0.85},
		{"checkmark duration", "All tests pass\n✓ Done in 4.2s", statemachine.Complete, 0.9},
		{"completed in", "Build finished. Completed in 12 steps", statemachine.Complete, 0.9},
	}
	llm := &fakeLLM{}
	in := New(llm)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := in.Interpret(context.Background(), tt.content)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, tt.conf, got.Confidence)
			assert.Equal(t, MethodRegex, got.Method)
		})
	}
	assert.Zero(t, llm.calls)
}

func TestEmptyContentIsIdle(t *testing.T) {
	llm := &fakeLLM{}
	in := New(llm)
	for _, content := range []string{"", "   \n\t\n", "\x1b[2J\x1b[H"} {
		got := in.Interpret(context.Background(), content)
		assert.Equal(t, Result{State: statemachine.Idle, Confidence: 0.5, Method: MethodRegex}, got)
	}
	assert.Zero(t, llm.calls)
}

func TestSpinnerBeatsQuestion(t *testing.T) {
	content := "⠋ Compiling\nShould I also update the docs?"
	got := New(nil).Interpret(context.Background(), content)
	assert.Equal(t, statemachine.Processing, got.State)
	assert.Equal(t, MethodRegex, got.Method)
}

func TestQuestionOnlyInTail(t *testing.T) {
	// The question scrolled out of the last 200 characters.
	content := "Do you want to proceed?\n" + strings.Repeat("output line without markers\n", 20)
	llm := &fakeLLM{data: map[string]any{"state": "idle", "confidence": 0.7}}
	got := New(llm).Interpret(context.Background(), content)
	assert.Equal(t, MethodLLM, got.Method)
	assert.Equal(t, 1, llm.calls)
}

func TestANSIStrippedBeforeMatching(t *testing.T) {
	got := New(nil).Interpret(context.Background(), "\x1b[1mProceed?\x1b[0m\n")
	assert.Equal(t, statemachine.AwaitingInput, got.State)
}

func TestLLMFallback(t *testing.T) {
	long := strings.Repeat("x", 5000)

	t.Run("maps state case-insensitively", func(t *testing.T) {
		llm := &fakeLLM{data: map[string]any{"state": "AWAITING_INPUT", "confidence": 0.66, "reasoning": "menu"}}
		got := New(llm).Interpret(context.Background(), long)
		assert.Equal(t, Result{State: statemachine.AwaitingInput, Confidence: 0.66, Method: MethodLLM}, got)
		assert.Equal(t, LLMChars, len([]rune(llm.input)))
	})

	t.Run("unknown state degrades", func(t *testing.T) {
		llm := &fakeLLM{data: map[string]any{"state": "thinking", "confidence": 0.9}}
		got := New(llm).Interpret(context.Background(), long)
		assert.Equal(t, Result{State: statemachine.Idle, Confidence: 0.3, Method: MethodLLM}, got)
	})

	t.Run("padded state degrades", func(t *testing.T) {
		llm := &fakeLLM{data: map[string]any{"state": " processing ", "confidence": 0.9}}
		got := New(llm).Interpret(context.Background(), long)
		assert.Equal(t, Result{State: statemachine.Idle, Confidence: 0.3, Method: MethodLLM}, got)
	})

	t.Run("error degrades", func(t *testing.T) {
		llm := &fakeLLM{err: errors.New("timeout")}
		got := New(llm).Interpret(context.Background(), long)
		assert.Equal(t, Result{State: statemachine.Idle, Confidence: 0.3, Method: MethodLLM}, got)
	})

	t.Run("disabled degrades", func(t *testing.T) {
		got := New(nil).Interpret(context.Background(), "plain shell output")
		assert.Equal(t, Result{State: statemachine.Idle, Confidence: 0.3, Method: MethodLLM}, got)
	})

	t.Run("confidence clamped", func(t *testing.T) {
		llm := &fakeLLM{data: map[string]any{"state": "complete", "confidence": 3}}
		got := New(llm).Interpret(context.Background(), long)
		require.Equal(t, statemachine.Complete, got.State)
		assert.Equal(t, 1.0, got.Confidence)
	})
}
