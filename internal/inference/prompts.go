package inference

import (
	"fmt"
	"strings"
)

var systemPrompts = map[Purpose]string{
	DetectState: "You read the tail of a terminal running an AI coding agent and " +
		"decide what the agent is doing. Reply with a JSON object only.",
	SummarizeCommand: "You summarise a developer's instruction to an AI coding agent " +
		"as a short imperative title. Reply with a JSON object only.",
	ClassifyResponse: "You classify what an AI coding agent is asking its user. " +
		"Reply with a JSON object only.",
	QuickPriority: "You estimate how urgently a finished or blocked coding task needs " +
		"the developer's attention. Reply with a JSON object only.",
	FullPriority: "You rank several concurrent coding tasks by how urgently each needs " +
		"the developer's attention. Reply with a JSON object only.",
}

// SystemPrompt returns the default system message for p.
func SystemPrompt(p Purpose) string { return systemPrompts[p] }

// BuildPrompt renders the default user message for p around input.
func BuildPrompt(p Purpose, input string) string {
	var b strings.Builder
	switch p {
	case DetectState:
		b.WriteString("Terminal output (most recent last):\n<<<\n")
		b.WriteString(input)
		b.WriteString("\n>>>\n")
		b.WriteString(`Answer {"state": one of "idle", "commanded", "processing", ` +
			`"awaiting_input", "complete", "confidence": 0..1, "reasoning": string}.`)
	case SummarizeCommand:
		fmt.Fprintf(&b, "Instruction:\n%s\n", input)
		b.WriteString(`Answer {"summary": string of at most 8 words}.`)
	case ClassifyResponse:
		fmt.Fprintf(&b, "Agent output:\n%s\n", input)
		b.WriteString(`Answer {"category": one of "permission", "clarification", ` +
			`"choice", "error", "other", "urgency": one of "low", "medium", "high", ` +
			`"summary": string}.`)
	case QuickPriority:
		fmt.Fprintf(&b, "Task:\n%s\n", input)
		b.WriteString(`Answer {"score": integer 0..100, "reason": string}.`)
	case FullPriority:
		fmt.Fprintf(&b, "Tasks, one per line as <agent_id>\t<state>\t<summary>:\n%s\n", input)
		b.WriteString(`Answer {"priorities": [{"agent_id": string, "score": integer 0..100, ` +
			`"reason": string}]}.`)
	default:
		b.WriteString(input)
	}
	return b.String()
}
