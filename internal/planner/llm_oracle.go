package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/airlock/internal/models"
	"github.com/fentz26/airlock/internal/providers/llm"
)

// LLMOracle drafts plans with a language model. The model is asked for a
// JSON object; fenced output, bare step arrays and objects wrapped in prose
// are all accepted.
type LLMOracle struct {
	Client llm.Client
	// MaxHistory caps how many history messages go into the prompt.
	MaxHistory int
}

func (o *LLMOracle) Name() string { return "llm:" + o.Client.Name() }

type llmPlan struct {
	Intent string               `json:"intent"`
	Answer string               `json:"answer"`
	Steps  []models.PlannedStep `json:"steps"`
}

// Draft implements Oracle. Every chunk the model streams is forwarded to
// sink as it arrives.
func (o *LLMOracle) Draft(ctx context.Context, req Request, sink TokenSink) (*Draft, error) {
	prompt := o.prompt(req)

	var raw strings.Builder
	err := o.Client.GenerateTextStream(ctx, prompt, func(chunk string) error {
		raw.WriteString(chunk)
		emit(sink, chunk)
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Client.Name(), err)
	}

	parsed, err := parsePlan(raw.String())
	if err != nil {
		return nil, err
	}
	d := &Draft{
		Intent:     models.IntentCommand,
		Answer:     strings.TrimSpace(parsed.Answer),
		Steps:      parsed.Steps,
		TokensUsed: llm.EstimateTokens(prompt) + llm.EstimateTokens(raw.String()),
	}
	if strings.EqualFold(parsed.Intent, string(models.IntentQuestion)) {
		d.Intent = models.IntentQuestion
		d.Steps = nil
	}
	return d, nil
}

func (o *LLMOracle) prompt(req Request) string {
	var b strings.Builder
	b.WriteString(`You plan file and tool operations for a local workspace.
Reply with ONLY a JSON object, no prose:
{"intent": "command" | "question", "answer": "<only for questions>", "steps": [<step>, ...]}

If the user only asks a question, set intent to "question", answer it and return no steps.
Otherwise return the ordered steps. Paths are relative to the workspace.

Step types and their fields:
- {"type":"createFile","path":"...","content":"..."}
- {"type":"modifyFile","path":"...","content":"<full new content>"}
- {"type":"moveFile","source":"...","destination":"..."}
- {"type":"deleteFile","path":"..."}
- {"type":"organizeFolder","path":"...","strategy":"extension"|"type"|"date"|"size"}
- {"type":"batchRename","path":"<folder>","files":["..."],"pattern":"<uses {name}, {ext}, {n}, {n:3}>"}
- {"type":"analyzeContent","path":"...","files":["..."]}
- {"type":"runCommand","command":"...","args":["..."]}
- {"type":"fetchUrl","url":"https://..."}
Every step also has a short "description".
`)
	fmt.Fprintf(&b, "\nWorkspace: %s\n", req.Workspace)

	history := req.History
	limit := o.MaxHistory
	if limit <= 0 {
		limit = 10
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	fmt.Fprintf(&b, "\nInstruction: %s\n", req.Instruction)
	return b.String()
}

// parsePlan extracts a plan from model output.
func parsePlan(raw string) (*llmPlan, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, errors.New("model returned no plan")
	}

	var plan llmPlan
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &plan); err == nil {
			return &plan, nil
		}
	}
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &plan.Steps); err == nil {
			return &plan, nil
		}
	}
	if obj := extractJSON(text, '{', '}'); obj != "" {
		if err := json.Unmarshal([]byte(obj), &plan); err == nil && (len(plan.Steps) > 0 || plan.Intent != "") {
			return &plan, nil
		}
	}
	if arr := extractJSON(text, '[', ']'); arr != "" {
		plan = llmPlan{}
		if err := json.Unmarshal([]byte(arr), &plan.Steps); err == nil {
			return &plan, nil
		}
	}
	return nil, fmt.Errorf("model output is not a plan: %.200q", text)
}

func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if i := strings.IndexByte(t, '\n'); i != -1 {
			t = t[i+1:]
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
	}
	return strings.TrimSpace(t)
}

// extractJSON returns the first balanced open..close run in s, skipping
// brackets inside string literals.
func extractJSON(s string, openCh, closeCh byte) string {
	start := strings.IndexByte(s, openCh)
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == openCh:
			depth++
		case c == closeCh:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
