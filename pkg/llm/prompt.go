package llm

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/entrhq/stitch/pkg/artifact"
	"github.com/entrhq/stitch/pkg/session"
)

const (
	// DefaultPromptBudget bounds the evidence portion of a prompt in tokens.
	// The DOM snapshot and console stream are truncated to fit; instructions,
	// todos and code are never cut.
	DefaultPromptBudget = 24000

	consoleTail = 40
)

// PromptBuilder renders requests into chat prompts, holding evidence inside
// a token budget.
type PromptBuilder struct {
	budget  int
	encoder *tiktoken.Tiktoken
}

// NewPromptBuilder creates a builder whose truncation counts tokens with the
// given model's encoding, falling back to cl100k_base for unknown models.
func NewPromptBuilder(model string, budget int) *PromptBuilder {
	if budget <= 0 {
		budget = DefaultPromptBudget
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	}
	return &PromptBuilder{budget: budget, encoder: enc}
}

// tokens counts tokens in text, falling back to a byte heuristic when no
// encoder is available.
func (b *PromptBuilder) tokens(text string) int {
	if b.encoder == nil {
		return len(text) / 4
	}
	return len(b.encoder.Encode(text, nil, nil))
}

// truncateToTokens cuts text to at most n tokens, marking the cut.
func (b *PromptBuilder) truncateToTokens(text string, n int) string {
	if b.tokens(text) <= n {
		return text
	}
	if b.encoder == nil {
		if len(text) > n*4 {
			text = text[:n*4]
		}
		return text + "\n[truncated]"
	}
	ids := b.encoder.Encode(text, nil, nil)
	return b.encoder.Decode(ids[:n]) + "\n[truncated]"
}

// ProposalSystemPrompt instructs the backend on the script dialect and the
// response format Propose expects back.
const ProposalSystemPrompt = `You write and repair end-to-end browser test scripts.

Scripts are line-oriented, one statement per line:
  navigate <url>
  fill <selector> <value>
  click <selector>
  wait <selector> [visible|hidden|attached|detached]
  expect_text <selector> "<text>"
  expect_visible <selector>
  sleep <duration>

Use {{target_url}} for the application base URL and {{secret:KEY}} for
credentials. Never inline real credential values.

Respond with the complete script in a single fenced code block. Do not
repeat or restate passing steps in prose. If you are missing information
only the user can provide, respond instead with a single line:
QUESTION: <what you need to know>`

// JudgeSystemPrompt instructs the backend on the verdict format Judge
// expects back.
const JudgeSystemPrompt = `You evaluate whether one objective of a browser test is satisfied
by the evidence from its latest run.

Respond with exactly these lines:
VERDICT: met | unmet | needs-human
REASON: <one or two sentences>
QUESTION: <only when the verdict is needs-human>`

// BuildProposalPrompt renders the user message for a proposal request.
func (b *PromptBuilder) BuildProposalPrompt(req ProposalRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Test instructions:\n%s\n\n", strings.TrimSpace(req.Instructions))
	writeTodos(&sb, req.Todos)
	writeDocstring(&sb, req.Docstring)

	if req.CurrentCode != "" {
		fmt.Fprintf(&sb, "Current script:\n```\n%s\n```\n\n", strings.TrimSpace(req.CurrentCode))
	} else {
		sb.WriteString("There is no script yet. Write the first version.\n\n")
	}

	if req.Analysis != "" {
		fmt.Fprintf(&sb, "Analysis of the latest run: %s\n\n", req.Analysis)
	}

	if req.RejectionReason != "" {
		fmt.Fprintf(&sb, "Your previous proposal was rejected: %s\n", req.RejectionReason)
		sb.WriteString("Completed objectives are locked; extend the script without rewriting their steps.\n\n")
	}

	b.writeBundle(&sb, req.Bundle)
	return sb.String()
}

// BuildJudgePrompt renders the user message for a judgment request.
func (b *PromptBuilder) BuildJudgePrompt(req JudgeRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Test instructions:\n%s\n\n", strings.TrimSpace(req.Instructions))
	fmt.Fprintf(&sb, "Objective under evaluation: %s\n\n", req.Todo.Description)
	writeDocstring(&sb, req.Docstring)

	if req.Code != "" {
		fmt.Fprintf(&sb, "Script that ran:\n```\n%s\n```\n\n", strings.TrimSpace(req.Code))
	}

	b.writeBundle(&sb, req.Bundle)
	return sb.String()
}

func writeTodos(sb *strings.Builder, todos []session.TodoItem) {
	if len(todos) == 0 {
		return
	}
	sb.WriteString("Objectives:\n")
	for _, todo := range todos {
		fmt.Fprintf(sb, "- [%s] %s\n", todo.Status, todo.Description)
	}
	sb.WriteString("\n")
}

func writeDocstring(sb *strings.Builder, qas []session.QA) {
	if len(qas) == 0 {
		return
	}
	sb.WriteString("Answers the user already provided:\n")
	for _, qa := range qas {
		fmt.Fprintf(sb, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
	}
	sb.WriteString("\n")
}

// writeBundle renders the run evidence, spending the token budget on status
// and timeline first, then console, then the DOM snapshot.
func (b *PromptBuilder) writeBundle(sb *strings.Builder, bundle *artifact.Bundle) {
	if bundle == nil {
		return
	}

	fmt.Fprintf(sb, "Latest run: %s", bundle.Status)
	if bundle.Failure != "" {
		fmt.Fprintf(sb, " (%s)", bundle.Failure)
	}
	sb.WriteString("\n\n")

	if len(bundle.Events) > 0 {
		sb.WriteString("Timeline:\n")
		for _, ev := range bundle.Events {
			fmt.Fprintf(sb, "%8s  %s  %s\n", ev.Time.Round(0), ev.Kind, payloadLine(ev.Payload))
		}
		sb.WriteString("\n")
	}

	remaining := b.budget - b.tokens(sb.String())
	if remaining <= 0 {
		return
	}

	if len(bundle.Console) > 0 {
		logs := bundle.Console
		if len(logs) > consoleTail {
			logs = logs[len(logs)-consoleTail:]
		}
		console := b.truncateToTokens(strings.Join(logs, "\n"), remaining/3)
		fmt.Fprintf(sb, "Console:\n%s\n\n", console)
		remaining = b.budget - b.tokens(sb.String())
	}

	if bundle.DOM != "" && remaining > 0 {
		fmt.Fprintf(sb, "Final DOM snapshot:\n%s\n", b.truncateToTokens(bundle.DOM, remaining))
	}
}

func payloadLine(payload map[string]string) string {
	if len(payload) == 0 {
		return ""
	}
	if text, ok := payload["text"]; ok {
		return text
	}
	if op, ok := payload["op"]; ok {
		return strings.TrimSpace(op + " " + payload["selector"])
	}
	if url, ok := payload["url"]; ok {
		if method, ok := payload["method"]; ok {
			return fmt.Sprintf("%s %s %s", method, url, payload["status"])
		}
		return url
	}
	parts := make([]string, 0, len(payload))
	for k, v := range payload {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
