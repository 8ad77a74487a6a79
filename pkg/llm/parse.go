package llm

import (
	"fmt"
	"strings"
)

// ParseProposal extracts a proposal from a raw completion. A QUESTION line
// anywhere outside a code fence wins over code; otherwise the first fenced
// block is the script, and a completion with neither is an error.
func ParseProposal(raw string) (*Proposal, error) {
	if question := findQuestion(raw); question != "" {
		return &Proposal{Question: question}, nil
	}

	code := extractFencedBlock(raw)
	if code == "" {
		// Some backends return bare scripts without fences.
		if looksLikeScript(raw) {
			code = strings.TrimSpace(raw)
		}
	}
	if code == "" {
		return nil, fmt.Errorf("completion contains neither a script nor a question")
	}
	return &Proposal{Code: code}, nil
}

// ParseJudgment extracts a verdict from a raw completion.
func ParseJudgment(raw string) (*Judgment, error) {
	j := &Judgment{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "VERDICT:"):
			verdict := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "VERDICT:")))
			switch Verdict(verdict) {
			case VerdictMet, VerdictUnmet, VerdictNeedsHuman:
				j.Verdict = Verdict(verdict)
			default:
				return nil, fmt.Errorf("unknown verdict %q", verdict)
			}
		case strings.HasPrefix(line, "REASON:"):
			j.Reason = strings.TrimSpace(strings.TrimPrefix(line, "REASON:"))
		case strings.HasPrefix(line, "QUESTION:"):
			j.Question = strings.TrimSpace(strings.TrimPrefix(line, "QUESTION:"))
		}
	}

	if j.Verdict == "" {
		return nil, fmt.Errorf("completion has no VERDICT line")
	}
	if j.Verdict == VerdictNeedsHuman && j.Question == "" {
		return nil, fmt.Errorf("needs-human verdict without a question")
	}
	return j, nil
}

// findQuestion returns the text of a QUESTION line outside code fences.
func findQuestion(raw string) string {
	inFence := false
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if !inFence && strings.HasPrefix(trimmed, "QUESTION:") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "QUESTION:"))
		}
	}
	return ""
}

// extractFencedBlock returns the contents of the first ``` block, with any
// language tag on the opening fence dropped.
func extractFencedBlock(raw string) string {
	lines := strings.Split(raw, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			return strings.TrimSpace(strings.Join(lines[start:i], "\n"))
		}
	}
	// Unterminated fence: take everything after the opening.
	return strings.TrimSpace(strings.Join(lines[start:], "\n"))
}

// looksLikeScript reports whether every non-blank line starts with a known
// statement keyword.
func looksLikeScript(raw string) bool {
	keywords := []string{"navigate", "click", "fill", "wait", "expect_text", "expect_visible", "sleep", "#"}
	any := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		matched := false
		for _, kw := range keywords {
			if strings.HasPrefix(line, kw) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
		any = true
	}
	return any
}
