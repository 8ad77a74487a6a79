package patch

import (
	"strings"

	"github.com/entrhq/stitch/pkg/session"
)

// RangeStrategy derives the code range a just-completed todo item
// corresponds to, given the accepted code before and after the item was
// worked on. Range derivation is pluggable because a "done" judgment lands
// wherever the last accepted patch put it; source formatting varies too much
// to hardcode offsets.
//
// A nil range means the item was satisfied without a code change and gets no
// regression protection of its own.
type RangeStrategy interface {
	Derive(previousCode, currentCode string) *session.CodeRange
}

// LineWindowStrategy marks the contiguous window of lines that changed
// between the two versions.
type LineWindowStrategy struct{}

// Derive computes the changed window via common prefix/suffix lines.
func (LineWindowStrategy) Derive(previousCode, currentCode string) *session.CodeRange {
	prev := strings.Split(previousCode, "\n")
	cur := strings.Split(currentCode, "\n")

	prefix := 0
	for prefix < len(prev) && prefix < len(cur) && prev[prefix] == cur[prefix] {
		prefix++
	}
	if prefix == len(prev) && prefix == len(cur) {
		return nil
	}

	suffix := 0
	for suffix < len(prev)-prefix && suffix < len(cur)-prefix &&
		prev[len(prev)-1-suffix] == cur[len(cur)-1-suffix] {
		suffix++
	}

	start := prefix + 1
	end := len(cur) - suffix
	if end < start {
		// Pure deletion: protect the line adjacent to the cut.
		end = start
		if end > len(cur) {
			return nil
		}
	}
	return &session.CodeRange{StartLine: start, EndLine: end}
}

// BlockStrategy expands the changed window to enclosing blank-line
// boundaries, so a protected segment covers whole logical blocks rather
// than a fragment of one.
type BlockStrategy struct {
	window LineWindowStrategy
}

// Derive expands the line window to block boundaries in currentCode.
func (s BlockStrategy) Derive(previousCode, currentCode string) *session.CodeRange {
	rng := s.window.Derive(previousCode, currentCode)
	if rng == nil {
		return nil
	}

	lines := strings.Split(currentCode, "\n")

	start := rng.StartLine
	for start > 1 && strings.TrimSpace(lines[start-2]) != "" {
		start--
	}
	end := rng.EndLine
	for end < len(lines) && strings.TrimSpace(lines[end]) != "" {
		end++
	}

	return &session.CodeRange{StartLine: start, EndLine: end}
}

// StrategyFor resolves a configured strategy name; unknown names fall back
// to the block strategy.
func StrategyFor(name string) RangeStrategy {
	switch name {
	case "window":
		return LineWindowStrategy{}
	default:
		return BlockStrategy{}
	}
}
