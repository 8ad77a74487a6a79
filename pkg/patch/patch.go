// Package patch validates and applies proposed code modifications to a
// session.
//
// The validator enforces the anti-divergence policy's second half: a patch
// may extend the test, but segments recorded for already-done todo items
// must survive structurally intact. A proposal that alters a protected
// segment is rejected, forcing the proposal backend to produce a narrower
// patch.
package patch

import (
	"fmt"
	"strings"

	"github.com/entrhq/stitch/pkg/session"
)

// Patch is a proposed replacement of the session's source code plus an
// updated todo list, tagged with the cycle it was produced in.
type Patch struct {
	Code  string
	Todos []session.TodoItem
	Cycle int

	// Result is populated by Apply.
	Result *Result
}

// Result is the validation outcome for one proposed patch.
type Result struct {
	Accepted bool
	Reason   string
}

// Accepted is the result for a valid patch.
func Accepted() Result { return Result{Accepted: true} }

// Rejected builds a failure result with a reason.
func Rejected(format string, v ...interface{}) Result {
	return Result{Reason: fmt.Sprintf(format, v...)}
}

// Validator checks proposed code against the protected segments of done
// todo items.
type Validator struct{}

// NewValidator returns a Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate compares the proposed code against the segments of oldCode
// recorded for done items. Superficial formatting differences (whitespace)
// are tolerated; removing or rewriting a protected segment is not.
func (v *Validator) Validate(oldCode, proposedCode string, done []session.TodoItem) Result {
	if strings.TrimSpace(proposedCode) == "" {
		return Rejected("proposed code is empty")
	}

	proposedLines := normalizeLines(proposedCode)

	for _, item := range done {
		if item.Range == nil {
			continue
		}
		segment := extractRange(oldCode, *item.Range)
		segmentLines := normalizeLines(segment)
		if len(segmentLines) == 0 {
			continue
		}
		if !containsSequence(proposedLines, segmentLines) {
			return Rejected("segment for done item %q was removed or altered", item.Description)
		}
	}
	return Accepted()
}

// Apply validates the patch against the session's done items and, when
// accepted, replaces the session's code and todo list. Either way a
// provenance record is appended, so every proposal is auditable and any
// prior cycle's code can be recovered.
func Apply(s *session.Session, p *Patch, v *Validator) Result {
	result := v.Validate(s.Code, p.Code, s.DoneTodos())
	p.Result = &result

	s.RecordPatch(p.Code, p.Todos, result.Accepted, result.Reason)
	return result
}

// extractRange returns the 1-based inclusive line range from code, clamped
// to the file.
func extractRange(code string, rng session.CodeRange) string {
	lines := strings.Split(code, "\n")
	start := rng.StartLine
	end := rng.EndLine
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// normalizeLines collapses each line's whitespace and drops empty lines, so
// formatting-only edits compare equal.
func normalizeLines(code string) []string {
	var out []string
	for _, line := range strings.Split(code, "\n") {
		norm := strings.Join(strings.Fields(line), " ")
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

// containsSequence reports whether needle appears as a contiguous
// subsequence of haystack.
func containsSequence(haystack, needle []string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
