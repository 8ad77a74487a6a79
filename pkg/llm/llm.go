// Package llm defines the model-facing contracts of the repair loop: a
// Proposer that drafts or patches test code and a Judge that reads a run's
// observation bundle and decides whether the current objective is met.
//
// Both contracts are deliberately narrow. The controller never sees prompts
// or completions, only typed proposals and judgments, so backends can be
// swapped and tests can use scripted fakes.
package llm

import (
	"context"

	"github.com/entrhq/stitch/pkg/artifact"
	"github.com/entrhq/stitch/pkg/session"
)

// ProposalRequest carries everything a backend needs to draft the next
// version of the test code.
type ProposalRequest struct {
	// Instructions is the user's plain-language description of the test.
	Instructions string

	// Todos is the current objective list with statuses.
	Todos []session.TodoItem

	// CurrentCode is the last-good code. Empty on the very first cycle.
	CurrentCode string

	// Bundle is the latest run observation. Nil before the first run.
	Bundle *artifact.Bundle

	// Docstring is the question-and-answer trail accumulated so far.
	Docstring []session.QA

	// Cycle is the loop iteration the proposal is for.
	Cycle int

	// Analysis is the judge's explanation of why the current objective is
	// unmet. Empty on the bootstrap proposal.
	Analysis string

	// RejectionReason carries why the previous proposal was rejected, so the
	// backend does not repeat the same protected-code violation.
	RejectionReason string
}

// Proposal is a drafted or repaired version of the test code.
type Proposal struct {
	Code string

	// Question, when set, means the backend cannot proceed without human
	// input. Code may be empty in that case.
	Question string
}

// NeedsHuman reports whether the proposal is a question rather than code.
func (p *Proposal) NeedsHuman() bool { return p.Question != "" }

// Proposer drafts test code from instructions and repairs it from run
// evidence.
type Proposer interface {
	Propose(ctx context.Context, req ProposalRequest) (*Proposal, error)
}

// Verdict classifies a judgment.
type Verdict string

const (
	// VerdictMet means the current objective is satisfied by the evidence.
	VerdictMet Verdict = "met"

	// VerdictUnmet means the objective failed for a reason the loop can act
	// on by patching the code.
	VerdictUnmet Verdict = "unmet"

	// VerdictNeedsHuman means the failure cannot be resolved without input
	// only a human has, such as a credential or a product decision.
	VerdictNeedsHuman Verdict = "needs-human"
)

// JudgeRequest asks whether one objective is satisfied by a run's bundle.
type JudgeRequest struct {
	Instructions string
	Todo         session.TodoItem
	Code         string
	Bundle       *artifact.Bundle
	Docstring    []session.QA
}

// Judgment is the analysis outcome for one objective.
type Judgment struct {
	Verdict Verdict

	// Reason explains the verdict and, for unmet, names what to fix.
	Reason string

	// Question is set when Verdict is needs-human.
	Question string
}

// Judge evaluates run evidence against the current objective.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (*Judgment, error)
}
