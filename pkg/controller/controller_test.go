package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/stitch/pkg/artifact"
	"github.com/entrhq/stitch/pkg/llm"
	"github.com/entrhq/stitch/pkg/secrets"
	"github.com/entrhq/stitch/pkg/session"
)

type fakeRunner struct {
	bundles []*artifact.Bundle
	runs    int
}

func (r *fakeRunner) Run(ctx context.Context, code string, store *secrets.Store) *artifact.Bundle {
	r.runs++
	if len(r.bundles) == 0 {
		return &artifact.Bundle{Status: artifact.StatusPassed}
	}
	b := r.bundles[0]
	if len(r.bundles) > 1 {
		r.bundles = r.bundles[1:]
	}
	return b
}

type fakeProposer struct {
	proposals []*llm.Proposal
	requests  []llm.ProposalRequest
	err       error
}

func (p *fakeProposer) Propose(ctx context.Context, req llm.ProposalRequest) (*llm.Proposal, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.proposals) == 0 {
		return nil, errors.New("fake proposer exhausted")
	}
	prop := p.proposals[0]
	p.proposals = p.proposals[1:]
	return prop, nil
}

type fakeJudge struct {
	judgments []*llm.Judgment
	requests  []llm.JudgeRequest
}

func (j *fakeJudge) Judge(ctx context.Context, req llm.JudgeRequest) (*llm.Judgment, error) {
	j.requests = append(j.requests, req)
	jd := j.judgments[0]
	if len(j.judgments) > 1 {
		j.judgments = j.judgments[1:]
	}
	return jd, nil
}

type scriptedHuman struct {
	answers []string
	asked   []string
}

func (h *scriptedHuman) Answer(ctx context.Context, question string) (string, error) {
	h.asked = append(h.asked, question)
	if len(h.answers) == 0 {
		return "", errors.New("no answer available")
	}
	answer := h.answers[0]
	h.answers = h.answers[1:]
	return answer, nil
}

func newStore() *secrets.Store {
	return secrets.NewStore("https://app.example.com")
}

const bootCode = "navigate {{target_url}}/login\nclick button[type=submit]"

func codeProposal(code string) *llm.Proposal { return &llm.Proposal{Code: code} }

func TestRunFailsFastOnEmptyTodos(t *testing.T) {
	sess := session.New("login", "log in", nil)
	c := New(&fakeRunner{}, &fakeProposer{}, &fakeJudge{}, Options{})

	state, err := c.Run(context.Background(), sess, newStore())

	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, err, session.ErrNoPendingTodos)
}

func TestRunSingleObjectiveMet(t *testing.T) {
	sess := session.New("login", "log in and see the dashboard", []string{"log in"})
	runner := &fakeRunner{}
	proposer := &fakeProposer{proposals: []*llm.Proposal{codeProposal(bootCode)}}
	judge := &fakeJudge{judgments: []*llm.Judgment{{Verdict: llm.VerdictMet, Reason: "dashboard visible"}}}
	c := New(runner, proposer, judge, Options{})

	state, err := c.Run(context.Background(), sess, newStore())

	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Equal(t, 1, runner.runs)
	assert.Equal(t, bootCode, sess.Code)

	require.Len(t, sess.Todos, 1)
	assert.Equal(t, session.TodoDone, sess.Todos[0].Status)
	require.NotNil(t, sess.Todos[0].Range, "the bootstrap script is protected")
	assert.Equal(t, 1, sess.Todos[0].Range.StartLine)

	require.Len(t, sess.History, 1)
	assert.True(t, sess.History[0].Accepted)
}

func TestRunPatchesUntilMet(t *testing.T) {
	sess := session.New("login", "log in", []string{"log in"})
	patched := bootCode + "\nexpect_visible .dashboard"
	runner := &fakeRunner{bundles: []*artifact.Bundle{
		{Status: artifact.StatusFailed, Failure: "element .dashboard is not visible"},
		{Status: artifact.StatusPassed},
	}}
	proposer := &fakeProposer{proposals: []*llm.Proposal{
		codeProposal(bootCode),
		codeProposal(patched),
	}}
	judge := &fakeJudge{judgments: []*llm.Judgment{
		{Verdict: llm.VerdictUnmet, Reason: "dashboard never rendered"},
		{Verdict: llm.VerdictMet},
	}}
	c := New(runner, proposer, judge, Options{})

	state, err := c.Run(context.Background(), sess, newStore())

	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Equal(t, patched, sess.Code)
	assert.Equal(t, 2, runner.runs)

	// The repair proposal saw the analysis and the run evidence.
	require.Len(t, proposer.requests, 2)
	repair := proposer.requests[1]
	assert.Contains(t, repair.Analysis, "dashboard never rendered")
	assert.Contains(t, repair.Analysis, "not visible")
	require.NotNil(t, repair.Bundle)
	assert.Equal(t, bootCode, repair.CurrentCode)
}

func TestRunConsecutiveRejectionsFail(t *testing.T) {
	sess := session.New("login", "log in", []string{"log in", "check avatar"})
	sess.Code = bootCode
	sess.MarkDone(0, &session.CodeRange{StartLine: 1, EndLine: 2})

	// Every proposal rewrites the protected segment.
	bad := codeProposal("navigate {{target_url}}/other")
	runner := &fakeRunner{bundles: []*artifact.Bundle{{Status: artifact.StatusFailed, Failure: "no avatar"}}}
	proposer := &fakeProposer{proposals: []*llm.Proposal{bad, bad, bad}}
	judge := &fakeJudge{judgments: []*llm.Judgment{{Verdict: llm.VerdictUnmet, Reason: "avatar missing"}}}
	c := New(runner, proposer, judge, Options{MaxConsecutiveRejections: 3})

	state, err := c.Run(context.Background(), sess, newStore())

	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, err, ErrTooManyRejections)

	// The accepted code never moved off the last good version.
	assert.Equal(t, bootCode, sess.Code)
	require.Len(t, sess.History, 3)
	for _, rec := range sess.History {
		assert.False(t, rec.Accepted)
	}

	// Each retry carried the previous rejection reason.
	require.Len(t, proposer.requests, 3)
	assert.Empty(t, proposer.requests[0].RejectionReason)
	assert.NotEmpty(t, proposer.requests[1].RejectionReason)
	assert.NotEmpty(t, proposer.requests[2].RejectionReason)
}

func TestRunCrashedBundleStillAnalyzed(t *testing.T) {
	sess := session.New("login", "log in", []string{"log in"})
	sess.Code = bootCode
	runner := &fakeRunner{bundles: []*artifact.Bundle{
		{Status: artifact.StatusCrashed, Failure: "browser disconnected"},
	}}
	judge := &fakeJudge{judgments: []*llm.Judgment{{Verdict: llm.VerdictMet}}}
	c := New(runner, &fakeProposer{}, judge, Options{})

	state, err := c.Run(context.Background(), sess, newStore())

	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	require.Len(t, judge.requests, 1)
	require.NotNil(t, judge.requests[0].Bundle)
	assert.Equal(t, artifact.StatusCrashed, judge.requests[0].Bundle.Status)
}

func TestRunSuspendsWithoutHumanInput(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewStore(dir)
	require.NoError(t, err)

	sess := session.New("login", "log in", []string{"log in"})
	sess.Code = bootCode
	runner := &fakeRunner{bundles: []*artifact.Bundle{{Status: artifact.StatusFailed, Failure: "401"}}}
	judge := &fakeJudge{judgments: []*llm.Judgment{{
		Verdict:  llm.VerdictNeedsHuman,
		Reason:   "credentials rejected",
		Question: "What account should the test use?",
	}}}
	c := New(runner, &fakeProposer{}, judge, Options{Store: store})

	state, runErr := c.Run(context.Background(), sess, newStore())

	require.NoError(t, runErr)
	assert.Equal(t, StateAwaitingHuman, state)
	assert.Equal(t, "What account should the test use?", sess.PendingQuestion)

	// The suspension point was persisted.
	saved, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.PendingQuestion, saved.PendingQuestion)
}

func TestRunSuspendsWhenAnswerUnavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewStore(dir)
	require.NoError(t, err)

	sess := session.New("login", "log in", []string{"log in"})
	sess.Code = bootCode
	sess.AskQuestion("Which environment?")

	// A human was wired up but cannot deliver an answer, for example a
	// closed stdin. The loop suspends the same way as with no human at all.
	human := &scriptedHuman{}
	c := New(&fakeRunner{}, &fakeProposer{}, &fakeJudge{}, Options{Human: human, Store: store})

	state, runErr := c.Run(context.Background(), sess, newStore())

	require.NoError(t, runErr)
	assert.Equal(t, StateAwaitingHuman, state)
	assert.Equal(t, []string{"Which environment?"}, human.asked)
	assert.Empty(t, sess.Docstring)

	saved, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Which environment?", saved.PendingQuestion)
}

func TestRunResumeAppendsOneAnswer(t *testing.T) {
	sess := session.New("login", "log in", []string{"log in"})
	sess.Code = bootCode
	sess.AskQuestion("Which environment?")

	human := &scriptedHuman{answers: []string{"staging"}}
	runner := &fakeRunner{}
	proposer := &fakeProposer{proposals: []*llm.Proposal{codeProposal(bootCode + "\nexpect_visible .dashboard")}}
	judge := &fakeJudge{judgments: []*llm.Judgment{{Verdict: llm.VerdictMet}}}
	c := New(runner, proposer, judge, Options{Human: human})

	state, err := c.Run(context.Background(), sess, newStore())

	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Empty(t, sess.PendingQuestion)

	require.Len(t, sess.Docstring, 1)
	assert.Equal(t, "Which environment?", sess.Docstring[0].Question)
	assert.Equal(t, "staging", sess.Docstring[0].Answer)
	assert.Equal(t, []string{"Which environment?"}, human.asked)

	// The answer fed straight into a patch, and the proposal saw it.
	require.Len(t, proposer.requests, 1)
	assert.Equal(t, sess.Docstring, proposer.requests[0].Docstring)
}

func TestRunInlineHumanAnswerContinuesLoop(t *testing.T) {
	sess := session.New("login", "log in", []string{"log in"})
	sess.Code = bootCode
	human := &scriptedHuman{answers: []string{"use the QA_USER secret"}}
	runner := &fakeRunner{bundles: []*artifact.Bundle{
		{Status: artifact.StatusFailed, Failure: "401"},
		{Status: artifact.StatusPassed},
	}}
	judge := &fakeJudge{judgments: []*llm.Judgment{
		{Verdict: llm.VerdictNeedsHuman, Question: "Which account?"},
		{Verdict: llm.VerdictMet},
	}}
	proposer := &fakeProposer{proposals: []*llm.Proposal{
		codeProposal(bootCode + "\nfill input#user {{secret:QA_USER}}"),
	}}
	c := New(runner, proposer, judge, Options{Human: human})

	state, err := c.Run(context.Background(), sess, newStore())

	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Len(t, sess.Docstring, 1)
	assert.Equal(t, 2, runner.runs)
}

func TestRunMaxCyclesExceeded(t *testing.T) {
	sess := session.New("login", "log in", []string{"log in"})
	sess.Code = bootCode
	runner := &fakeRunner{bundles: []*artifact.Bundle{{Status: artifact.StatusFailed, Failure: "401"}}}
	extend := func(n int) []*llm.Proposal {
		var out []*llm.Proposal
		for i := 0; i < n; i++ {
			out = append(out, codeProposal(bootCode+"\nsleep 1s"))
		}
		return out
	}
	judge := &fakeJudge{judgments: []*llm.Judgment{{Verdict: llm.VerdictUnmet, Reason: "still failing"}}}
	c := New(runner, &fakeProposer{proposals: extend(2)}, judge, Options{MaxCycles: 2})

	state, err := c.Run(context.Background(), sess, newStore())

	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, err, ErrMaxCyclesExceeded)
	assert.Equal(t, 2, runner.runs)
}

func TestRunPersistsAtCycleBoundaries(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewStore(dir)
	require.NoError(t, err)

	sess := session.New("login", "log in", []string{"log in", "see avatar"})
	sess.Code = bootCode
	runner := &fakeRunner{}
	proposer := &fakeProposer{proposals: []*llm.Proposal{codeProposal(bootCode + "\nexpect_visible .avatar")}}
	judge := &fakeJudge{judgments: []*llm.Judgment{
		{Verdict: llm.VerdictMet},
		{Verdict: llm.VerdictUnmet, Reason: "no avatar"},
		{Verdict: llm.VerdictMet},
	}}
	c := New(runner, proposer, judge, Options{Store: store})

	state, runErr := c.Run(context.Background(), sess, newStore())

	require.NoError(t, runErr)
	assert.Equal(t, StateDone, state)

	saved, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Code, saved.Code)
	for _, item := range saved.Todos {
		assert.Equal(t, session.TodoDone, item.Status)
	}
}

func TestRunProposerErrorFails(t *testing.T) {
	sess := session.New("login", "log in", []string{"log in"})
	c := New(&fakeRunner{}, &fakeProposer{err: errors.New("api quota exhausted")}, &fakeJudge{}, Options{})

	state, err := c.Run(context.Background(), sess, newStore())

	assert.Equal(t, StateFailed, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api quota exhausted")
}
