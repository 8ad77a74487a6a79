// Package controller drives the run, analyze, patch loop that turns a
// session's instructions into working test code.
//
// The loop always patches from the session's last accepted code, never from
// a rejected proposal, so consecutive bad proposals cannot compound. Every
// proposal is recorded in the session history whether accepted or not.
package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/stitch/pkg/artifact"
	"github.com/entrhq/stitch/pkg/collector"
	"github.com/entrhq/stitch/pkg/llm"
	"github.com/entrhq/stitch/pkg/logging"
	"github.com/entrhq/stitch/pkg/patch"
	"github.com/entrhq/stitch/pkg/secrets"
	"github.com/entrhq/stitch/pkg/session"
)

// State is the controller's position in the repair loop.
type State string

const (
	StateInit          State = "INIT"
	StateRunning       State = "RUNNING"
	StateAnalyzing     State = "ANALYZING"
	StatePatching      State = "PATCHING"
	StateAwaitingHuman State = "AWAITING_HUMAN"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// Terminal reports whether the state ends the loop.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAwaitingHuman
}

// ErrMaxCyclesExceeded ends a session that never converged.
var ErrMaxCyclesExceeded = errors.New("controller: max cycles exceeded")

// ErrTooManyRejections ends a session whose backend keeps violating
// protected code.
var ErrTooManyRejections = errors.New("controller: too many consecutive patch rejections")

// Runner executes test code and returns the observation bundle. The bundle
// is always non-nil; execution problems are reflected in its status.
type Runner interface {
	Run(ctx context.Context, code string, store *secrets.Store) *artifact.Bundle
}

var _ Runner = (*collector.Collector)(nil)

// HumanInput supplies answers while the loop is suspended on a question.
// A nil HumanInput makes every question a suspension point: the controller
// persists the session and returns AWAITING_HUMAN.
type HumanInput interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Options tunes a Controller.
type Options struct {
	// MaxCycles bounds the number of run/analyze/patch iterations.
	MaxCycles int

	// MaxConsecutiveRejections fails the session after this many rejected
	// proposals in a row.
	MaxConsecutiveRejections int

	// Strategy derives protected code ranges for done items.
	Strategy patch.RangeStrategy

	// Human, when set, answers questions inline instead of suspending.
	Human HumanInput

	// Store, when set, persists the session at every cycle boundary and at
	// suspension points.
	Store *session.Store

	// Artifacts, when set, persists each cycle's bundle.
	Artifacts *artifact.Writer

	// Logger receives loop diagnostics.
	Logger *logging.Logger
}

// Controller owns one session's repair loop.
type Controller struct {
	runner   Runner
	proposer llm.Proposer
	judge    llm.Judge
	opts     Options

	validator *patch.Validator
	state     State

	// rejections counts consecutive rejected proposals.
	rejections int

	// baseline is the accepted code when the current todo became current,
	// used to derive its protected range once it is judged met.
	baseline string
}

// New creates a controller.
func New(runner Runner, proposer llm.Proposer, judge llm.Judge, opts Options) *Controller {
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = 12
	}
	if opts.MaxConsecutiveRejections <= 0 {
		opts.MaxConsecutiveRejections = 3
	}
	if opts.Strategy == nil {
		opts.Strategy = patch.BlockStrategy{}
	}
	return &Controller{
		runner:    runner,
		proposer:  proposer,
		judge:     judge,
		opts:      opts,
		validator: patch.NewValidator(),
		state:     StateInit,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State { return c.state }

// Run drives the session until a terminal state. Secrets are frozen before
// the first run. The returned state is DONE, FAILED or AWAITING_HUMAN; err
// is set for FAILED and for infrastructure errors from the backends.
func (c *Controller) Run(ctx context.Context, sess *session.Session, store *secrets.Store) (State, error) {
	c.state = StateInit

	if !sess.HasPending() && len(sess.DoneTodos()) == 0 {
		return c.fail(sess, session.ErrNoPendingTodos)
	}
	if !sess.HasPending() {
		return c.finish(sess, StateDone, nil)
	}

	store.Freeze()

	// A resumed session may be carrying an unanswered question. The answer
	// feeds straight into a patch, the same transition an inline answer
	// takes.
	c.baseline = sess.Code
	answered := false
	if sess.PendingQuestion != "" {
		state, resumed, err := c.resolveQuestion(ctx, sess, sess.PendingQuestion)
		if !resumed {
			return state, err
		}
		answered = true
	}

	// No code yet: the first proposal bootstraps the script. The baseline
	// stays empty so the first met objective protects the whole bootstrap.
	if sess.Code == "" || answered {
		if state, ok, err := c.propose(ctx, sess, nil, ""); !ok {
			return state, err
		}
	}

	for sess.Cycle < c.opts.MaxCycles {
		c.state = StateRunning
		c.logf("cycle %d: running", sess.Cycle)
		bundle := c.runner.Run(ctx, sess.Code, store)
		if c.opts.Artifacts != nil {
			if err := c.opts.Artifacts.Write(sess.Cycle, bundle); err != nil {
				c.logf("cycle %d: artifact write failed: %v", sess.Cycle, err)
			}
		}

		c.state = StateAnalyzing
		todo, index, ok := sess.CurrentTodo()
		if !ok {
			return c.finish(sess, StateDone, nil)
		}
		sess.Todos[index].Status = session.TodoInProgress

		judgment, err := c.judge.Judge(ctx, llm.JudgeRequest{
			Instructions: sess.Instructions,
			Todo:         *todo,
			Code:         sess.Code,
			Bundle:       bundle,
			Docstring:    sess.Docstring,
		})
		if err != nil {
			return c.fail(sess, fmt.Errorf("judgment failed: %w", err))
		}

		switch judgment.Verdict {
		case llm.VerdictMet:
			rng := c.opts.Strategy.Derive(c.baseline, sess.Code)
			sess.MarkDone(index, rng)
			c.baseline = sess.Code
			c.logf("cycle %d: objective met: %s", sess.Cycle, todo.Description)
			if !sess.HasPending() {
				return c.finish(sess, StateDone, nil)
			}

		case llm.VerdictNeedsHuman:
			if state, resumed, err := c.resolveQuestion(ctx, sess, judgment.Question); !resumed {
				return state, err
			}
			if state, ok, err := c.propose(ctx, sess, bundle, judgment.Reason); !ok {
				return state, err
			}

		case llm.VerdictUnmet:
			c.logf("cycle %d: objective unmet: %s", sess.Cycle, judgment.Reason)
			if state, ok, err := c.propose(ctx, sess, bundle, bundleFailure(judgment, bundle)); !ok {
				return state, err
			}
		}

		sess.Cycle++
		c.persist(sess)
	}

	return c.fail(sess, ErrMaxCyclesExceeded)
}

// propose asks the backend for code and applies it under validation. The
// ok return is false when the loop must stop; the state and error describe
// how. Proposals are always built from the session's accepted code.
func (c *Controller) propose(ctx context.Context, sess *session.Session, bundle *artifact.Bundle, analysis string) (State, bool, error) {
	rejectionReason := ""
	for {
		c.state = StatePatching
		proposal, err := c.proposer.Propose(ctx, llm.ProposalRequest{
			Instructions:    sess.Instructions,
			Todos:           sess.Todos,
			CurrentCode:     sess.Code,
			Bundle:          bundle,
			Docstring:       sess.Docstring,
			Cycle:           sess.Cycle,
			Analysis:        analysis,
			RejectionReason: rejectionReason,
		})
		if err != nil {
			state, ferr := c.fail(sess, fmt.Errorf("proposal failed: %w", err))
			return state, false, ferr
		}

		if proposal.NeedsHuman() {
			state, resumed, err := c.resolveQuestion(ctx, sess, proposal.Question)
			if !resumed {
				return state, false, err
			}
			continue
		}

		p := &patch.Patch{Code: proposal.Code, Cycle: sess.Cycle}
		result := patch.Apply(sess, p, c.validator)
		if result.Accepted {
			c.rejections = 0
			c.logf("cycle %d: patch accepted", sess.Cycle)
			return c.state, true, nil
		}

		c.rejections++
		c.logf("cycle %d: patch rejected (%d consecutive): %s", sess.Cycle, c.rejections, result.Reason)
		if c.rejections >= c.opts.MaxConsecutiveRejections {
			state, ferr := c.fail(sess, fmt.Errorf("%w: %s", ErrTooManyRejections, result.Reason))
			return state, false, ferr
		}
		rejectionReason = result.Reason
	}
}

// resolveQuestion either gets an inline answer or suspends the session.
// The resumed return is false when the controller suspended.
func (c *Controller) resolveQuestion(ctx context.Context, sess *session.Session, question string) (State, bool, error) {
	c.state = StateAwaitingHuman
	sess.AskQuestion(question)
	c.persist(sess)

	if c.opts.Human == nil {
		c.logf("suspended on question: %s", question)
		return StateAwaitingHuman, false, nil
	}

	answer, err := c.opts.Human.Answer(ctx, question)
	if err != nil {
		// The question is already persisted, so a failed answer source
		// degrades to a suspension the session can resume from.
		c.logf("answer unavailable, suspending: %v", err)
		return StateAwaitingHuman, false, nil
	}
	sess.AnswerQuestion(answer)
	c.persist(sess)
	return c.state, true, nil
}

func (c *Controller) finish(sess *session.Session, state State, err error) (State, error) {
	c.state = state
	c.persist(sess)
	c.logf("session %s finished: %s", sess.ID, state)
	return state, err
}

func (c *Controller) fail(sess *session.Session, err error) (State, error) {
	c.state = StateFailed
	c.persist(sess)
	c.logf("session %s failed: %v", sess.ID, err)
	return StateFailed, err
}

func (c *Controller) persist(sess *session.Session) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.Save(sess); err != nil {
		c.logf("session save failed: %v", err)
	}
}

func (c *Controller) logf(format string, v ...interface{}) {
	if c.opts.Logger != nil {
		c.opts.Logger.Infof(format, v...)
	}
}

// bundleFailure combines the judgment reason with the run failure detail so
// the proposal backend sees both.
func bundleFailure(judgment *llm.Judgment, bundle *artifact.Bundle) string {
	if bundle != nil && bundle.Failure != "" && bundle.Failure != judgment.Reason {
		return judgment.Reason + "; run: " + bundle.Failure
	}
	return judgment.Reason
}
