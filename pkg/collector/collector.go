// Package collector executes generated test code against a live browser and
// assembles the run's observation bundle.
//
// The collector never raises: a browser crash, a failing expectation, a bad
// script or an external cancellation all come back as a bundle with the
// matching status and whatever partial evidence was gathered. The caller
// inspects the status, it does not handle errors.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/stitch/pkg/artifact"
	"github.com/entrhq/stitch/pkg/logging"
	"github.com/entrhq/stitch/pkg/secrets"
	"github.com/entrhq/stitch/pkg/timeline"
)

// Collector runs one script at a time against sessions from its factory.
type Collector struct {
	factory    Factory
	normalizer *artifact.Normalizer
	logger     *logging.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithNormalizer overrides the DOM canonicalizer.
func WithNormalizer(n *artifact.Normalizer) Option {
	return func(c *Collector) { c.normalizer = n }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New creates a collector backed by the given session factory.
func New(factory Factory, opts ...Option) *Collector {
	// Default rule patterns are static and known to compile.
	normalizer, _ := artifact.NewNormalizer(artifact.DefaultNormalizeRules())
	c := &Collector{
		factory:    factory,
		normalizer: normalizer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the script and returns its bundle. The returned bundle is
// always non-nil and complete for its status: crashed bundles carry the
// partial timeline up to the crash point, failed bundles carry a best-effort
// final screenshot and DOM snapshot.
func (c *Collector) Run(ctx context.Context, source string, store *secrets.Store) *artifact.Bundle {
	bundle := &artifact.Bundle{}

	steps, err := ParseScript(source)
	if err != nil {
		bundle.Status = artifact.StatusFailed
		bundle.Failure = fmt.Sprintf("script: %v", err)
		return bundle
	}

	tl := timeline.New()
	tl.Start()

	var (
		consoleMu sync.Mutex
		console   []string
	)
	events := Events{
		OnConsole: func(text string) {
			consoleMu.Lock()
			console = append(console, text)
			consoleMu.Unlock()
			tl.Record(timeline.KindConsole, map[string]string{"text": text})
		},
		OnNetwork: func(method, url string, status int) {
			tl.Record(timeline.KindNetwork, map[string]string{
				"method": method,
				"url":    url,
				"status": fmt.Sprintf("%d", status),
			})
		},
		OnNavigation: func(url string) {
			tl.Record(timeline.KindNavigation, map[string]string{"url": url})
		},
	}

	session, err := c.factory.NewSession(ctx, events)
	if err != nil {
		bundle.Status = artifact.StatusCrashed
		bundle.Failure = fmt.Sprintf("failed to open browser session: %v", err)
		return bundle
	}
	defer session.Close()

	status, failure := c.execute(ctx, session, steps, store, tl, bundle)

	// Evidence capture is best effort: a crashed page may refuse both calls.
	if png, err := session.Screenshot(); err == nil {
		bundle.Screenshots = append(bundle.Screenshots, artifact.Screenshot{
			Time:  tl.Duration(),
			PNG:   png,
			Final: true,
		})
	}
	if dom, err := session.DOM(); err == nil {
		if canonical, err := c.normalizer.Canonicalize(dom); err == nil {
			bundle.DOM = canonical
		} else {
			bundle.DOM = dom
		}
	}

	consoleMu.Lock()
	bundle.Console = append([]string(nil), console...)
	consoleMu.Unlock()
	bundle.Events = tl.Events()
	bundle.Status = status
	bundle.Failure = failure

	if c.logger != nil {
		c.logger.Infof("run finished: status=%s steps=%d events=%d", status, len(steps), len(bundle.Events))
	}
	return bundle
}

// execute walks the steps, recording an action event and screenshot after
// each one. A panic in the driver is a crash, not a collector failure.
func (c *Collector) execute(ctx context.Context, session Session, steps []Step, store *secrets.Store, tl *timeline.Timeline, bundle *artifact.Bundle) (status artifact.Status, failure string) {
	defer func() {
		if r := recover(); r != nil {
			status = artifact.StatusCrashed
			failure = fmt.Sprintf("browser session panicked: %v", r)
		}
	}()

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return artifact.StatusCrashed, fmt.Sprintf("run cancelled before %s (line %d)", step.Describe(), step.Line)
		}

		if err := c.runStep(session, step, store); err != nil {
			if errors.Is(err, secrets.ErrKeyNotFound) {
				return artifact.StatusFailed, fmt.Sprintf("%s (line %d): %v", step.Describe(), step.Line, err)
			}
			var expErr *expectationError
			if errors.As(err, &expErr) {
				return artifact.StatusFailed, fmt.Sprintf("%s (line %d): %v", step.Describe(), step.Line, err)
			}
			return artifact.StatusCrashed, fmt.Sprintf("%s (line %d): %v", step.Describe(), step.Line, err)
		}

		ev, _ := tl.Record(timeline.KindAction, map[string]string{
			"op":       string(step.Op),
			"selector": step.Selector,
		})
		if png, err := session.Screenshot(); err == nil {
			bundle.Screenshots = append(bundle.Screenshots, artifact.Screenshot{Time: ev.Time, PNG: png})
		}
	}
	return artifact.StatusPassed, ""
}

// expectationError marks an assertion miss as a test failure rather than an
// infrastructure crash.
type expectationError struct {
	msg string
}

func (e *expectationError) Error() string { return e.msg }

func expectationf(format string, v ...interface{}) error {
	return &expectationError{msg: fmt.Sprintf(format, v...)}
}

func (c *Collector) runStep(session Session, step Step, store *secrets.Store) error {
	value, err := ResolvePlaceholders(step.Value, store)
	if err != nil {
		return err
	}

	switch step.Op {
	case OpNavigate:
		return session.Navigate(value)
	case OpClick:
		return session.Click(step.Selector)
	case OpFill:
		return session.Fill(step.Selector, value)
	case OpWait:
		return session.WaitFor(step.Selector, value)
	case OpExpectText:
		text, err := session.Text(step.Selector)
		if err != nil {
			return err
		}
		if text != value {
			return expectationf("expected text %q, got %q", value, text)
		}
		return nil
	case OpExpectVisible:
		visible, err := session.Visible(step.Selector)
		if err != nil {
			return err
		}
		if !visible {
			return expectationf("element %s is not visible", step.Selector)
		}
		return nil
	case OpSleep:
		d, _ := time.ParseDuration(value)
		time.Sleep(d)
		return nil
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}
