// Package artifact defines the immutable multi-modal observation produced by
// one run: the event timeline, per-action screenshots, the canonicalized DOM
// snapshot and the console stream.
package artifact

import (
	"time"

	"github.com/entrhq/stitch/pkg/timeline"
)

// Status is the terminal outcome of one run.
type Status string

const (
	// StatusPassed means the run completed and all expectations held.
	StatusPassed Status = "passed"

	// StatusFailed means the run completed but an expectation or lookup
	// failed. The failure detail names the step.
	StatusFailed Status = "failed"

	// StatusCrashed means the run did not complete: browser disconnect,
	// timeout or external cancellation. The bundle carries whatever partial
	// timeline exists.
	StatusCrashed Status = "crashed"
)

// Screenshot is one capture pinned to the run's relative clock.
type Screenshot struct {
	Time time.Duration `json:"time"`
	PNG  []byte        `json:"png"`

	// Final marks the end-of-run capture as opposed to a per-action one.
	Final bool `json:"final,omitempty"`
}

// Bundle is the output of one run. It is immutable once produced: a
// superseded bundle is discarded, never merged into a newer one.
type Bundle struct {
	Events      []timeline.Event `json:"events"`
	Screenshots []Screenshot     `json:"screenshots"`
	DOM         string           `json:"dom"`
	Console     []string         `json:"console"`
	Status      Status           `json:"status"`

	// Failure carries detail when Status is not passed.
	Failure string `json:"failure,omitempty"`
}

// ActionScreenshotCount returns the number of per-action captures,
// excluding the final one.
func (b *Bundle) ActionScreenshotCount() int {
	n := 0
	for _, s := range b.Screenshots {
		if !s.Final {
			n++
		}
	}
	return n
}

// FinalScreenshot returns the end-of-run capture, or nil if the run crashed
// before one was taken.
func (b *Bundle) FinalScreenshot() *Screenshot {
	for i := len(b.Screenshots) - 1; i >= 0; i-- {
		if b.Screenshots[i].Final {
			return &b.Screenshots[i]
		}
	}
	return nil
}

// ScreenshotAt returns the capture at or immediately before the given
// relative time, falling back to the earliest capture. Returns nil when the
// bundle has no screenshots at all.
func (b *Bundle) ScreenshotAt(t time.Duration) *Screenshot {
	var best *Screenshot
	for i := range b.Screenshots {
		s := &b.Screenshots[i]
		if s.Time <= t && (best == nil || s.Time >= best.Time) {
			best = s
		}
	}
	if best == nil && len(b.Screenshots) > 0 {
		best = &b.Screenshots[0]
	}
	return best
}

// Duration returns the offset of the last timeline event.
func (b *Bundle) Duration() time.Duration {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Time
}
