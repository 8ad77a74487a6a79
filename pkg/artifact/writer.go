package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/entrhq/stitch/pkg/timeline"
)

// Writer persists bundles under an output directory, one subdirectory per
// cycle. Screenshots are written as individual PNG files and referenced by
// index; bundle.json carries the timeline, console stream and status.
type Writer struct {
	outputDir string
	keepLast  int
}

// NewWriter creates a writer. keepLast bounds how many cycle directories are
// retained; zero or negative means keep everything.
func NewWriter(outputDir string, keepLast int) *Writer {
	return &Writer{outputDir: outputDir, keepLast: keepLast}
}

type bundleDocument struct {
	Status   Status           `json:"status"`
	Failure  string           `json:"failure,omitempty"`
	Events   []timeline.Event `json:"events"`
	Console  []string         `json:"console"`
	Captures []string         `json:"captures"`
}

// Write persists one bundle for the given cycle and applies the retention
// policy.
func (w *Writer) Write(cycle int, b *Bundle) error {
	dir := filepath.Join(w.outputDir, fmt.Sprintf("cycle-%04d", cycle))
	if err := os.MkdirAll(filepath.Join(dir, "screenshots"), 0750); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	captures := make([]string, 0, len(b.Screenshots))
	for i, shot := range b.Screenshots {
		name := fmt.Sprintf("action-%03d.png", i)
		if shot.Final {
			name = "final.png"
		}
		rel := filepath.Join("screenshots", name)
		if err := os.WriteFile(filepath.Join(dir, rel), shot.PNG, 0600); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
		captures = append(captures, rel)
	}

	doc := bundleDocument{
		Status:   b.Status,
		Failure:  b.Failure,
		Events:   b.Events,
		Console:  b.Console,
		Captures: captures,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0600); err != nil {
		return fmt.Errorf("failed to write bundle JSON: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "dom.html"), []byte(b.DOM), 0600); err != nil {
		return fmt.Errorf("failed to write DOM snapshot: %w", err)
	}
	consoleLog := strings.Join(b.Console, "\n")
	if consoleLog != "" {
		consoleLog += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "console.log"), []byte(consoleLog), 0600); err != nil {
		return fmt.Errorf("failed to write console log: %w", err)
	}

	return w.prune()
}

// prune removes the oldest cycle directories beyond the retention bound.
func (w *Writer) prune() error {
	if w.keepLast <= 0 {
		return nil
	}

	entries, err := os.ReadDir(w.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read output directory: %w", err)
	}

	var cycles []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "cycle-") {
			cycles = append(cycles, entry.Name())
		}
	}
	// cycle-%04d names sort chronologically.
	sort.Strings(cycles)

	for len(cycles) > w.keepLast {
		victim := cycles[0]
		cycles = cycles[1:]
		if err := os.RemoveAll(filepath.Join(w.outputDir, victim)); err != nil {
			return fmt.Errorf("failed to prune %s: %w", victim, err)
		}
	}
	return nil
}
