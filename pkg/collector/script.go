package collector

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/entrhq/stitch/pkg/secrets"
)

// Op is one kind of test-script statement.
type Op string

const (
	OpNavigate      Op = "navigate"
	OpClick         Op = "click"
	OpFill          Op = "fill"
	OpWait          Op = "wait"
	OpExpectText    Op = "expect_text"
	OpExpectVisible Op = "expect_visible"
	OpSleep         Op = "sleep"
)

// Step is one parsed statement of the generated test script.
type Step struct {
	Op       Op
	Selector string
	Value    string
	Line     int
}

// Describe returns a short human-readable form for timeline payloads and
// failure messages.
func (s Step) Describe() string {
	parts := []string{string(s.Op)}
	if s.Selector != "" {
		parts = append(parts, s.Selector)
	}
	return strings.Join(parts, " ")
}

// ParseScript parses the line-oriented test script the proposal backend
// emits. Blank lines and #-comments are ignored. Statement forms:
//
//	navigate <url-or-path>
//	click <selector>
//	fill <selector> <value>
//	wait <selector> [visible|hidden|attached|detached]
//	expect_text <selector> "<text>"
//	expect_visible <selector>
//	sleep <duration>
func ParseScript(source string) ([]Step, error) {
	var steps []Step

	for i, raw := range strings.Split(source, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		op := Op(fields[0])
		args := fields[1:]

		step := Step{Op: op, Line: lineNo}
		switch op {
		case OpNavigate:
			if len(args) != 1 {
				return nil, parseErr(lineNo, "navigate takes exactly one URL")
			}
			step.Value = args[0]
		case OpClick, OpExpectVisible:
			if len(args) != 1 {
				return nil, parseErr(lineNo, "%s takes exactly one selector", op)
			}
			step.Selector = args[0]
		case OpFill:
			if len(args) < 2 {
				return nil, parseErr(lineNo, "fill takes a selector and a value")
			}
			step.Selector = args[0]
			step.Value = strings.Join(args[1:], " ")
		case OpWait:
			if len(args) < 1 || len(args) > 2 {
				return nil, parseErr(lineNo, "wait takes a selector and an optional state")
			}
			step.Selector = args[0]
			step.Value = "visible"
			if len(args) == 2 {
				switch args[1] {
				case "visible", "hidden", "attached", "detached":
					step.Value = args[1]
				default:
					return nil, parseErr(lineNo, "unknown wait state %q", args[1])
				}
			}
		case OpExpectText:
			if len(args) < 2 {
				return nil, parseErr(lineNo, "expect_text takes a selector and a quoted text")
			}
			step.Selector = args[0]
			step.Value = strings.Trim(strings.Join(args[1:], " "), `"`)
		case OpSleep:
			if len(args) != 1 {
				return nil, parseErr(lineNo, "sleep takes exactly one duration")
			}
			if _, err := time.ParseDuration(args[0]); err != nil {
				return nil, parseErr(lineNo, "invalid duration %q", args[0])
			}
			step.Value = args[0]
		default:
			return nil, parseErr(lineNo, "unknown statement %q", fields[0])
		}
		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("script has no statements")
	}
	return steps, nil
}

func parseErr(line int, format string, v ...interface{}) error {
	return fmt.Errorf("line %d: %s", line, fmt.Sprintf(format, v...))
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*(target_url|secret:[A-Za-z0-9_.-]+)\s*\}\}`)

// ResolvePlaceholders substitutes {{target_url}} and {{secret:KEY}} markers
// from the session's secret store. A missing key is a normal run failure
// for the generated code, surfaced as an error wrapping
// secrets.ErrKeyNotFound.
func ResolvePlaceholders(value string, store *secrets.Store) (string, error) {
	var resolveErr error
	resolved := placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		inner := strings.TrimSpace(strings.Trim(match, "{}"))
		if inner == "target_url" {
			return store.TargetURL()
		}
		key := strings.TrimPrefix(inner, "secret:")
		secret, err := store.Get(key)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}
			return match
		}
		return secret
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return resolved, nil
}
