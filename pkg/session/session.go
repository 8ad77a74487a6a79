// Package session holds the persistent representation of one test under
// construction: its source code, the human question/answer trail, the
// decomposed todo list and the patch history.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoPendingTodos is returned when a construction effort is started
// against a session with nothing left to do.
var ErrNoPendingTodos = errors.New("session: no pending todo items")

// TodoStatus is the lifecycle state of one decomposed sub-goal.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in-progress"
	TodoDone       TodoStatus = "done"
	TodoBlocked    TodoStatus = "blocked"
)

// CodeRange marks the lines of the session's source that a done todo item
// corresponds to. Recorded when the item is marked done; the patch validator
// protects these ranges on later cycles. Lines are 1-based and inclusive.
type CodeRange struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// TodoItem is one sub-goal of the overall test-construction effort.
type TodoItem struct {
	Description string     `json:"description"`
	Status      TodoStatus `json:"status"`
	Range       *CodeRange `json:"range,omitempty"`
}

// QA is one docstring entry: a question surfaced to the human and the
// answer they gave. Entries are append-only; prior answers are never
// rewritten, preserving the audit trail.
type QA struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	Cycle    int       `json:"cycle"`
	At       time.Time `json:"at"`
}

// PatchRecord is the provenance entry for one proposed patch.
type PatchRecord struct {
	Cycle    int       `json:"cycle"`
	Code     string    `json:"code"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Session is one test-construction effort, the unit of resumability between
// process invocations. Owned exclusively by the iteration controller while a
// construction effort runs.
type Session struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Instructions is the human-provided description of what the test
	// should verify.
	Instructions string `json:"instructions"`

	// Code is the current accepted source of the test.
	Code string `json:"code"`

	// Docstring is the ordered, append-only question/answer trail.
	Docstring []QA `json:"docstring"`

	// PendingQuestion is set while the controller is suspended waiting for
	// human input; cleared when the answer is appended.
	PendingQuestion string `json:"pending_question,omitempty"`

	Todos   []TodoItem    `json:"todos"`
	Cycle   int           `json:"cycle"`
	History []PatchRecord `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a session with the given todo descriptions, all pending.
func New(name, instructions string, todos []string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New().String(),
		Name:         name,
		Instructions: instructions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, desc := range todos {
		s.Todos = append(s.Todos, TodoItem{Description: desc, Status: TodoPending})
	}
	return s
}

// CurrentTodo returns the first item that is in progress or pending, along
// with its index. ok is false when nothing actionable remains.
func (s *Session) CurrentTodo() (item *TodoItem, index int, ok bool) {
	for i := range s.Todos {
		switch s.Todos[i].Status {
		case TodoInProgress:
			return &s.Todos[i], i, true
		}
	}
	for i := range s.Todos {
		if s.Todos[i].Status == TodoPending {
			return &s.Todos[i], i, true
		}
	}
	return nil, -1, false
}

// HasPending reports whether any item is still pending or in progress.
func (s *Session) HasPending() bool {
	_, _, ok := s.CurrentTodo()
	return ok
}

// DoneTodos returns the items already marked done.
func (s *Session) DoneTodos() []TodoItem {
	var done []TodoItem
	for _, item := range s.Todos {
		if item.Status == TodoDone {
			done = append(done, item)
		}
	}
	return done
}

// MarkDone marks the item at index done and records the code range it
// corresponds to.
func (s *Session) MarkDone(index int, rng *CodeRange) {
	if index < 0 || index >= len(s.Todos) {
		return
	}
	s.Todos[index].Status = TodoDone
	s.Todos[index].Range = rng
	s.touch()
}

// AskQuestion records the question the controller is suspended on.
func (s *Session) AskQuestion(question string) {
	s.PendingQuestion = question
	s.touch()
}

// AnswerQuestion appends exactly one docstring entry for the pending
// question and clears it. Prior entries are never modified.
func (s *Session) AnswerQuestion(answer string) {
	s.Docstring = append(s.Docstring, QA{
		Question: s.PendingQuestion,
		Answer:   answer,
		Cycle:    s.Cycle,
		At:       time.Now().UTC(),
	})
	s.PendingQuestion = ""
	s.touch()
}

// RecordPatch appends a provenance record. Accepted patches also replace the
// session's code and todo list; done statuses and ranges survive the
// replacement so regression protection is never silently dropped.
func (s *Session) RecordPatch(code string, todos []TodoItem, accepted bool, reason string) {
	s.History = append(s.History, PatchRecord{
		Cycle:    s.Cycle,
		Code:     code,
		Accepted: accepted,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	if !accepted {
		s.touch()
		return
	}

	if todos != nil {
		merged := mergeTodos(s.Todos, todos)
		s.Todos = merged
	}
	s.Code = code
	s.touch()
}

// CodeAtCycle returns the accepted code as of the given cycle, enabling
// rollback to any prior cycle. Falls back to the current code when no
// accepted record exists at or before that cycle.
func (s *Session) CodeAtCycle(cycle int) string {
	code := s.Code
	for i := len(s.History) - 1; i >= 0; i-- {
		rec := s.History[i]
		if rec.Accepted && rec.Cycle <= cycle {
			return rec.Code
		}
	}
	return code
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// mergeTodos applies a proposed todo list while preserving the status and
// recorded range of items already done.
func mergeTodos(current, proposed []TodoItem) []TodoItem {
	done := make(map[string]TodoItem, len(current))
	for _, item := range current {
		if item.Status == TodoDone {
			done[item.Description] = item
		}
	}

	merged := make([]TodoItem, 0, len(proposed))
	seen := make(map[string]bool, len(proposed))
	for _, item := range proposed {
		if prior, ok := done[item.Description]; ok {
			merged = append(merged, prior)
		} else {
			merged = append(merged, item)
		}
		seen[item.Description] = true
	}

	// A proposal may not drop a done item; re-append any it omitted.
	for _, item := range current {
		if item.Status == TodoDone && !seen[item.Description] {
			merged = append(merged, item)
		}
	}
	return merged
}
