package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/stitch/pkg/artifact"
	"github.com/entrhq/stitch/pkg/session"
	"github.com/entrhq/stitch/pkg/timeline"
)

func testBundle() *artifact.Bundle {
	return &artifact.Bundle{
		Status:  artifact.StatusFailed,
		Failure: "expect_visible .dashboard (line 4): element .dashboard is not visible",
		Events: []timeline.Event{
			{Kind: timeline.KindNavigation, Time: 0, Payload: map[string]string{"url": "https://app.example.com/login"}},
			{Kind: timeline.KindAction, Time: 120000000, Payload: map[string]string{"op": "click", "selector": "button"}},
		},
		Console: []string{"[error] POST /api/login 401"},
		DOM:     `<html><body><form class="login"></form></body></html>`,
	}
}

func TestBuildProposalPrompt(t *testing.T) {
	b := NewPromptBuilder("gpt-4o", 0)
	prompt := b.BuildProposalPrompt(ProposalRequest{
		Instructions: "Log in and verify the dashboard loads",
		Todos: []session.TodoItem{
			{Description: "reach the login page", Status: session.TodoDone},
			{Description: "submit valid credentials", Status: session.TodoPending},
		},
		CurrentCode: "navigate {{target_url}}/login",
		Bundle:      testBundle(),
		Docstring: []session.QA{
			{Question: "Which account should be used?", Answer: "Use the QA_USER secret"},
		},
	})

	assert.Contains(t, prompt, "Log in and verify the dashboard loads")
	assert.Contains(t, prompt, "[done] reach the login page")
	assert.Contains(t, prompt, "[pending] submit valid credentials")
	assert.Contains(t, prompt, "Use the QA_USER secret")
	assert.Contains(t, prompt, "navigate {{target_url}}/login")
	assert.Contains(t, prompt, "Latest run: failed")
	assert.Contains(t, prompt, "[error] POST /api/login 401")
	assert.Contains(t, prompt, "login")
}

func TestBuildProposalPromptFirstCycle(t *testing.T) {
	b := NewPromptBuilder("gpt-4o", 0)
	prompt := b.BuildProposalPrompt(ProposalRequest{
		Instructions: "Log in",
	})

	assert.Contains(t, prompt, "no script yet")
	assert.NotContains(t, prompt, "Latest run")
}

func TestBuildProposalPromptCarriesRejection(t *testing.T) {
	b := NewPromptBuilder("gpt-4o", 0)
	prompt := b.BuildProposalPrompt(ProposalRequest{
		Instructions:    "Log in",
		CurrentCode:     "navigate {{target_url}}",
		RejectionReason: "protected lines 1-3 were altered",
	})

	assert.Contains(t, prompt, "rejected: protected lines 1-3 were altered")
}

func TestBuildJudgePrompt(t *testing.T) {
	b := NewPromptBuilder("gpt-4o", 0)
	prompt := b.BuildJudgePrompt(JudgeRequest{
		Instructions: "Log in and verify the dashboard loads",
		Todo:         session.TodoItem{Description: "submit valid credentials"},
		Code:         "navigate {{target_url}}/login",
		Bundle:       testBundle(),
	})

	assert.Contains(t, prompt, "Objective under evaluation: submit valid credentials")
	assert.Contains(t, prompt, "Latest run: failed")
	assert.Contains(t, prompt, "not visible")
}

func TestPromptBudgetTruncatesDOM(t *testing.T) {
	bundle := testBundle()
	bundle.DOM = strings.Repeat("<div>filler content for the snapshot</div>\n", 2000)

	small := NewPromptBuilder("gpt-4o", 500)
	prompt := small.BuildProposalPrompt(ProposalRequest{
		Instructions: "Log in",
		CurrentCode:  "navigate {{target_url}}",
		Bundle:       bundle,
	})

	require.Contains(t, prompt, "[truncated]")
	// Status and todos survive truncation untouched.
	assert.Contains(t, prompt, "Latest run: failed")

	large := NewPromptBuilder("gpt-4o", 1000000)
	full := large.BuildProposalPrompt(ProposalRequest{
		Instructions: "Log in",
		CurrentCode:  "navigate {{target_url}}",
		Bundle:       bundle,
	})
	assert.Greater(t, len(full), len(prompt))
}
