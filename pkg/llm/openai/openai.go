// Package openai implements the proposal and judgment backends on the
// OpenAI chat completions API, including OpenAI-compatible services via a
// custom base URL.
package openai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/entrhq/stitch/pkg/llm"
)

// Backend implements llm.Proposer and llm.Judge against one model.
type Backend struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	prompts     *llm.PromptBuilder
}

// Option configures a Backend.
type Option func(*Backend)

// WithModel sets the model used for completions.
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temperature float64) Option {
	return func(b *Backend) { b.temperature = temperature }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(maxTokens int) Option {
	return func(b *Backend) { b.maxTokens = maxTokens }
}

// NewBackend creates a backend. An empty apiKey falls back to the
// OPENAI_API_KEY environment variable; an empty baseURL uses the standard
// endpoint or OPENAI_BASE_URL when set.
func NewBackend(apiKey, baseURL string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via config or OPENAI_API_KEY)")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}

	b := &Backend{
		client:      openai.NewClient(clientOpts...),
		model:       "gpt-4o",
		temperature: 0.2,
		maxTokens:   4096,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.prompts = llm.NewPromptBuilder(b.model, 0)
	return b, nil
}

// Model returns the model name in use.
func (b *Backend) Model() string { return b.model }

// Propose drafts or repairs test code.
func (b *Backend) Propose(ctx context.Context, req llm.ProposalRequest) (*llm.Proposal, error) {
	raw, err := b.complete(ctx, llm.ProposalSystemPrompt, b.prompts.BuildProposalPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("proposal request failed: %w", err)
	}

	proposal, err := llm.ParseProposal(raw)
	if err != nil {
		return nil, fmt.Errorf("unusable proposal completion: %w", err)
	}
	return proposal, nil
}

// Judge evaluates run evidence against the current objective.
func (b *Backend) Judge(ctx context.Context, req llm.JudgeRequest) (*llm.Judgment, error) {
	raw, err := b.complete(ctx, llm.JudgeSystemPrompt, b.prompts.BuildJudgePrompt(req))
	if err != nil {
		return nil, fmt.Errorf("judgment request failed: %w", err)
	}

	judgment, err := llm.ParseJudgment(raw)
	if err != nil {
		return nil, fmt.Errorf("unusable judgment completion: %w", err)
	}
	return judgment, nil
}

func (b *Backend) complete(ctx context.Context, system, user string) (string, error) {
	completion, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(b.temperature),
		MaxCompletionTokens: openai.Int(int64(b.maxTokens)),
	})
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("completion has no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
