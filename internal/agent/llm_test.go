package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel fails the first `failures` calls, then answers with reply.
type fakeModel struct {
	mu       sync.Mutex
	failures int
	reply    string
	calls    int
	prompts  []string
	info     map[string]any
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, tc.Text)
			}
		}
	}
	if f.calls <= f.failures {
		return nil, errors.New("503 overloaded")
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply, GenerationInfo: f.info}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func testCapability(m llms.Model, retries int) *LLMCapability {
	c := NewLLMCapabilityWithModel(m, config.AgentsConfig{
		Model:      "test-model",
		MaxRetries: retries,
		RateLimit:  1000,
		Burst:      10,
	}, nil)
	c.baseBackoff = time.Millisecond
	return c
}

func TestLLMCapability_Invoke(t *testing.T) {
	m := &fakeModel{reply: "artifact body"}
	c := testCapability(m, 2)

	art, err := c.Invoke(context.Background(), Request{Role: "developer", Instructions: "Build it.", Context: "spec"})
	require.NoError(t, err)
	assert.Equal(t, "artifact body", art.Content)
	assert.Equal(t, "developer", art.Role)
	assert.Equal(t, "test-model", art.Model)

	require.Len(t, m.prompts, 1)
	assert.True(t, strings.HasPrefix(m.prompts[0], "You are the developer agent."))
	assert.Contains(t, m.prompts[0], "Build it.")
	assert.Contains(t, m.prompts[0], "spec")
}

func TestLLMCapability_RetriesThenSucceeds(t *testing.T) {
	m := &fakeModel{failures: 2, reply: "ok"}
	c := testCapability(m, 3)

	art, err := c.Invoke(context.Background(), Request{Role: "qa"})
	require.NoError(t, err)
	assert.Equal(t, "ok", art.Content)
	assert.Equal(t, 3, m.calls)
}

func TestLLMCapability_ExhaustedIsTransient(t *testing.T) {
	m := &fakeModel{failures: 10}
	c := testCapability(m, 1)

	_, err := c.Invoke(context.Background(), Request{Role: "qa"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, m.calls)
}

func TestLLMCapability_EmptyOutputIsValidation(t *testing.T) {
	c := testCapability(&fakeModel{reply: "  "}, 0)

	_, err := c.Invoke(context.Background(), Request{Role: "qa"})
	assert.True(t, IsValidation(err))
}

func TestNewLLMCapability_Errors(t *testing.T) {
	_, err := NewLLMCapability(config.AgentsConfig{Provider: "anthropic"}, nil)
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = NewLLMCapability(config.AgentsConfig{Provider: "llama", APIKey: "k"}, nil)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestLLMCapability_ReportsProviderUsage(t *testing.T) {
	m := &fakeModel{reply: "done", info: map[string]any{"PromptTokens": 120, "CompletionTokens": 30, "TotalTokens": 150}}
	art, err := testCapability(m, 0).Invoke(context.Background(), Request{Role: "developer", Instructions: "Build it."})
	require.NoError(t, err)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 30}, art.Usage)
}

func TestLLMCapability_EstimatesUsageWithoutCounts(t *testing.T) {
	m := &fakeModel{reply: strings.Repeat("x", 40)}
	art, err := testCapability(m, 0).Invoke(context.Background(), Request{Role: "qa"})
	require.NoError(t, err)
	assert.True(t, art.Usage.Estimated)
	assert.Equal(t, 10, art.Usage.OutputTokens)
	assert.Equal(t, estimateTokens(m.prompts[0]), art.Usage.InputTokens)
}

func TestNewLLMCapability_AnthropicRejectsBaseURL(t *testing.T) {
	_, err := NewLLMCapability(config.AgentsConfig{Provider: "anthropic", APIKey: "k", BaseURL: "http://localhost:8080"}, nil)
	require.ErrorIs(t, err, ErrNoProvider)
	assert.Contains(t, err.Error(), "base_url")

	c, err := NewLLMCapability(config.AgentsConfig{Provider: "openai", APIKey: "k", BaseURL: "http://localhost:8080/v1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c.model)
}

func TestNewLLMCapability_BuildsProviders(t *testing.T) {
	for _, p := range []string{"anthropic", "openai"} {
		c, err := NewLLMCapability(config.AgentsConfig{Provider: p, APIKey: "k", Model: "m"}, nil)
		require.NoError(t, err, p)
		assert.NotNil(t, c.model)
	}
}
