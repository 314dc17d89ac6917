package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errEmptyResponse = errors.New("empty response from model")

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultRateLimit   = 2.0
	defaultBurst       = 4
)

// LLMCapability serves every role from one langchaingo model. Calls are
// rate limited and retried with exponential backoff.
type LLMCapability struct {
	model       llms.Model
	modelName   string
	temperature float64
	maxTokens   int
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// NewLLMCapability builds the provider named in cfg.
func NewLLMCapability(cfg config.AgentsConfig, logger *zap.Logger) (*LLMCapability, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("%w: agents.api_key is required for %s", ErrNoProvider, cfg.Provider)
	}

	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey.Value())}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			return nil, fmt.Errorf("%w: agents.base_url is only supported by the openai provider", ErrNoProvider)
		}
		model, err = anthropic.New(opts...)
	case "openai":
		opts := []openai.Option{openai.WithToken(cfg.APIKey.Value())}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Provider, err)
	}

	return NewLLMCapabilityWithModel(model, cfg, logger), nil
}

// NewLLMCapabilityWithModel wraps an already constructed model.
func NewLLMCapabilityWithModel(model llms.Model, cfg config.AgentsConfig, logger *zap.Logger) *LLMCapability {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit, burst := cfg.RateLimit, cfg.Burst
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &LLMCapability{
		model:       model,
		modelName:   cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
		maxRetries:  cfg.MaxRetries,
		baseBackoff: defaultBaseBackoff,
		logger:      logger,
	}
}

// Invoke sends the request, retrying failed calls within the context deadline.
func (c *LLMCapability) Invoke(ctx context.Context, req Request) (Artifact, error) {
	start := time.Now()
	prompt := buildPrompt(req)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Artifact{}, &TransientError{Role: req.Role, Err: ctx.Err()}
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return Artifact{}, &TransientError{Role: req.Role, Err: fmt.Errorf("rate limiter: %w", err)}
		}

		opts := []llms.CallOption{llms.WithTemperature(c.temperature)}
		if c.maxTokens > 0 {
			opts = append(opts, llms.WithMaxTokens(c.maxTokens))
		}
		resp, err := c.model.GenerateContent(ctx, []llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeHuman, prompt),
		}, opts...)
		if err == nil && len(resp.Choices) == 0 {
			err = errEmptyResponse
		}
		if err == nil {
			choice := resp.Choices[0]
			if strings.TrimSpace(choice.Content) == "" {
				return Artifact{}, &ValidationError{Role: req.Role, Errors: []string{ErrEmptyOutput.Error()}}
			}
			return Artifact{
				Role:     req.Role,
				Content:  choice.Content,
				Model:    c.modelName,
				Duration: time.Since(start),
				Usage:    usageOf(choice, prompt),
			}, nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		c.logger.Debug("agent call failed",
			zap.String("role", req.Role),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return Artifact{}, &TransientError{Role: req.Role, Err: fmt.Errorf("after %d attempt(s): %w", c.maxRetries+1, lastErr)}
}

// usageOf reads the token counts a provider put in GenerationInfo. The
// openai client reports them; others fall back to about four characters
// per token.
func usageOf(choice *llms.ContentChoice, prompt string) Usage {
	in, okIn := intInfo(choice.GenerationInfo, "PromptTokens")
	out, okOut := intInfo(choice.GenerationInfo, "CompletionTokens")
	if okIn && okOut {
		return Usage{InputTokens: in, OutputTokens: out}
	}
	return Usage{
		InputTokens:  estimateTokens(prompt),
		OutputTokens: estimateTokens(choice.Content),
		Estimated:    true,
	}
}

func intInfo(info map[string]any, key string) (int, bool) {
	switch v := info[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent.\n\n", req.Role)
	b.WriteString(req.Instructions)
	if req.Context != "" {
		b.WriteString("\n\n---\n\n")
		b.WriteString(req.Context)
	}
	return b.String()
}
