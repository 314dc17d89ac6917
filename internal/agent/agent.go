package agent

import (
	"context"
	"time"
)

// Request is one call to a capability provider.
type Request struct {
	Role         string `json:"role"`
	Instructions string `json:"instructions"`
	Context      string `json:"context"`
}

// Usage is the token count of one call. Estimated is set when the
// provider did not report counts and they were derived from text length.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Artifact is what a provider returns.
type Artifact struct {
	Role     string        `json:"role"`
	Content  string        `json:"content"`
	Model    string        `json:"model,omitempty"`
	Duration time.Duration `json:"duration"`
	Usage    Usage         `json:"usage"`
}

// Capability produces an artifact for a role. Callers always pass a
// context with a deadline; every returned error is retryable by the caller.
type Capability interface {
	Invoke(ctx context.Context, req Request) (Artifact, error)
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, req Request) (Artifact, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Artifact, error) {
	return f(ctx, req)
}

// WithDeadline invokes c under a timeout, converting deadline expiry into a
// TransientError so callers see one error shape for slow providers.
func WithDeadline(ctx context.Context, c Capability, timeout time.Duration, req Request) (Artifact, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	art, err := c.Invoke(ctx, req)
	if err != nil {
		if ctx.Err() != nil && !IsTransient(err) {
			return Artifact{}, &TransientError{Role: req.Role, Err: ctx.Err()}
		}
		return Artifact{}, err
	}
	if art.Role == "" {
		art.Role = req.Role
	}
	if art.Duration == 0 {
		art.Duration = time.Since(start)
	}
	return art, nil
}
