// Package agenttest provides Capability doubles for tests.
package agenttest

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/stretchr/testify/mock"
)

// MockCapability is a testify mock of agent.Capability.
type MockCapability struct {
	mock.Mock
}

func (m *MockCapability) Invoke(ctx context.Context, req agent.Request) (agent.Artifact, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, agent.Request) (agent.Artifact, error)); ok {
		return fn(ctx, req)
	}
	return args.Get(0).(agent.Artifact), args.Error(1)
}

// ForRole matches requests by role in mock expectations.
func ForRole(role string) interface{} {
	return mock.MatchedBy(func(req agent.Request) bool { return req.Role == role })
}

// Scripted answers each role from a fixed table and records calls.
// Roles without an entry get Default.
type Scripted struct {
	mu      sync.Mutex
	Answers map[string][]string
	Default string
	Calls   []agent.Request
}

// NewScripted returns a Scripted with the given per-role answers. Each
// call pops the next answer for the role; the last one repeats.
func NewScripted(answers map[string][]string) *Scripted {
	return &Scripted{Answers: answers}
}

func (s *Scripted) Invoke(ctx context.Context, req agent.Request) (agent.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return agent.Artifact{}, &agent.TransientError{Role: req.Role, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)

	out := s.Default
	if queue := s.Answers[req.Role]; len(queue) > 0 {
		out = queue[0]
		if len(queue) > 1 {
			s.Answers[req.Role] = queue[1:]
		}
	}
	return agent.Artifact{Role: req.Role, Content: out}, nil
}

// CallsFor returns how many times role was invoked.
func (s *Scripted) CallsFor(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c.Role == role {
			n++
		}
	}
	return n
}
