package agent

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/logging"
)

// Unattributed collects calls made outside any project run.
const Unattributed = "unattributed"

var (
	tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "agent",
			Name:      "tokens_total",
			Help:      "Model tokens by role and direction",
		},
		[]string{"role", "direction"},
	)

	costUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conclave",
			Subsystem: "agent",
			Name:      "cost_usd_total",
			Help:      "Estimated model spend in USD by role",
		},
		[]string{"role"},
	)
)

// RoleUsage is the spend of one role.
type RoleUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Ledger totals the model spend of one project.
type Ledger struct {
	Calls          int                  `json:"calls"`
	EstimatedCalls int                  `json:"estimated_calls,omitempty"`
	InputTokens    int                  `json:"input_tokens"`
	OutputTokens   int                  `json:"output_tokens"`
	CostUSD        float64              `json:"cost_usd"`
	ByRole         map[string]RoleUsage `json:"by_role,omitempty"`
}

// Empty reports whether nothing was recorded.
func (l Ledger) Empty() bool { return l.Calls == 0 }

// Merge adds o into l.
func (l *Ledger) Merge(o Ledger) {
	l.Calls += o.Calls
	l.EstimatedCalls += o.EstimatedCalls
	l.InputTokens += o.InputTokens
	l.OutputTokens += o.OutputTokens
	l.CostUSD += o.CostUSD
	for role, u := range o.ByRole {
		if l.ByRole == nil {
			l.ByRole = make(map[string]RoleUsage)
		}
		cur := l.ByRole[role]
		cur.Calls += u.Calls
		cur.InputTokens += u.InputTokens
		cur.OutputTokens += u.OutputTokens
		cur.CostUSD += u.CostUSD
		l.ByRole[role] = cur
	}
}

// Clone returns a copy that shares nothing with l.
func (l Ledger) Clone() Ledger {
	c := l
	c.ByRole = nil
	c.Merge(Ledger{ByRole: l.ByRole})
	return c
}

func (l *Ledger) add(role string, u Usage, cost float64) {
	l.Merge(Ledger{
		Calls:          1,
		EstimatedCalls: boolInt(u.Estimated),
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		CostUSD:        cost,
		ByRole: map[string]RoleUsage{role: {
			Calls:        1,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUSD:      cost,
		}},
	})
}

// Meter wraps a Capability and books the usage of every successful call
// against the project in the call's run context. Owners drain a
// project's ledger when they persist it.
type Meter struct {
	next    Capability
	pricing map[string]config.PriceConfig
	model   string

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

// NewMeter meters next with the prices in cfg.
func NewMeter(next Capability, cfg config.AgentsConfig) *Meter {
	return &Meter{
		next:    next,
		pricing: cfg.Pricing,
		model:   cfg.Model,
		ledgers: make(map[string]*Ledger),
	}
}

// Invoke calls the wrapped capability and records its usage.
func (m *Meter) Invoke(ctx context.Context, req Request) (Artifact, error) {
	art, err := m.next.Invoke(ctx, req)
	if err != nil {
		return art, err
	}
	project := Unattributed
	if run, ok := logging.RunFromContext(ctx); ok && run.ProjectID != "" {
		project = run.ProjectID
	}
	m.record(project, req.Role, art)
	return art, nil
}

func (m *Meter) record(project, role string, art Artifact) {
	cost := m.Cost(art.Model, art.Usage)
	tokensUsed.WithLabelValues(role, "input").Add(float64(art.Usage.InputTokens))
	tokensUsed.WithLabelValues(role, "output").Add(float64(art.Usage.OutputTokens))
	costUSD.WithLabelValues(role).Add(cost)

	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[project]
	if !ok {
		l = &Ledger{}
		m.ledgers[project] = l
	}
	l.add(role, art.Usage, cost)
}

// Cost prices u at the rate of model, falling back to the configured
// model and then to the "default" entry.
func (m *Meter) Cost(model string, u Usage) float64 {
	p, ok := m.pricing[model]
	if !ok {
		p, ok = m.pricing[m.model]
	}
	if !ok {
		p = m.pricing["default"]
	}
	return (float64(u.InputTokens)*p.Input + float64(u.OutputTokens)*p.Output) / 1e6
}

// Drain returns the usage booked against project since the last drain
// and forgets it.
func (m *Meter) Drain(project string) Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[project]
	if !ok {
		return Ledger{}
	}
	delete(m.ledgers, project)
	return *l
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
