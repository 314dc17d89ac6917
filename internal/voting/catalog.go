package voting

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/conclave/internal/config"
)

//go:embed default_gates.toml
var defaultGates string

var (
	// ErrUnknownGate is returned for gate ids missing from the catalog.
	ErrUnknownGate = errors.New("unknown gate")

	// ErrInvalidGate is returned by catalog validation.
	ErrInvalidGate = errors.New("invalid gate")

	// ErrNoVoters is returned when an evaluation has no voters.
	ErrNoVoters = errors.New("gate has no voters")
)

// GateType is informational; every type runs through the same aggregation.
type GateType string

const (
	GateMajor  GateType = "major"
	GateMinor  GateType = "minor"
	GateSingle GateType = "single"
)

// VoterConfig is one voter of a gate. Voters differ only by data.
type VoterConfig struct {
	ID           string  `toml:"id" json:"id"`
	Role         string  `toml:"role" json:"role"`
	Blocking     bool    `toml:"blocking" json:"blocking"`
	Instructions string  `toml:"instructions" json:"instructions,omitempty"`
	Weight       float64 `toml:"weight" json:"weight,omitempty"`
}

// GateConfig defines a gate. Zero-valued policy fields fall back to the
// voting config.
type GateConfig struct {
	ID           string          `toml:"id" json:"id"`
	Name         string          `toml:"name" json:"name"`
	Type         GateType        `toml:"type" json:"type"`
	Trigger      string          `toml:"trigger" json:"trigger"`
	DecisionType string          `toml:"decision_type" json:"decision_type"`
	Criteria     string          `toml:"criteria" json:"criteria,omitempty"`
	Threshold    float64         `toml:"threshold" json:"threshold,omitempty"`
	MinQuorum    int             `toml:"min_quorum" json:"min_quorum,omitempty"`
	MaxRetries   int             `toml:"max_retries" json:"max_retries,omitempty"`
	VoterTimeout config.Duration `toml:"voter_timeout" json:"voter_timeout,omitempty"`
	Voters       []VoterConfig   `toml:"voters" json:"voters"`
	RevisionRole string          `toml:"revision_role" json:"revision_role"`
}

// Policy resolves the gate's aggregation policy against defaults.
func (g GateConfig) Policy(cfg config.VotingConfig) Policy {
	p := Policy{
		Threshold: cfg.Threshold,
		MinQuorum: cfg.MinQuorum,
		Weights:   Weights{High: cfg.WeightHigh, Medium: cfg.WeightMedium, Low: cfg.WeightLow},
	}
	def := DefaultWeights()
	if p.Weights.High <= 0 {
		p.Weights.High = def.High
	}
	if p.Weights.Medium <= 0 {
		p.Weights.Medium = def.Medium
	}
	if p.Weights.Low <= 0 {
		p.Weights.Low = def.Low
	}
	if g.Threshold > 0 {
		p.Threshold = g.Threshold
	}
	if p.Threshold == 0 {
		p.Threshold = 0.6
	}
	if g.MinQuorum > 0 {
		p.MinQuorum = g.MinQuorum
	}
	return p
}

// Retries returns the rework budget for the gate.
func (g GateConfig) Retries(cfg config.VotingConfig) int {
	if g.MaxRetries > 0 {
		return g.MaxRetries
	}
	if cfg.MaxRetries > 0 {
		return cfg.MaxRetries
	}
	return 3
}

// Timeout returns the per-voter deadline for the gate.
func (g GateConfig) Timeout(cfg config.VotingConfig) time.Duration {
	if d := g.VoterTimeout.Duration(); d > 0 {
		return d
	}
	if d := cfg.VoterTimeout.Duration(); d > 0 {
		return d
	}
	return 60 * time.Second
}

func (g GateConfig) validate() error {
	var errs []error
	if g.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if g.Name == "" {
		errs = append(errs, errors.New("missing name"))
	}
	switch g.Type {
	case GateMajor, GateMinor, GateSingle:
	default:
		errs = append(errs, fmt.Errorf("unknown type %q", g.Type))
	}
	if len(g.Voters) == 0 {
		errs = append(errs, ErrNoVoters)
	}
	if g.Type == GateSingle && len(g.Voters) != 1 {
		errs = append(errs, fmt.Errorf("single gate needs exactly one voter, has %d", len(g.Voters)))
	}
	if g.Threshold < 0 || g.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %v outside [0, 1]", g.Threshold))
	}
	if g.MinQuorum > len(g.Voters) {
		errs = append(errs, fmt.Errorf("min_quorum %d exceeds %d voters", g.MinQuorum, len(g.Voters)))
	}
	if g.RevisionRole == "" {
		errs = append(errs, errors.New("missing revision_role"))
	}
	seen := make(map[string]bool)
	for i, v := range g.Voters {
		if v.ID == "" || v.Role == "" {
			errs = append(errs, fmt.Errorf("voter %d: id and role are required", i+1))
			continue
		}
		if seen[v.ID] {
			errs = append(errs, fmt.Errorf("duplicate voter %s", v.ID))
		}
		seen[v.ID] = true
		if v.Weight < 0 {
			errs = append(errs, fmt.Errorf("voter %s: negative weight", v.ID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidGate, g.ID, err)
	}
	return nil
}

type catalogFile struct {
	Gates []GateConfig `toml:"gates"`
}

// ParseCatalog decodes and validates TOML gate definitions.
func ParseCatalog(data string) ([]GateConfig, error) {
	var f catalogFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decoding gate catalog: %w", err)
	}
	for _, g := range f.Gates {
		if err := g.validate(); err != nil {
			return nil, err
		}
	}
	return f.Gates, nil
}

// Catalog is the set of configured gates. It is safe for concurrent use
// and may be replaced while evaluations run.
type Catalog struct {
	mu    sync.RWMutex
	gates map[string]GateConfig
	order []string
}

// DefaultCatalog returns the built-in five gates.
func DefaultCatalog() *Catalog {
	gates, err := ParseCatalog(defaultGates)
	if err != nil {
		panic(fmt.Sprintf("built-in gate catalog: %v", err))
	}
	c := &Catalog{}
	c.set(gates)
	return c
}

// NewCatalog builds a catalog from explicit gates.
func NewCatalog(gates ...GateConfig) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(gates); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog returns the default catalog with gates from the TOML file at
// path replacing defaults of the same id. An empty path yields the
// defaults.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	if err := c.Reload(path); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads path over the defaults and swaps the result in. The
// catalog is unchanged when the file is invalid.
func (c *Catalog) Reload(path string) error {
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return err
	}
	var f catalogFile
	if _, err := toml.DecodeFile(expanded, &f); err != nil {
		return fmt.Errorf("reading gate catalog %s: %w", expanded, err)
	}
	defaults, err := ParseCatalog(defaultGates)
	if err != nil {
		return err
	}
	merged := make([]GateConfig, 0, len(defaults)+len(f.Gates))
	index := make(map[string]int)
	for _, g := range defaults {
		index[g.ID] = len(merged)
		merged = append(merged, g)
	}
	for _, g := range f.Gates {
		if i, ok := index[g.ID]; ok {
			merged[i] = g
			continue
		}
		index[g.ID] = len(merged)
		merged = append(merged, g)
	}
	return c.Replace(merged)
}

// Replace validates gates and swaps them in atomically.
func (c *Catalog) Replace(gates []GateConfig) error {
	seen := make(map[string]bool)
	for _, g := range gates {
		if err := g.validate(); err != nil {
			return err
		}
		if seen[g.ID] {
			return fmt.Errorf("%w: duplicate gate %s", ErrInvalidGate, g.ID)
		}
		seen[g.ID] = true
	}
	c.set(gates)
	return nil
}

func (c *Catalog) set(gates []GateConfig) {
	m := make(map[string]GateConfig, len(gates))
	order := make([]string, 0, len(gates))
	for _, g := range gates {
		m[g.ID] = g
		order = append(order, g.ID)
	}
	c.mu.Lock()
	c.gates, c.order = m, order
	c.mu.Unlock()
}

// Gate returns the gate with the given id.
func (c *Catalog) Gate(id string) (GateConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.gates[id]
	if !ok {
		return GateConfig{}, fmt.Errorf("%w: %s", ErrUnknownGate, id)
	}
	return g, nil
}

// Gates returns every gate in definition order.
func (c *Catalog) Gates() []GateConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]GateConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.gates[id])
	}
	return out
}
