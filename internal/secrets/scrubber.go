package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// Check detects secrets without redacting.
	Check(content string) *Result

	IsEnabled() bool
}

type gitleaksScrubber struct {
	cfg *Config

	mu       sync.Mutex // the detector keeps per-scan state
	detector *detect.Detector
}

// New builds a Scrubber on the gitleaks default configuration.
// A nil cfg means DefaultConfig().
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return &gitleaksScrubber{cfg: cfg}, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if len(cfg.AllowRegexes) > 0 {
		allow := &gitleaksConfig.Allowlist{Description: "conclave allow list"}
		for _, p := range cfg.AllowRegexes {
			allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, allow)
	}

	return &gitleaksScrubber{cfg: cfg, detector: detector}, nil
}

// Nop returns a scrubber that never finds anything.
func Nop() Scrubber {
	return &gitleaksScrubber{cfg: &Config{}}
}

func (s *gitleaksScrubber) IsEnabled() bool {
	return s.cfg.Enabled && s.detector != nil
}

func (s *gitleaksScrubber) Check(content string) *Result {
	start := time.Now()
	res := &Result{Scrubbed: content, ByRule: map[string]int{}}
	if !s.IsEnabled() || content == "" {
		res.Duration = time.Since(start)
		return res
	}

	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	for _, f := range found {
		res.Findings = append(res.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartColumn: f.StartColumn,
			EndColumn:   f.EndColumn,
			secret:      f.Secret,
		})
		res.ByRule[f.RuleID]++
	}
	res.TotalFindings = len(res.Findings)
	res.Duration = time.Since(start)
	return res
}

func (s *gitleaksScrubber) Scrub(content string) *Result {
	res := s.Check(content)
	if !res.HasFindings() {
		return res
	}

	// Longest first so a secret containing another is replaced whole.
	secrets := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		if f.secret != "" {
			secrets = append(secrets, f.secret)
		}
	}
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })

	scrubbed := content
	for _, sec := range secrets {
		scrubbed = strings.ReplaceAll(scrubbed, sec, s.cfg.RedactionString)
	}
	res.Scrubbed = scrubbed
	return res
}
