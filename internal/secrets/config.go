package secrets

import (
	"fmt"
	"regexp"
)

// Config controls scrubbing.
type Config struct {
	Enabled         bool
	RedactionString string
	// AllowRegexes exempt matching secrets, e.g. documented example keys.
	AllowRegexes []string
}

// DefaultConfig returns an enabled config with the standard marker.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: "[REDACTED]",
	}
}

// Validate compiles the allow list.
func (c *Config) Validate() error {
	if c.Enabled && c.RedactionString == "" {
		return fmt.Errorf("redaction string cannot be empty")
	}
	for _, p := range c.AllowRegexes {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid allow regex %q: %w", p, err)
		}
	}
	return nil
}
