// Package secrets redacts credentials from agent output before it is
// persisted in decision traces. Detection uses the gitleaks default rule set.
package secrets
