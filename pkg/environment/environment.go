// Package environment names the deployment environments a rollout
// binary can run in and normalizes the aliases operators type.
package environment

import "strings"

// Environment represents application environment.
type Environment string

const (
	// Development for development environment.
	Development Environment = "development"
	// Staging for staging environment.
	Staging Environment = "staging"
	// Production for production environment.
	Production Environment = "production"
)

// Parse maps an environment name or its short alias to an Environment.
// Anything unrecognized is treated as Development.
func Parse(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Production), "prod":
		return Production
	case string(Staging), "stage":
		return Staging
	default:
		return Development
	}
}

// IsProduction reports whether env is the production environment.
func (e Environment) IsProduction() bool { return e == Production }

func (e Environment) String() string { return string(e) }
