package config

import (
	"fmt"
	"time"
)

// ValidatableConfig is any configuration section that can check itself.
type ValidatableConfig interface {
	Validate() []error
}

// Validate runs every section and returns all problems found, so the user
// sees them at once.
func Validate(cfgs ...ValidatableConfig) []error {
	var out []error
	for _, cfg := range cfgs {
		out = append(out, cfg.Validate()...)
	}
	return out
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%d not in [1, 65535]", port)
	}
	return nil
}

func validateTimeout(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("'--%s' must not be negative, got %s", name, d)
	}
	return nil
}
