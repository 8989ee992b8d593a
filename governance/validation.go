package governance

import (
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 1000
)

// validateName checks the shared name constraints for rulesets and rules.
func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.Wrap(ErrBadParameter, "name is required")
	}
	if len(name) > maxNameLength {
		return errors.Wrapf(ErrBadParameter, "name exceeds %d characters", maxNameLength)
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return errors.Wrapf(ErrBadParameter, "description exceeds %d characters", maxDescriptionLength)
	}
	return nil
}

func validateDomain(domain Domain) error {
	if !domain.Valid() {
		return errors.Wrapf(ErrBadParameter, "unknown domain %q", string(domain))
	}
	return nil
}

func validateEnvironment(env Environment) error {
	if !env.Valid() {
		return errors.Wrapf(ErrBadParameter, "unknown environment %q", string(env))
	}
	return nil
}
