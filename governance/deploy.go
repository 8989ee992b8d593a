package governance

import (
	"github.com/cockroachdb/errors"
)

// Deployable is the deployability predicate, always recomputed from
// current rule statuses and never cached from a prior deploy: the
// ruleset itself must be active and every owned rule must be ACTIVE or
// INACTIVE.
func Deployable(rs *Ruleset, rules []Rule) bool {
	if !rs.IsActive {
		return false
	}
	for i := range rules {
		if !rules[i].Status.Deployable() {
			return false
		}
	}
	return true
}

// checkDeployable returns a descriptive error naming the first rule
// that blocks deployment.
func checkDeployable(rs *Ruleset, rules []Rule) error {
	if !rs.IsActive {
		return errors.Wrapf(ErrNotDeployable, "ruleset %s is inactive", rs.ID)
	}
	for i := range rules {
		if !rules[i].Status.Deployable() {
			return errors.Wrapf(ErrNotDeployable,
				"rule %s has status %s", rules[i].ID, rules[i].Status)
		}
	}
	return nil
}
