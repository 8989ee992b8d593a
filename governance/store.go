package governance

import (
	"context"
)

// Store persists the three governance relations: rulesets, rules and
// the ruleset-by-environment deployment registry, plus one snapshot row
// per ruleset version.
//
// Update methods are compare-and-set: the caller passes the entity with
// its mutation already applied plus the version (and, for rules, the
// status) it read it at; the store commits only if the stored row still
// matches, failing with ErrConcurrentModification otherwise. That keeps
// the one-mutation-in-flight-per-entity guarantee without held locks.
type Store interface {
	// CreateRuleset fails with ErrDuplicateName if a ruleset with the
	// same name exists, compared case-insensitively.
	CreateRuleset(ctx context.Context, rs *Ruleset) error
	GetRuleset(ctx context.Context, id string) (*Ruleset, error)
	ListRulesets(ctx context.Context, filter RulesetFilter, page Page) ([]Ruleset, int, error)
	UpdateRuleset(ctx context.Context, rs *Ruleset, expectedVersion int) error
	// DeleteRuleset removes the ruleset and cascades to its rules,
	// snapshots and deployments.
	DeleteRuleset(ctx context.Context, id string) error

	SaveSnapshot(ctx context.Context, snap RulesetSnapshot) error
	// ListSnapshots returns a ruleset's version history, newest first.
	ListSnapshots(ctx context.Context, rulesetID string) ([]RulesetSnapshot, error)

	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, rulesetID, ruleID string) (*Rule, error)
	// ListRules returns a ruleset's rules in creation order.
	ListRules(ctx context.Context, rulesetID string) ([]Rule, error)
	UpdateRule(ctx context.Context, rule *Rule, expectedVersion int, expectedStatus RuleStatus) error
	DeleteRule(ctx context.Context, rulesetID, ruleID string) error

	// SetDeployment records {environment -> version} for a ruleset,
	// overwriting any prior mapping for the same environment. It
	// commits only while the stored ruleset version still equals
	// dep.Version, making the deployability check and the registry
	// write one atomic step.
	SetDeployment(ctx context.Context, dep Deployment) error
	// RemoveDeployment is idempotent: removing an absent mapping is
	// not an error.
	RemoveDeployment(ctx context.Context, rulesetID string, env Environment) error
	ListDeployments(ctx context.Context, rulesetID string) ([]Deployment, error)
}
