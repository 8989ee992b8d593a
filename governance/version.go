package governance

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// RulesetPatch is a partial update to ruleset-level fields. Nil fields
// are left unchanged. Domain is immutable and deliberately absent.
type RulesetPatch struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// RulePatch is a partial update to rule content fields. Nil fields are
// left unchanged.
type RulePatch struct {
	Name        *string
	Description *string
	Condition   json.RawMessage
	Action      json.RawMessage
	Priority    *int
}

// ApplyRulesetChange validates a patch against the caller's expected
// version and, if it holds, applies it and bumps the ruleset version by
// exactly one. Validation happens before any field changes, so a failed
// call never partially applies.
//
// The version counter doubles as the optimistic concurrency token: a
// stale expectedVersion fails with ErrConcurrentModification and the
// caller must re-read and retry.
func ApplyRulesetChange(rs *Ruleset, expectedVersion int, patch RulesetPatch, actor Actor, now time.Time) error {
	if rs.Version != expectedVersion {
		return errors.Wrapf(ErrConcurrentModification,
			"ruleset %s: expected version %d, stored version %d", rs.ID, expectedVersion, rs.Version)
	}
	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return err
		}
	}
	if patch.Description != nil {
		if err := validateDescription(*patch.Description); err != nil {
			return err
		}
	}

	if patch.Name != nil {
		rs.Name = *patch.Name
	}
	if patch.Description != nil {
		rs.Description = *patch.Description
	}
	if patch.IsActive != nil {
		rs.IsActive = *patch.IsActive
	}
	rs.Version++
	rs.UpdatedBy = actor.ID
	rs.UpdatedAt = now
	return nil
}

// ApplyRuleChange is the rule counterpart of ApplyRulesetChange, with
// one extra gate: content may only change while the rule's status is
// mutable (DRAFT or REJECTED). Id, domain, createdBy and createdAt
// never change through this path.
func ApplyRuleChange(rule *Rule, expectedVersion int, patch RulePatch, actor Actor, now time.Time) error {
	if rule.Version != expectedVersion {
		return errors.Wrapf(ErrConcurrentModification,
			"rule %s: expected version %d, stored version %d", rule.ID, expectedVersion, rule.Version)
	}
	if !rule.Status.Mutable() {
		return errors.Wrapf(ErrImmutableState,
			"rule %s has status %s", rule.ID, rule.Status)
	}
	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return err
		}
	}
	if patch.Description != nil {
		if err := validateDescription(*patch.Description); err != nil {
			return err
		}
	}

	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.Condition != nil {
		rule.Condition = patch.Condition
	}
	if patch.Action != nil {
		rule.Action = patch.Action
	}
	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}
	rule.Version++
	rule.UpdatedBy = actor.ID
	rule.UpdatedAt = now
	return nil
}

// Snapshot freezes the ruleset's current state as an immutable version
// record.
func Snapshot(rs *Ruleset, now time.Time) RulesetSnapshot {
	ruleIDs := make([]string, len(rs.RuleIDs))
	copy(ruleIDs, rs.RuleIDs)
	return RulesetSnapshot{
		RulesetID:   rs.ID,
		Version:     rs.Version,
		Name:        rs.Name,
		Description: rs.Description,
		Domain:      rs.Domain,
		IsActive:    rs.IsActive,
		RuleIDs:     ruleIDs,
		CreatedBy:   rs.UpdatedBy,
		CreatedAt:   now,
	}
}
