package governance

import (
	"time"

	"github.com/cockroachdb/errors"
)

// statusEdge is one directed edge in the lifecycle state machine.
type statusEdge struct {
	from RuleStatus
	to   RuleStatus
}

// transitionTable holds every permitted status edge together with the
// role an external policy layer should require for it. Anything not in
// this map is rejected, including self-transitions.
var transitionTable = map[statusEdge]Role{
	{StatusDraft, StatusPendingApproval}:    RoleMaker,
	{StatusDraft, StatusRejected}:           RoleMaker,
	{StatusPendingApproval, StatusApproved}: RoleChecker,
	{StatusPendingApproval, StatusRejected}: RoleChecker,
	{StatusApproved, StatusActive}:          RoleChecker,
	{StatusApproved, StatusInactive}:        RoleChecker,
	{StatusRejected, StatusDraft}:           RoleMaker,
	{StatusActive, StatusInactive}:          RoleChecker,
	{StatusInactive, StatusActive}:          RoleChecker,
}

// CanTransition reports whether the from→to edge exists in the
// lifecycle table.
func CanTransition(from, to RuleStatus) bool {
	_, ok := transitionTable[statusEdge{from, to}]
	return ok
}

// RequiredRole returns the role tag attached to a transition. The core
// does not enforce it; role checks belong to the caller's policy layer.
func RequiredRole(from, to RuleStatus) (Role, bool) {
	role, ok := transitionTable[statusEdge{from, to}]
	return role, ok
}

// TransitionRule moves a rule to target and refreshes its audit fields.
// The update is all-or-nothing: on error the rule is untouched.
//
// Self-approval is checked here from actor identity alone: the actor
// approving a PENDING_APPROVAL rule must differ from the actor who
// submitted it (the rule's last modifier).
func TransitionRule(rule *Rule, target RuleStatus, actor Actor, now time.Time) error {
	if !CanTransition(rule.Status, target) {
		return errors.Wrapf(ErrInvalidTransition,
			"rule %s: %s -> %s", rule.ID, rule.Status, target)
	}
	if rule.Status == StatusPendingApproval && target == StatusApproved && actor.ID == rule.UpdatedBy {
		return errors.Wrapf(ErrSelfApproval,
			"rule %s was submitted by %s", rule.ID, actor.ID)
	}

	rule.Status = target
	rule.UpdatedBy = actor.ID
	rule.UpdatedAt = now
	return nil
}
