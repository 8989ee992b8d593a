package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/frauddetection/ruleservice/internal/logger"
	"github.com/frauddetection/ruleservice/internal/metrics"
)

// Service is the governance facade the transport layer talks to. It
// routes every mutation through the lifecycle state machine and the
// version manager, and every deploy through the deployment registry
// check, so no caller can bypass the maker-checker invariants.
//
// The service trusts that the actor identity it receives was
// authenticated upstream; the only identity check it performs itself is
// the no-self-approval rule.
type Service struct {
	store     Store
	audit     AuditTrail
	collector *metrics.Collector
	now       func() time.Time
	newID     func() string
}

// NewService creates a governance service. audit and collector may be
// nil when the caller does not need them.
func NewService(store Store, audit AuditTrail, collector *metrics.Collector) *Service {
	return &Service{
		store:     store,
		audit:     audit,
		collector: collector,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreateRulesetInput carries the fields a maker supplies for a new
// ruleset. The ruleset starts active, at version 1, with no rules.
type CreateRulesetInput struct {
	Name        string
	Description string
	Domain      Domain
}

// CreateRuleInput carries the fields a maker supplies for a new rule.
// Domain is inherited from the owning ruleset; status starts at DRAFT.
type CreateRuleInput struct {
	Name        string
	Description string
	Condition   json.RawMessage
	Action      json.RawMessage
	Priority    *int
}

func (s *Service) observe(operation string, start time.Time, err error) {
	if s.collector == nil {
		return
	}
	s.collector.RecordOperation(operation, err, time.Since(start))
	if errors.Is(err, ErrConcurrentModification) {
		s.collector.RecordVersionConflict()
	}
}

func (s *Service) recordAudit(ctx context.Context, actor Actor, action, kind, id, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditEvent{
		Actor:      actor.ID,
		Action:     action,
		EntityKind: kind,
		EntityID:   id,
		Detail:     detail,
		At:         s.now(),
	})
}

// bumpRulesetVersion increments a ruleset's version because its
// deployable shape changed (rule added or removed, or a rule entered
// the deployable set) and writes the matching snapshot. The bump
// carries no content of its own, so on a version race it re-reads and
// retries a few times instead of surfacing the conflict.
func (s *Service) bumpRulesetVersion(ctx context.Context, actor Actor, rulesetID string) (*Ruleset, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		rs, err := s.store.GetRuleset(ctx, rulesetID)
		if err != nil {
			return nil, err
		}
		expected := rs.Version
		rs.Version++
		rs.UpdatedBy = actor.ID
		rs.UpdatedAt = s.now()

		if err := s.store.UpdateRuleset(ctx, rs, expected); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if err := s.store.SaveSnapshot(ctx, Snapshot(rs, s.now())); err != nil {
			return nil, err
		}
		return rs, nil
	}
	return nil, lastErr
}

// CreateRuleset creates an active, empty ruleset at version 1.
func (s *Service) CreateRuleset(ctx context.Context, actor Actor, input CreateRulesetInput) (rs *Ruleset, err error) {
	defer func(start time.Time) { s.observe("createRuleset", start, err) }(s.now())

	if err = validateName(input.Name); err != nil {
		return nil, err
	}
	if err = validateDescription(input.Description); err != nil {
		return nil, err
	}
	if err = validateDomain(input.Domain); err != nil {
		return nil, err
	}

	now := s.now()
	rs = &Ruleset{
		ID:          s.newID(),
		Name:        input.Name,
		Description: input.Description,
		Domain:      input.Domain,
		IsActive:    true,
		Version:     1,
		RuleIDs:     []string{},
		Deployments: map[Environment]int{},
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedBy:   actor.ID,
		UpdatedAt:   now,
	}
	if err = s.store.CreateRuleset(ctx, rs); err != nil {
		return nil, err
	}
	if err = s.store.SaveSnapshot(ctx, Snapshot(rs, now)); err != nil {
		return nil, err
	}

	logger.Info("ruleset created", "rulesetId", rs.ID, "domain", string(rs.Domain), "actor", actor.ID)
	s.recordAudit(ctx, actor, "ruleset.created", "ruleset", rs.ID, rs.Name)
	return rs, nil
}

// GetRuleset returns a ruleset and its owned rules.
func (s *Service) GetRuleset(ctx context.Context, id string) (*RulesetDetail, error) {
	rs, err := s.store.GetRuleset(ctx, id)
	if err != nil {
		return nil, err
	}
	rules, err := s.store.ListRules(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RulesetDetail{Ruleset: *rs, Rules: rules}, nil
}

// ListRulesets returns one page of ruleset summaries matching the
// filter.
func (s *Service) ListRulesets(ctx context.Context, filter RulesetFilter, page Page) (*RulesetPage, error) {
	page = page.Normalize()
	items, total, err := s.store.ListRulesets(ctx, filter, page)
	if err != nil {
		return nil, err
	}
	return &RulesetPage{
		Items:      items,
		Page:       page.Number,
		Size:       page.Size,
		TotalItems: total,
	}, nil
}

// UpdateRuleset applies a patch to ruleset-level fields under the
// caller's expected version.
func (s *Service) UpdateRuleset(ctx context.Context, actor Actor, id string, expectedVersion int, patch RulesetPatch) (rs *Ruleset, err error) {
	defer func(start time.Time) { s.observe("updateRuleset", start, err) }(s.now())

	rs, err = s.store.GetRuleset(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = ApplyRulesetChange(rs, expectedVersion, patch, actor, s.now()); err != nil {
		return nil, err
	}
	if err = s.store.UpdateRuleset(ctx, rs, expectedVersion); err != nil {
		return nil, err
	}
	if err = s.store.SaveSnapshot(ctx, Snapshot(rs, s.now())); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actor, "ruleset.updated", "ruleset", rs.ID, fmt.Sprintf("version %d", rs.Version))
	return rs, nil
}

// DeleteRuleset removes a ruleset permanently, cascading to its rules,
// snapshots and deployments.
func (s *Service) DeleteRuleset(ctx context.Context, actor Actor, id string) (err error) {
	defer func(start time.Time) { s.observe("deleteRuleset", start, err) }(s.now())

	if err = s.store.DeleteRuleset(ctx, id); err != nil {
		return err
	}
	logger.Info("ruleset deleted", "rulesetId", id, "actor", actor.ID)
	s.recordAudit(ctx, actor, "ruleset.deleted", "ruleset", id, "")
	return nil
}

// ListRulesetVersions returns a ruleset's version history, newest
// first.
func (s *Service) ListRulesetVersions(ctx context.Context, id string) ([]RulesetSnapshot, error) {
	return s.store.ListSnapshots(ctx, id)
}

// CreateRule creates a DRAFT rule owned by the given ruleset. The rule
// inherits the ruleset's domain; adding it bumps the ruleset version
// because the ruleset's membership changed.
func (s *Service) CreateRule(ctx context.Context, actor Actor, rulesetID string, input CreateRuleInput) (rule *Rule, err error) {
	defer func(start time.Time) { s.observe("createRule", start, err) }(s.now())

	rs, err := s.store.GetRuleset(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	if err = validateName(input.Name); err != nil {
		return nil, err
	}
	if err = validateDescription(input.Description); err != nil {
		return nil, err
	}

	priority := 1
	if input.Priority != nil {
		priority = *input.Priority
	}
	condition := input.Condition
	if len(condition) == 0 {
		condition = json.RawMessage(`{}`)
	}
	action := input.Action
	if len(action) == 0 {
		action = json.RawMessage(`{}`)
	}
	now := s.now()
	rule = &Rule{
		ID:          s.newID(),
		RulesetID:   rs.ID,
		Name:        input.Name,
		Description: input.Description,
		Domain:      rs.Domain,
		Condition:   condition,
		Action:      action,
		Priority:    priority,
		Status:      StatusDraft,
		Version:     1,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedBy:   actor.ID,
		UpdatedAt:   now,
	}
	if err = s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	if _, err = s.bumpRulesetVersion(ctx, actor, rulesetID); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actor, "rule.created", "rule", rule.ID, rule.Name)
	return rule, nil
}

// GetRule returns one rule scoped under its ruleset.
func (s *Service) GetRule(ctx context.Context, rulesetID, ruleID string) (*Rule, error) {
	return s.store.GetRule(ctx, rulesetID, ruleID)
}

// ListRules returns a ruleset's rules in creation order.
func (s *Service) ListRules(ctx context.Context, rulesetID string) ([]Rule, error) {
	return s.store.ListRules(ctx, rulesetID)
}

// UpdateRule applies a content patch to a rule under the caller's
// expected version. Content changes are only permitted while the rule
// is in a mutable status.
func (s *Service) UpdateRule(ctx context.Context, actor Actor, rulesetID, ruleID string, expectedVersion int, patch RulePatch) (rule *Rule, err error) {
	defer func(start time.Time) { s.observe("updateRule", start, err) }(s.now())

	rule, err = s.store.GetRule(ctx, rulesetID, ruleID)
	if err != nil {
		return nil, err
	}
	fromStatus := rule.Status
	if err = ApplyRuleChange(rule, expectedVersion, patch, actor, s.now()); err != nil {
		return nil, err
	}
	if err = s.store.UpdateRule(ctx, rule, expectedVersion, fromStatus); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actor, "rule.updated", "rule", rule.ID, fmt.Sprintf("version %d", rule.Version))
	return rule, nil
}

// TransitionRule moves a rule along one edge of the lifecycle state
// machine. The rule's own version does not change (a transition is not
// a content change), but the write is still serialized against
// concurrent mutations by comparing both version and source status.
//
// A transition into the deployable set changes what the ruleset would
// ship, so it bumps the ruleset version.
func (s *Service) TransitionRule(ctx context.Context, actor Actor, rulesetID, ruleID string, target RuleStatus) (rule *Rule, err error) {
	defer func(start time.Time) { s.observe("transitionRule", start, err) }(s.now())

	if !target.Valid() {
		return nil, errors.Wrapf(ErrBadParameter, "unknown status %q", string(target))
	}
	rule, err = s.store.GetRule(ctx, rulesetID, ruleID)
	if err != nil {
		return nil, err
	}
	fromStatus := rule.Status
	expectedVersion := rule.Version
	if err = TransitionRule(rule, target, actor, s.now()); err != nil {
		return nil, err
	}
	if err = s.store.UpdateRule(ctx, rule, expectedVersion, fromStatus); err != nil {
		return nil, err
	}
	if !fromStatus.Deployable() && target.Deployable() {
		if _, err = s.bumpRulesetVersion(ctx, actor, rulesetID); err != nil {
			return nil, err
		}
	}

	if s.collector != nil {
		s.collector.RecordTransition(string(fromStatus), string(target))
	}
	logger.Info("rule transitioned",
		"ruleId", rule.ID, "from", string(fromStatus), "to", string(target), "actor", actor.ID)
	s.recordAudit(ctx, actor, "rule.transitioned", "rule", rule.ID,
		fmt.Sprintf("%s -> %s", fromStatus, target))
	return rule, nil
}

// DeleteRule severs a rule from its ruleset permanently and bumps the
// ruleset version for the membership change.
func (s *Service) DeleteRule(ctx context.Context, actor Actor, rulesetID, ruleID string) (err error) {
	defer func(start time.Time) { s.observe("deleteRule", start, err) }(s.now())

	if err = s.store.DeleteRule(ctx, rulesetID, ruleID); err != nil {
		return err
	}
	if _, err = s.bumpRulesetVersion(ctx, actor, rulesetID); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "rule.deleted", "rule", ruleID, "")
	return nil
}

// Deploy records the ruleset's current version as live in the given
// environment. It fails with ErrNotDeployable unless the ruleset is
// active and every owned rule is ACTIVE or INACTIVE. Redeploying after
// further changes overwrites the mapping; no undeploy is needed first.
// Environments are independent: no promotion order is enforced here.
func (s *Service) Deploy(ctx context.Context, actor Actor, rulesetID string, env Environment) (rs *Ruleset, err error) {
	defer func(start time.Time) { s.observe("deploy", start, err) }(s.now())

	if err = validateEnvironment(env); err != nil {
		return nil, err
	}
	rs, err = s.store.GetRuleset(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	rules, err := s.store.ListRules(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	if err = checkDeployable(rs, rules); err != nil {
		return nil, err
	}

	dep := Deployment{
		RulesetID:   rs.ID,
		Environment: env,
		Version:     rs.Version,
		DeployedBy:  actor.ID,
		DeployedAt:  s.now(),
	}
	if err = s.store.SetDeployment(ctx, dep); err != nil {
		return nil, err
	}

	if s.collector != nil {
		s.collector.RecordDeployment(string(env), "deploy")
	}
	logger.Info("ruleset deployed",
		"rulesetId", rs.ID, "environment", string(env), "version", rs.Version, "actor", actor.ID)
	s.recordAudit(ctx, actor, "ruleset.deployed", "ruleset", rs.ID,
		fmt.Sprintf("%s version %d", env, rs.Version))
	return s.store.GetRuleset(ctx, rulesetID)
}

// Undeploy removes the environment mapping for a ruleset. Removing an
// absent mapping is not an error.
func (s *Service) Undeploy(ctx context.Context, actor Actor, rulesetID string, env Environment) (err error) {
	defer func(start time.Time) { s.observe("undeploy", start, err) }(s.now())

	if err = validateEnvironment(env); err != nil {
		return err
	}
	if err = s.store.RemoveDeployment(ctx, rulesetID, env); err != nil {
		return err
	}
	if s.collector != nil {
		s.collector.RecordDeployment(string(env), "undeploy")
	}
	s.recordAudit(ctx, actor, "ruleset.undeployed", "ruleset", rulesetID, string(env))
	return nil
}

// ListDeployments returns the environment mappings for a ruleset.
func (s *Service) ListDeployments(ctx context.Context, rulesetID string) ([]Deployment, error) {
	return s.store.ListDeployments(ctx, rulesetID)
}
