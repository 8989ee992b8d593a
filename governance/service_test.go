package governance

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/frauddetection/ruleservice/internal/metrics"
)

func newTestService() (*Service, *MemoryAuditTrail) {
	audit := NewMemoryAuditTrail(100)
	return NewService(NewMemoryStore(), audit, metrics.NewCollector()), audit
}

var (
	maker   = Actor{ID: "maker-1", Roles: []Role{RoleMaker}}
	checker = Actor{ID: "checker-1", Roles: []Role{RoleChecker}}
	admin   = Actor{ID: "admin-1", Roles: []Role{RoleAdmin}}
)

func mustCreateRuleset(t *testing.T, svc *Service, name string, domain Domain) *Ruleset {
	t.Helper()
	rs, err := svc.CreateRuleset(context.Background(), maker, CreateRulesetInput{
		Name:        name,
		Description: "test ruleset",
		Domain:      domain,
	})
	if err != nil {
		t.Fatalf("CreateRuleset(%q) failed: %v", name, err)
	}
	return rs
}

func mustCreateRule(t *testing.T, svc *Service, rulesetID, name string) *Rule {
	t.Helper()
	rule, err := svc.CreateRule(context.Background(), maker, rulesetID, CreateRuleInput{
		Name:      name,
		Condition: json.RawMessage(`{"field":"amount","op":">","value":1000}`),
		Action:    json.RawMessage(`{"type":"flag"}`),
	})
	if err != nil {
		t.Fatalf("CreateRule(%q) failed: %v", name, err)
	}
	return rule
}

// mustTransition walks a rule through one lifecycle edge.
func mustTransition(t *testing.T, svc *Service, actor Actor, rulesetID, ruleID string, target RuleStatus) *Rule {
	t.Helper()
	rule, err := svc.TransitionRule(context.Background(), actor, rulesetID, ruleID, target)
	if err != nil {
		t.Fatalf("TransitionRule(%s -> %s) failed: %v", ruleID, target, err)
	}
	return rule
}

func TestCreateRulesetRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)

	detail, err := svc.GetRuleset(ctx, rs.ID)
	if err != nil {
		t.Fatalf("GetRuleset() failed: %v", err)
	}
	got := detail.Ruleset
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if !got.IsActive {
		t.Error("IsActive = false, want true")
	}
	if got.Domain != DomainRetail {
		t.Errorf("Domain = %s, want RETAIL", got.Domain)
	}
	if len(got.RuleIDs) != 0 || len(detail.Rules) != 0 {
		t.Errorf("new ruleset owns rules: ids=%v rules=%d", got.RuleIDs, len(detail.Rules))
	}
	if len(got.Deployments) != 0 {
		t.Errorf("new ruleset has deployments: %v", got.Deployments)
	}

	snaps, err := svc.ListRulesetVersions(ctx, rs.ID)
	if err != nil {
		t.Fatalf("ListRulesetVersions() failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Version != 1 {
		t.Errorf("snapshots = %+v, want single version 1 entry", snaps)
	}
}

func TestCreateRulesetValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name  string
		input CreateRulesetInput
	}{
		{"empty name", CreateRulesetInput{Name: "  ", Domain: DomainRetail}},
		{"unknown domain", CreateRulesetInput{Name: "ok", Domain: Domain("CRYPTO")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRuleset(ctx, maker, tt.input)
			if !errors.Is(err, ErrBadParameter) {
				t.Errorf("CreateRuleset() error = %v, want ErrBadParameter", err)
			}
		})
	}
}

func TestDuplicateNameCaseInsensitive(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)

	_, err := svc.CreateRuleset(ctx, maker, CreateRulesetInput{
		Name:   "retail velocity",
		Domain: DomainDebit,
	})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("CreateRuleset with case-variant name error = %v, want ErrDuplicateName", err)
	}
}

func TestListRulesetsFilteringAndPaging(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	mustCreateRuleset(t, svc, "Credit Card Skimming", DomainCredit)
	debit := mustCreateRuleset(t, svc, "Debit Withdrawal Spike", DomainDebit)

	if _, err := svc.UpdateRuleset(ctx, admin, debit.ID, 1, RulesetPatch{IsActive: boolPtr(false)}); err != nil {
		t.Fatalf("UpdateRuleset() failed: %v", err)
	}

	domain := DomainCredit
	page, err := svc.ListRulesets(ctx, RulesetFilter{Domain: &domain}, Page{})
	if err != nil {
		t.Fatalf("ListRulesets(domain) failed: %v", err)
	}
	if page.TotalItems != 1 || page.Items[0].Name != "Credit Card Skimming" {
		t.Errorf("domain filter returned %+v", page.Items)
	}

	active := true
	page, err = svc.ListRulesets(ctx, RulesetFilter{IsActive: &active}, Page{})
	if err != nil {
		t.Fatalf("ListRulesets(isActive) failed: %v", err)
	}
	if page.TotalItems != 2 {
		t.Errorf("isActive filter TotalItems = %d, want 2", page.TotalItems)
	}

	page, err = svc.ListRulesets(ctx, RulesetFilter{SearchText: "VELOCITY"}, Page{})
	if err != nil {
		t.Fatalf("ListRulesets(search) failed: %v", err)
	}
	if page.TotalItems != 1 || page.Items[0].Name != "Retail Velocity" {
		t.Errorf("search returned %+v", page.Items)
	}

	page, err = svc.ListRulesets(ctx, RulesetFilter{}, Page{Number: 0, Size: 2})
	if err != nil {
		t.Fatalf("ListRulesets(page 0) failed: %v", err)
	}
	if len(page.Items) != 2 || page.TotalItems != 3 {
		t.Errorf("page 0: items=%d total=%d, want 2/3", len(page.Items), page.TotalItems)
	}
	page, err = svc.ListRulesets(ctx, RulesetFilter{}, Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatalf("ListRulesets(page 1) failed: %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("page 1: items=%d, want 1", len(page.Items))
	}
}

func TestUpdateRulesetOptimisticConcurrency(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)

	updated, err := svc.UpdateRuleset(ctx, maker, rs.ID, 1, RulesetPatch{Description: strPtr("first writer")})
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	// Second writer still holds expectedVersion 1.
	_, err = svc.UpdateRuleset(ctx, maker, rs.ID, 1, RulesetPatch{Description: strPtr("second writer")})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale update error = %v, want ErrConcurrentModification", err)
	}

	detail, err := svc.GetRuleset(ctx, rs.ID)
	if err != nil {
		t.Fatalf("GetRuleset() failed: %v", err)
	}
	if detail.Ruleset.Description != "first writer" {
		t.Errorf("Description = %q, want the first writer's value", detail.Ruleset.Description)
	}
}

func TestConcurrentUpdatesExactlyOneWins(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpdateRuleset(ctx, maker, rs.ID, 1, RulesetPatch{Description: strPtr("racer")})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrConcurrentModification):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if conflicts != writers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, writers-1)
	}
}

func TestCreateRuleInheritsDomainAndBumpsRuleset(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Credit Card Skimming", DomainCredit)
	rule := mustCreateRule(t, svc, rs.ID, "Odd Hours")

	if rule.Domain != DomainCredit {
		t.Errorf("rule Domain = %s, want CREDIT", rule.Domain)
	}
	if rule.Status != StatusDraft || rule.Version != 1 {
		t.Errorf("new rule status=%s version=%d, want DRAFT/1", rule.Status, rule.Version)
	}
	if rule.Priority != 1 {
		t.Errorf("default Priority = %d, want 1", rule.Priority)
	}

	detail, err := svc.GetRuleset(ctx, rs.ID)
	if err != nil {
		t.Fatalf("GetRuleset() failed: %v", err)
	}
	if detail.Ruleset.Version != 2 {
		t.Errorf("ruleset Version after rule add = %d, want 2", detail.Ruleset.Version)
	}
	if len(detail.Ruleset.RuleIDs) != 1 || detail.Ruleset.RuleIDs[0] != rule.ID {
		t.Errorf("RuleIDs = %v, want [%s]", detail.Ruleset.RuleIDs, rule.ID)
	}
}

func TestMakerCheckerFlow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	rule := mustCreateRule(t, svc, rs.ID, "High Velocity Transfers")

	mustTransition(t, svc, maker, rs.ID, rule.ID, StatusPendingApproval)

	// Content is frozen once in review.
	_, err := svc.UpdateRule(ctx, maker, rs.ID, rule.ID, 1, RulePatch{Name: strPtr("Sneaky Edit")})
	if !errors.Is(err, ErrImmutableState) {
		t.Fatalf("edit while pending error = %v, want ErrImmutableState", err)
	}

	// The submitting maker cannot approve.
	_, err = svc.TransitionRule(ctx, maker, rs.ID, rule.ID, StatusApproved)
	if !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("self approval error = %v, want ErrSelfApproval", err)
	}

	mustTransition(t, svc, checker, rs.ID, rule.ID, StatusApproved)

	// APPROVED means reviewed, not live: deployment is still blocked.
	_, err = svc.Deploy(ctx, checker, rs.ID, EnvProd)
	if !errors.Is(err, ErrNotDeployable) {
		t.Fatalf("deploy with APPROVED rule error = %v, want ErrNotDeployable", err)
	}

	mustTransition(t, svc, checker, rs.ID, rule.ID, StatusActive)

	deployed, err := svc.Deploy(ctx, checker, rs.ID, EnvProd)
	if err != nil {
		t.Fatalf("Deploy() failed: %v", err)
	}
	if deployed.Deployments[EnvProd] != deployed.Version {
		t.Errorf("PROD mapped to %d, want current version %d", deployed.Deployments[EnvProd], deployed.Version)
	}
}

func TestTransitionBumpsRulesetOnActivationOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	rule := mustCreateRule(t, svc, rs.ID, "High Velocity Transfers")
	// ruleset is at version 2 after the rule add

	mustTransition(t, svc, maker, rs.ID, rule.ID, StatusPendingApproval)
	mustTransition(t, svc, checker, rs.ID, rule.ID, StatusApproved)

	detail, _ := svc.GetRuleset(ctx, rs.ID)
	if detail.Ruleset.Version != 2 {
		t.Fatalf("ruleset Version after submit+approve = %d, want 2", detail.Ruleset.Version)
	}

	// Entering the deployable set changes the ruleset's deployable shape.
	mustTransition(t, svc, checker, rs.ID, rule.ID, StatusActive)
	detail, _ = svc.GetRuleset(ctx, rs.ID)
	if detail.Ruleset.Version != 3 {
		t.Errorf("ruleset Version after activation = %d, want 3", detail.Ruleset.Version)
	}

	// ACTIVE -> INACTIVE stays inside the deployable set.
	mustTransition(t, svc, checker, rs.ID, rule.ID, StatusInactive)
	detail, _ = svc.GetRuleset(ctx, rs.ID)
	if detail.Ruleset.Version != 3 {
		t.Errorf("ruleset Version after deactivation = %d, want 3", detail.Ruleset.Version)
	}
}

func TestRedeployOverwritesMapping(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	rule := mustCreateRule(t, svc, rs.ID, "High Velocity Transfers")
	mustTransition(t, svc, maker, rs.ID, rule.ID, StatusPendingApproval)
	mustTransition(t, svc, checker, rs.ID, rule.ID, StatusApproved)
	mustTransition(t, svc, checker, rs.ID, rule.ID, StatusActive)

	first, err := svc.Deploy(ctx, checker, rs.ID, EnvStaging)
	if err != nil {
		t.Fatalf("first Deploy() failed: %v", err)
	}

	// A ruleset-level change moves the version forward; redeploying
	// must overwrite the mapping without an undeploy in between.
	if _, err := svc.UpdateRuleset(ctx, admin, rs.ID, first.Version, RulesetPatch{
		Description: strPtr("tightened thresholds"),
	}); err != nil {
		t.Fatalf("UpdateRuleset() failed: %v", err)
	}

	second, err := svc.Deploy(ctx, checker, rs.ID, EnvStaging)
	if err != nil {
		t.Fatalf("second Deploy() failed: %v", err)
	}
	if second.Deployments[EnvStaging] != first.Version+1 {
		t.Errorf("STAGING mapped to %d, want %d", second.Deployments[EnvStaging], first.Version+1)
	}

	deps, err := svc.ListDeployments(ctx, rs.ID)
	if err != nil {
		t.Fatalf("ListDeployments() failed: %v", err)
	}
	if len(deps) != 1 {
		t.Errorf("deployments = %d entries, want 1 (overwrite, not append)", len(deps))
	}
}

func TestEnvironmentsAreIndependent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)

	// Deploying straight to PROD needs no DEV/STAGING deployment first.
	deployed, err := svc.Deploy(ctx, checker, rs.ID, EnvProd)
	if err != nil {
		t.Fatalf("Deploy(PROD) failed: %v", err)
	}
	if _, ok := deployed.Deployments[EnvDev]; ok {
		t.Error("deploy to PROD implicitly deployed to DEV")
	}
	if deployed.Deployments[EnvProd] != deployed.Version {
		t.Errorf("PROD mapped to %d, want %d", deployed.Deployments[EnvProd], deployed.Version)
	}
}

func TestUndeployIsIdempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	if _, err := svc.Deploy(ctx, checker, rs.ID, EnvDev); err != nil {
		t.Fatalf("Deploy() failed: %v", err)
	}

	if err := svc.Undeploy(ctx, checker, rs.ID, EnvDev); err != nil {
		t.Fatalf("Undeploy() failed: %v", err)
	}
	// Removing the absent mapping again is not an error.
	if err := svc.Undeploy(ctx, checker, rs.ID, EnvDev); err != nil {
		t.Fatalf("second Undeploy() failed: %v", err)
	}

	deps, err := svc.ListDeployments(ctx, rs.ID)
	if err != nil {
		t.Fatalf("ListDeployments() failed: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("deployments = %v, want none", deps)
	}
}

func TestInactiveRulesetIsNotDeployable(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	if _, err := svc.UpdateRuleset(ctx, admin, rs.ID, 1, RulesetPatch{IsActive: boolPtr(false)}); err != nil {
		t.Fatalf("UpdateRuleset() failed: %v", err)
	}

	_, err := svc.Deploy(ctx, checker, rs.ID, EnvDev)
	if !errors.Is(err, ErrNotDeployable) {
		t.Fatalf("deploy of inactive ruleset error = %v, want ErrNotDeployable", err)
	}
}

func TestDeleteRuleSeversOwnershipPermanently(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	rule := mustCreateRule(t, svc, rs.ID, "High Velocity Transfers")

	if err := svc.DeleteRule(ctx, maker, rs.ID, rule.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, err := svc.GetRule(ctx, rs.ID, rule.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule after delete error = %v, want ErrNotFound", err)
	}

	detail, err := svc.GetRuleset(ctx, rs.ID)
	if err != nil {
		t.Fatalf("GetRuleset() failed: %v", err)
	}
	// v1 create, v2 rule add, v3 rule removal.
	if detail.Ruleset.Version != 3 {
		t.Errorf("ruleset Version after rule removal = %d, want 3", detail.Ruleset.Version)
	}
	if len(detail.Ruleset.RuleIDs) != 0 {
		t.Errorf("RuleIDs = %v, want empty", detail.Ruleset.RuleIDs)
	}
}

func TestDeleteRulesetCascades(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	rule := mustCreateRule(t, svc, rs.ID, "High Velocity Transfers")

	if err := svc.DeleteRuleset(ctx, admin, rs.ID); err != nil {
		t.Fatalf("DeleteRuleset() failed: %v", err)
	}

	if _, err := svc.GetRuleset(ctx, rs.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRuleset after delete error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetRule(ctx, rs.ID, rule.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule after cascade error = %v, want ErrNotFound", err)
	}
	if _, err := svc.ListRulesetVersions(ctx, rs.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListRulesetVersions after delete error = %v, want ErrNotFound", err)
	}
}

func TestListRulesetVersionsNewestFirst(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	if _, err := svc.UpdateRuleset(ctx, maker, rs.ID, 1, RulesetPatch{Description: strPtr("v2")}); err != nil {
		t.Fatalf("UpdateRuleset() failed: %v", err)
	}
	mustCreateRule(t, svc, rs.ID, "High Velocity Transfers") // v3 via membership change

	snaps, err := svc.ListRulesetVersions(ctx, rs.ID)
	if err != nil {
		t.Fatalf("ListRulesetVersions() failed: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	for i, want := range []int{3, 2, 1} {
		if snaps[i].Version != want {
			t.Errorf("snaps[%d].Version = %d, want %d", i, snaps[i].Version, want)
		}
	}
	if len(snaps[0].RuleIDs) != 1 {
		t.Errorf("latest snapshot RuleIDs = %v, want the added rule", snaps[0].RuleIDs)
	}
	if len(snaps[2].RuleIDs) != 0 {
		t.Errorf("first snapshot RuleIDs = %v, want empty", snaps[2].RuleIDs)
	}
}

func TestUnknownIDsReturnNotFound(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.GetRuleset(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRuleset(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.Deploy(ctx, checker, "missing", EnvDev); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deploy(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.CreateRule(ctx, maker, "missing", CreateRuleInput{Name: "r"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateRule(missing ruleset) error = %v, want ErrNotFound", err)
	}
	if err := svc.DeleteRuleset(ctx, admin, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRuleset(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAuditTrailRecordsGovernanceEvents(t *testing.T) {
	svc, audit := newTestService()
	ctx := context.Background()

	rs := mustCreateRuleset(t, svc, "Retail Velocity", DomainRetail)
	rule := mustCreateRule(t, svc, rs.ID, "High Velocity Transfers")
	mustTransition(t, svc, maker, rs.ID, rule.ID, StatusPendingApproval)
	if _, err := svc.Deploy(ctx, checker, rs.ID, EnvDev); !errors.Is(err, ErrNotDeployable) {
		t.Fatalf("Deploy error = %v, want ErrNotDeployable", err)
	}

	actions := map[string]bool{}
	for _, event := range audit.Events() {
		actions[event.Action] = true
	}
	for _, want := range []string{"ruleset.created", "rule.created", "rule.transitioned"} {
		if !actions[want] {
			t.Errorf("audit trail missing action %q (got %v)", want, actions)
		}
	}
	// The failed deploy never committed, so it must not be audited.
	if actions["ruleset.deployed"] {
		t.Error("audit trail contains a deploy that was rejected")
	}
}
