package governance

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryStore implements Store using in-memory maps, guarded by a
// single RWMutex. It backs unit tests and local development; the
// postgres store is the production implementation.
//
// Ruleset.RuleIDs is derived from the rules relation on every read, so
// membership always reflects the rules actually stored.
type MemoryStore struct {
	mu          sync.RWMutex
	rulesets    map[string]*Ruleset
	rules       map[string]*Rule
	snapshots   map[string][]RulesetSnapshot
	deployments map[string]map[Environment]Deployment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rulesets:    make(map[string]*Ruleset),
		rules:       make(map[string]*Rule),
		snapshots:   make(map[string][]RulesetSnapshot),
		deployments: make(map[string]map[Environment]Deployment),
	}
}

func cloneRule(r *Rule) *Rule {
	clone := *r
	clone.Condition = append([]byte(nil), r.Condition...)
	clone.Action = append([]byte(nil), r.Action...)
	return &clone
}

func cloneRuleset(rs *Ruleset) *Ruleset {
	clone := *rs
	clone.RuleIDs = append([]string(nil), rs.RuleIDs...)
	clone.Deployments = make(map[Environment]int, len(rs.Deployments))
	for env, v := range rs.Deployments {
		clone.Deployments[env] = v
	}
	return &clone
}

// ruleIDsOf returns the ids of a ruleset's rules in creation order.
// Callers must hold at least a read lock.
func (s *MemoryStore) ruleIDsOf(rulesetID string) []string {
	var owned []*Rule
	for _, r := range s.rules {
		if r.RulesetID == rulesetID {
			owned = append(owned, r)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID < owned[j].ID
		}
		return owned[i].CreatedAt.Before(owned[j].CreatedAt)
	})
	ids := make([]string, len(owned))
	for i, r := range owned {
		ids[i] = r.ID
	}
	return ids
}

// composeRuleset fills the derived fields of a stored ruleset. Callers
// must hold at least a read lock.
func (s *MemoryStore) composeRuleset(rs *Ruleset) *Ruleset {
	out := cloneRuleset(rs)
	out.RuleIDs = s.ruleIDsOf(rs.ID)
	out.Deployments = make(map[Environment]int)
	for env, dep := range s.deployments[rs.ID] {
		out.Deployments[env] = dep.Version
	}
	return out
}

func (s *MemoryStore) nameTaken(name, excludeID string) bool {
	for _, rs := range s.rulesets {
		if rs.ID != excludeID && strings.EqualFold(rs.Name, name) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateRuleset(ctx context.Context, rs *Ruleset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTaken(rs.Name, rs.ID) {
		return errors.Wrapf(ErrDuplicateName, "name %q", rs.Name)
	}
	s.rulesets[rs.ID] = cloneRuleset(rs)
	return nil
}

func (s *MemoryStore) GetRuleset(ctx context.Context, id string) (*Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rulesets[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "ruleset %s", id)
	}
	return s.composeRuleset(rs), nil
}

func (s *MemoryStore) ListRulesets(ctx context.Context, filter RulesetFilter, page Page) ([]Ruleset, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(filter.SearchText)
	var matched []*Ruleset
	for _, rs := range s.rulesets {
		if filter.Domain != nil && rs.Domain != *filter.Domain {
			continue
		}
		if filter.IsActive != nil && rs.IsActive != *filter.IsActive {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(rs.Name), search) &&
			!strings.Contains(strings.ToLower(rs.Description), search) {
			continue
		}
		matched = append(matched, rs)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page = page.Normalize()
	total := len(matched)
	start := page.Number * page.Size
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}

	items := make([]Ruleset, 0, end-start)
	for _, rs := range matched[start:end] {
		items = append(items, *s.composeRuleset(rs))
	}
	return items, total, nil
}

func (s *MemoryStore) UpdateRuleset(ctx context.Context, rs *Ruleset, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rulesets[rs.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "ruleset %s", rs.ID)
	}
	if stored.Version != expectedVersion {
		return errors.Wrapf(ErrConcurrentModification,
			"ruleset %s: expected version %d, stored version %d", rs.ID, expectedVersion, stored.Version)
	}
	if s.nameTaken(rs.Name, rs.ID) {
		return errors.Wrapf(ErrDuplicateName, "name %q", rs.Name)
	}
	s.rulesets[rs.ID] = cloneRuleset(rs)
	return nil
}

func (s *MemoryStore) DeleteRuleset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rulesets[id]; !ok {
		return errors.Wrapf(ErrNotFound, "ruleset %s", id)
	}
	delete(s.rulesets, id)
	for ruleID, r := range s.rules {
		if r.RulesetID == id {
			delete(s.rules, ruleID)
		}
	}
	delete(s.snapshots, id)
	delete(s.deployments, id)
	return nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap RulesetSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.RulesetID] = append(s.snapshots[snap.RulesetID], snap)
	return nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, rulesetID string) ([]RulesetSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rulesets[rulesetID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "ruleset %s", rulesetID)
	}
	snaps := append([]RulesetSnapshot(nil), s.snapshots[rulesetID]...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Version > snaps[j].Version })
	return snaps, nil
}

func (s *MemoryStore) CreateRule(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rulesets[rule.RulesetID]; !ok {
		return errors.Wrapf(ErrNotFound, "ruleset %s", rule.RulesetID)
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, rulesetID, ruleID string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[ruleID]
	if !ok || rule.RulesetID != rulesetID {
		return nil, errors.Wrapf(ErrNotFound, "rule %s in ruleset %s", ruleID, rulesetID)
	}
	return cloneRule(rule), nil
}

func (s *MemoryStore) ListRules(ctx context.Context, rulesetID string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rulesets[rulesetID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "ruleset %s", rulesetID)
	}
	rules := make([]Rule, 0)
	for _, id := range s.ruleIDsOf(rulesetID) {
		rules = append(rules, *cloneRule(s.rules[id]))
	}
	return rules, nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, rule *Rule, expectedVersion int, expectedStatus RuleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rules[rule.ID]
	if !ok || stored.RulesetID != rule.RulesetID {
		return errors.Wrapf(ErrNotFound, "rule %s in ruleset %s", rule.ID, rule.RulesetID)
	}
	if stored.Version != expectedVersion || stored.Status != expectedStatus {
		return errors.Wrapf(ErrConcurrentModification,
			"rule %s: expected version %d status %s, stored version %d status %s",
			rule.ID, expectedVersion, expectedStatus, stored.Version, stored.Status)
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, rulesetID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rules[ruleID]
	if !ok || stored.RulesetID != rulesetID {
		return errors.Wrapf(ErrNotFound, "rule %s in ruleset %s", ruleID, rulesetID)
	}
	delete(s.rules, ruleID)
	return nil
}

func (s *MemoryStore) SetDeployment(ctx context.Context, dep Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rulesets[dep.RulesetID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "ruleset %s", dep.RulesetID)
	}
	if rs.Version != dep.Version {
		return errors.Wrapf(ErrConcurrentModification,
			"ruleset %s: deploying version %d, stored version %d", dep.RulesetID, dep.Version, rs.Version)
	}
	if s.deployments[dep.RulesetID] == nil {
		s.deployments[dep.RulesetID] = make(map[Environment]Deployment)
	}
	s.deployments[dep.RulesetID][dep.Environment] = dep
	return nil
}

func (s *MemoryStore) RemoveDeployment(ctx context.Context, rulesetID string, env Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rulesets[rulesetID]; !ok {
		return errors.Wrapf(ErrNotFound, "ruleset %s", rulesetID)
	}
	delete(s.deployments[rulesetID], env)
	return nil
}

func (s *MemoryStore) ListDeployments(ctx context.Context, rulesetID string) ([]Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rulesets[rulesetID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "ruleset %s", rulesetID)
	}
	deps := make([]Deployment, 0, len(s.deployments[rulesetID]))
	for _, dep := range s.deployments[rulesetID] {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Environment < deps[j].Environment })
	return deps, nil
}
