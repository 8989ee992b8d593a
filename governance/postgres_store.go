package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Optimistic
// concurrency is pushed down into the UPDATE predicates so the
// compare-and-set happens in a single statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed governance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// uniqueViolation / foreignKeyViolation are the postgres error classes
// we translate into governance errors.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

func isPqError(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}

func (s *PostgresStore) CreateRuleset(ctx context.Context, rs *Ruleset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rulesets (id, name, description, domain, is_active, version,
			created_by, created_at, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rs.ID, rs.Name, rs.Description, string(rs.Domain), rs.IsActive, rs.Version,
		rs.CreatedBy, rs.CreatedAt, rs.UpdatedBy, rs.UpdatedAt)
	if isPqError(err, pqUniqueViolation) {
		return errors.Wrapf(ErrDuplicateName, "name %q", rs.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert ruleset: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanRuleset(row *sql.Row) (*Ruleset, error) {
	var rs Ruleset
	var domain string
	err := row.Scan(&rs.ID, &rs.Name, &rs.Description, &domain, &rs.IsActive, &rs.Version,
		&rs.CreatedBy, &rs.CreatedAt, &rs.UpdatedBy, &rs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rs.Domain = Domain(domain)
	return &rs, nil
}

// loadDerived fills RuleIDs and Deployments for the given rulesets.
func (s *PostgresStore) loadDerived(ctx context.Context, rulesets map[string]*Ruleset) error {
	if len(rulesets) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rulesets))
	for id, rs := range rulesets {
		rs.RuleIDs = []string{}
		rs.Deployments = map[Environment]int{}
		ids = append(ids, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ruleset_id FROM rules
		WHERE ruleset_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load rule ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ruleID, rulesetID string
		if err := rows.Scan(&ruleID, &rulesetID); err != nil {
			return fmt.Errorf("failed to scan rule id: %w", err)
		}
		rulesets[rulesetID].RuleIDs = append(rulesets[rulesetID].RuleIDs, ruleID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rule ids: %w", err)
	}

	depRows, err := s.db.QueryContext(ctx, `
		SELECT ruleset_id, environment, version FROM ruleset_deployments
		WHERE ruleset_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load deployments: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var rulesetID, env string
		var version int
		if err := depRows.Scan(&rulesetID, &env, &version); err != nil {
			return fmt.Errorf("failed to scan deployment: %w", err)
		}
		rulesets[rulesetID].Deployments[Environment(env)] = version
	}
	return depRows.Err()
}

func (s *PostgresStore) GetRuleset(ctx context.Context, id string) (*Ruleset, error) {
	rs, err := s.scanRuleset(s.db.QueryRowContext(ctx, `
		SELECT id, name, description, domain, is_active, version,
			created_by, created_at, updated_by, updated_at
		FROM rulesets WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "ruleset %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ruleset: %w", err)
	}
	if err := s.loadDerived(ctx, map[string]*Ruleset{rs.ID: rs}); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *PostgresStore) ListRulesets(ctx context.Context, filter RulesetFilter, page Page) ([]Ruleset, int, error) {
	page = page.Normalize()

	where := []string{"TRUE"}
	args := []any{}
	if filter.Domain != nil {
		args = append(args, string(*filter.Domain))
		where = append(where, fmt.Sprintf("domain = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if filter.SearchText != "" {
		args = append(args, "%"+strings.ToLower(filter.SearchText)+"%")
		where = append(where, fmt.Sprintf("(LOWER(name) LIKE $%d OR LOWER(description) LIKE $%d)", len(args), len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rulesets WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rulesets: %w", err)
	}

	args = append(args, page.Size, page.Number*page.Size)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, description, domain, is_active, version,
			created_by, created_at, updated_by, updated_at
		FROM rulesets WHERE %s
		ORDER BY created_at DESC, id ASC
		LIMIT $%d OFFSET $%d
	`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rulesets: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Ruleset)
	order := []string{}
	for rows.Next() {
		var rs Ruleset
		var domain string
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.Description, &domain, &rs.IsActive, &rs.Version,
			&rs.CreatedBy, &rs.CreatedAt, &rs.UpdatedBy, &rs.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan ruleset: %w", err)
		}
		rs.Domain = Domain(domain)
		byID[rs.ID] = &rs
		order = append(order, rs.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rulesets: %w", err)
	}
	if err := s.loadDerived(ctx, byID); err != nil {
		return nil, 0, err
	}

	items := make([]Ruleset, 0, len(order))
	for _, id := range order {
		items = append(items, *byID[id])
	}
	return items, total, nil
}

func (s *PostgresStore) UpdateRuleset(ctx context.Context, rs *Ruleset, expectedVersion int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rulesets
		SET name = $1, description = $2, is_active = $3, version = $4,
			updated_by = $5, updated_at = $6
		WHERE id = $7 AND version = $8
	`, rs.Name, rs.Description, rs.IsActive, rs.Version,
		rs.UpdatedBy, rs.UpdatedAt, rs.ID, expectedVersion)
	if isPqError(err, pqUniqueViolation) {
		return errors.Wrapf(ErrDuplicateName, "name %q", rs.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update ruleset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		var stored int
		err := s.db.QueryRowContext(ctx,
			"SELECT version FROM rulesets WHERE id = $1", rs.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "ruleset %s", rs.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check ruleset version: %w", err)
		}
		return errors.Wrapf(ErrConcurrentModification,
			"ruleset %s: expected version %d, stored version %d", rs.ID, expectedVersion, stored)
	}
	return nil
}

func (s *PostgresStore) DeleteRuleset(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rulesets WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete ruleset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return errors.Wrapf(ErrNotFound, "ruleset %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap RulesetSnapshot) error {
	ruleIDs, err := json.Marshal(snap.RuleIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal rule ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ruleset_versions (ruleset_id, version, name, description, domain,
			is_active, rule_ids, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, snap.RulesetID, snap.Version, snap.Name, snap.Description, string(snap.Domain),
		snap.IsActive, string(ruleIDs), snap.CreatedBy, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) rulesetExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM rulesets WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check ruleset existence: %w", err)
	}
	if !exists {
		return errors.Wrapf(ErrNotFound, "ruleset %s", id)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, rulesetID string) ([]RulesetSnapshot, error) {
	if err := s.rulesetExists(ctx, rulesetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ruleset_id, version, name, description, domain, is_active, rule_ids,
			created_by, created_at
		FROM ruleset_versions
		WHERE ruleset_id = $1
		ORDER BY version DESC
	`, rulesetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []RulesetSnapshot
	for rows.Next() {
		var snap RulesetSnapshot
		var domain string
		var ruleIDs []byte
		if err := rows.Scan(&snap.RulesetID, &snap.Version, &snap.Name, &snap.Description,
			&domain, &snap.IsActive, &ruleIDs, &snap.CreatedBy, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Domain = Domain(domain)
		if err := json.Unmarshal(ruleIDs, &snap.RuleIDs); err != nil {
			return nil, fmt.Errorf("invalid rule ids for snapshot %s/%d: %w", snap.RulesetID, snap.Version, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) CreateRule(ctx context.Context, rule *Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (id, ruleset_id, name, description, domain, condition, action,
			priority, status, version, created_by, created_at, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, rule.RulesetID, rule.Name, rule.Description, string(rule.Domain),
		string(rule.Condition), string(rule.Action), rule.Priority, string(rule.Status),
		rule.Version, rule.CreatedBy, rule.CreatedAt, rule.UpdatedBy, rule.UpdatedAt)
	if isPqError(err, pqForeignKeyViolation) {
		return errors.Wrapf(ErrNotFound, "ruleset %s", rule.RulesetID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func scanRule(scanner interface{ Scan(...any) error }) (*Rule, error) {
	var rule Rule
	var domain, status string
	var condition, action []byte
	err := scanner.Scan(&rule.ID, &rule.RulesetID, &rule.Name, &rule.Description,
		&domain, &condition, &action, &rule.Priority, &status, &rule.Version,
		&rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedBy, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Domain = Domain(domain)
	rule.Status = RuleStatus(status)
	rule.Condition = condition
	rule.Action = action
	return &rule, nil
}

const ruleColumns = `id, ruleset_id, name, description, domain, condition, action,
	priority, status, version, created_by, created_at, updated_by, updated_at`

func (s *PostgresStore) GetRule(ctx context.Context, rulesetID, ruleID string) (*Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE id = $1 AND ruleset_id = $2
	`, ruleID, rulesetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "rule %s in ruleset %s", ruleID, rulesetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresStore) ListRules(ctx context.Context, rulesetID string) ([]Rule, error) {
	if err := s.rulesetExists(ctx, rulesetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE ruleset_id = $1
		ORDER BY created_at ASC, id ASC
	`, rulesetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) UpdateRule(ctx context.Context, rule *Rule, expectedVersion int, expectedStatus RuleStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, condition = $3, action = $4, priority = $5,
			status = $6, version = $7, updated_by = $8, updated_at = $9
		WHERE id = $10 AND ruleset_id = $11 AND version = $12 AND status = $13
	`, rule.Name, rule.Description, string(rule.Condition), string(rule.Action), rule.Priority,
		string(rule.Status), rule.Version, rule.UpdatedBy, rule.UpdatedAt,
		rule.ID, rule.RulesetID, expectedVersion, string(expectedStatus))
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		var stored int
		var storedStatus string
		err := s.db.QueryRowContext(ctx,
			"SELECT version, status FROM rules WHERE id = $1 AND ruleset_id = $2",
			rule.ID, rule.RulesetID).Scan(&stored, &storedStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "rule %s in ruleset %s", rule.ID, rule.RulesetID)
		}
		if err != nil {
			return fmt.Errorf("failed to check rule version: %w", err)
		}
		return errors.Wrapf(ErrConcurrentModification,
			"rule %s: expected version %d status %s, stored version %d status %s",
			rule.ID, expectedVersion, expectedStatus, stored, storedStatus)
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, rulesetID, ruleID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM rules WHERE id = $1 AND ruleset_id = $2", ruleID, rulesetID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return errors.Wrapf(ErrNotFound, "rule %s in ruleset %s", ruleID, rulesetID)
	}
	return nil
}

func (s *PostgresStore) SetDeployment(ctx context.Context, dep Deployment) error {
	// The INSERT only fires while the ruleset row still carries the
	// version being deployed, making the deployability check and the
	// registry write one atomic step.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ruleset_deployments (ruleset_id, environment, version, deployed_by, deployed_at)
		SELECT id, $2, $3, $4, $5 FROM rulesets WHERE id = $1 AND version = $3
		ON CONFLICT (ruleset_id, environment) DO UPDATE
		SET version = EXCLUDED.version,
			deployed_by = EXCLUDED.deployed_by,
			deployed_at = EXCLUDED.deployed_at
	`, dep.RulesetID, string(dep.Environment), dep.Version, dep.DeployedBy, dep.DeployedAt)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		var stored int
		err := s.db.QueryRowContext(ctx,
			"SELECT version FROM rulesets WHERE id = $1", dep.RulesetID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "ruleset %s", dep.RulesetID)
		}
		if err != nil {
			return fmt.Errorf("failed to check ruleset version: %w", err)
		}
		return errors.Wrapf(ErrConcurrentModification,
			"ruleset %s: deploying version %d, stored version %d", dep.RulesetID, dep.Version, stored)
	}
	return nil
}

func (s *PostgresStore) RemoveDeployment(ctx context.Context, rulesetID string, env Environment) error {
	if err := s.rulesetExists(ctx, rulesetID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM ruleset_deployments WHERE ruleset_id = $1 AND environment = $2",
		rulesetID, string(env))
	if err != nil {
		return fmt.Errorf("failed to remove deployment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeployments(ctx context.Context, rulesetID string) ([]Deployment, error) {
	if err := s.rulesetExists(ctx, rulesetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ruleset_id, environment, version, deployed_by, deployed_at
		FROM ruleset_deployments
		WHERE ruleset_id = $1
		ORDER BY environment ASC
	`, rulesetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deps := make([]Deployment, 0)
	for rows.Next() {
		var dep Deployment
		var env string
		if err := rows.Scan(&dep.RulesetID, &env, &dep.Version, &dep.DeployedBy, &dep.DeployedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		dep.Environment = Environment(env)
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}
