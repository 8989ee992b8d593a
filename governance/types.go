package governance

import (
	"encoding/json"
	"sort"
	"time"
)

// Domain is the banking domain a ruleset is scoped to.
// Immutable after ruleset creation; every owned rule inherits it.
type Domain string

const (
	DomainRetail Domain = "RETAIL"
	DomainCredit Domain = "CREDIT"
	DomainDebit  Domain = "DEBIT"
)

func (d Domain) Valid() bool {
	switch d {
	case DomainRetail, DomainCredit, DomainDebit:
		return true
	}
	return false
}

// Environment is a deployment target for a ruleset.
type Environment string

const (
	EnvDev     Environment = "DEV"
	EnvStaging Environment = "STAGING"
	EnvProd    Environment = "PROD"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvStaging, EnvProd:
		return true
	}
	return false
}

// RuleStatus is a rule's position in the maker-checker lifecycle.
type RuleStatus string

const (
	StatusDraft           RuleStatus = "DRAFT"
	StatusPendingApproval RuleStatus = "PENDING_APPROVAL"
	StatusApproved        RuleStatus = "APPROVED"
	StatusRejected        RuleStatus = "REJECTED"
	StatusActive          RuleStatus = "ACTIVE"
	StatusInactive        RuleStatus = "INACTIVE"
)

// AllStatuses lists every rule status, in lifecycle order.
var AllStatuses = []RuleStatus{
	StatusDraft,
	StatusPendingApproval,
	StatusApproved,
	StatusRejected,
	StatusActive,
	StatusInactive,
}

func (s RuleStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Mutable reports whether rule content may be edited in this status.
// Once a rule enters review its content is frozen until it is rejected
// back to DRAFT or fully approved.
func (s RuleStatus) Mutable() bool {
	return s == StatusDraft || s == StatusRejected
}

// Deployable reports whether a rule in this status may ship to an
// environment. APPROVED means reviewed, not live: it must be activated
// (or parked as INACTIVE) in an explicit separate step first.
func (s RuleStatus) Deployable() bool {
	return s == StatusActive || s == StatusInactive
}

// Role is an actor role as resolved by the upstream auth layer. The
// core does not make authorization decisions; it only tags transitions
// with the role an external policy layer should require, and enforces
// the no-self-approval rule from actor identity.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleMaker   Role = "MAKER"
	RoleChecker Role = "CHECKER"
	RoleViewer  Role = "VIEWER"
)

// Actor is the authenticated identity attached to a request.
type Actor struct {
	ID    string
	Roles []Role
}

// Rule is a single fraud detection rule. Condition and action are
// opaque JSON payloads interpreted by the scoring runtime, never here.
type Rule struct {
	ID          string          `json:"id"`
	RulesetID   string          `json:"rulesetId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Domain      Domain          `json:"domain"`
	Condition   json.RawMessage `json:"condition"`
	Action      json.RawMessage `json:"action"`
	Priority    int             `json:"priority"`
	Status      RuleStatus      `json:"status"`
	Version     int             `json:"version"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedBy   string          `json:"updatedBy"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Ruleset is a named, versioned, domain-scoped collection of rules.
// It owns its rules by id; a rule never outlives its ruleset.
// Deployments maps each environment to the ruleset version that was
// live at deploy time.
type Ruleset struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Domain      Domain              `json:"domain"`
	IsActive    bool                `json:"isActive"`
	Version     int                 `json:"version"`
	RuleIDs     []string            `json:"ruleIds"`
	Deployments map[Environment]int `json:"deployments"`
	CreatedBy   string              `json:"createdBy"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedBy   string              `json:"updatedBy"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// DeployedEnvironments returns the environments this ruleset is
// currently deployed to, in a stable order.
func (rs *Ruleset) DeployedEnvironments() []Environment {
	envs := make([]Environment, 0, len(rs.Deployments))
	for env := range rs.Deployments {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i] < envs[j] })
	return envs
}

// RulesetDetail pairs a ruleset with its owned rules for read paths.
type RulesetDetail struct {
	Ruleset Ruleset `json:"ruleset"`
	Rules   []Rule  `json:"rules"`
}

// RulesetSnapshot is the immutable record of one ruleset version,
// written whenever the ruleset version is bumped.
type RulesetSnapshot struct {
	RulesetID   string    `json:"rulesetId"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Domain      Domain    `json:"domain"`
	IsActive    bool      `json:"isActive"`
	RuleIDs     []string  `json:"ruleIds"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Deployment is one (ruleset, environment) mapping in the registry.
type Deployment struct {
	RulesetID   string      `json:"rulesetId"`
	Environment Environment `json:"environment"`
	Version     int         `json:"version"`
	DeployedBy  string      `json:"deployedBy"`
	DeployedAt  time.Time   `json:"deployedAt"`
}

// RulesetFilter narrows ruleset listings. SearchText matches name or
// description, case-insensitively.
type RulesetFilter struct {
	Domain     *Domain
	IsActive   *bool
	SearchText string
}

// Page is a paging request. PageNumber is zero-based.
type Page struct {
	Number int
	Size   int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps a page request to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

// RulesetPage is one page of ruleset listings.
type RulesetPage struct {
	Items      []Ruleset `json:"items"`
	Page       int       `json:"page"`
	Size       int       `json:"size"`
	TotalItems int       `json:"totalItems"`
}
