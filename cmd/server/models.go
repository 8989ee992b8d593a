package main

import (
	"encoding/json"
	"time"

	"github.com/frauddetection/ruleservice/governance"
)

// API request and response models.

// CreateRulesetRequest is the body for creating a ruleset.
type CreateRulesetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Domain      string `json:"domain"`
}

// UpdateRulesetRequest is the body for patching ruleset-level fields.
// ExpectedVersion carries the version the caller last read; a stale
// value is rejected with 409.
type UpdateRulesetRequest struct {
	ExpectedVersion int     `json:"expectedVersion"`
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	IsActive        *bool   `json:"isActive,omitempty"`
}

// CreateRuleRequest is the body for creating a rule under a ruleset.
// Condition and action are opaque JSON; the service stores them as-is.
type CreateRuleRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Condition   json.RawMessage `json:"condition"`
	Action      json.RawMessage `json:"action"`
	Priority    *int            `json:"priority,omitempty"`
}

// UpdateRuleRequest is the body for patching rule content fields.
type UpdateRuleRequest struct {
	ExpectedVersion int             `json:"expectedVersion"`
	Name            *string         `json:"name,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Condition       json.RawMessage `json:"condition,omitempty"`
	Action          json.RawMessage `json:"action,omitempty"`
	Priority        *int            `json:"priority,omitempty"`
}

// TransitionRequest is the body for moving a rule along the lifecycle.
type TransitionRequest struct {
	Status string `json:"status"`
}

// DeployRequest is the body for deploy and undeploy calls.
type DeployRequest struct {
	Environment string `json:"environment"`
}

// RuleResponse represents a rule in API responses.
type RuleResponse struct {
	ID          string          `json:"id"`
	RulesetID   string          `json:"rulesetId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Domain      string          `json:"domain"`
	Condition   json.RawMessage `json:"condition"`
	Action      json.RawMessage `json:"action"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	Version     int             `json:"version"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedBy   string          `json:"updatedBy"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// RulesetResponse represents a ruleset in API responses. Deployments
// maps environment to the ruleset version live there.
type RulesetResponse struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Domain               string         `json:"domain"`
	IsActive             bool           `json:"isActive"`
	Version              int            `json:"version"`
	Rules                []RuleResponse `json:"rules,omitempty"`
	DeployedEnvironments []string       `json:"deployedEnvironments"`
	Deployments          map[string]int `json:"deployments"`
	CreatedBy            string         `json:"createdBy"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedBy            string         `json:"updatedBy"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// RulesetPageResponse is one page of ruleset listings.
type RulesetPageResponse struct {
	Items      []RulesetResponse `json:"items"`
	Page       int               `json:"page"`
	Size       int               `json:"size"`
	TotalItems int               `json:"totalItems"`
}

// VersionResponse is one entry of a ruleset's version history.
type VersionResponse struct {
	RulesetID   string    `json:"rulesetId"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Domain      string    `json:"domain"`
	IsActive    bool      `json:"isActive"`
	RuleIDs     []string  `json:"ruleIds"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DeploymentResponse is one entry of a ruleset's deployment registry.
type DeploymentResponse struct {
	Environment string    `json:"environment"`
	Version     int       `json:"version"`
	DeployedBy  string    `json:"deployedBy"`
	DeployedAt  time.Time `json:"deployedAt"`
}

func toRuleResponse(r governance.Rule) RuleResponse {
	return RuleResponse{
		ID:          r.ID,
		RulesetID:   r.RulesetID,
		Name:        r.Name,
		Description: r.Description,
		Domain:      string(r.Domain),
		Condition:   r.Condition,
		Action:      r.Action,
		Priority:    r.Priority,
		Status:      string(r.Status),
		Version:     r.Version,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedBy:   r.UpdatedBy,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toRulesetResponse(rs governance.Ruleset, rules []governance.Rule) RulesetResponse {
	resp := RulesetResponse{
		ID:                   rs.ID,
		Name:                 rs.Name,
		Description:          rs.Description,
		Domain:               string(rs.Domain),
		IsActive:             rs.IsActive,
		Version:              rs.Version,
		DeployedEnvironments: []string{},
		Deployments:          map[string]int{},
		CreatedBy:            rs.CreatedBy,
		CreatedAt:            rs.CreatedAt,
		UpdatedBy:            rs.UpdatedBy,
		UpdatedAt:            rs.UpdatedAt,
	}
	for _, env := range rs.DeployedEnvironments() {
		resp.DeployedEnvironments = append(resp.DeployedEnvironments, string(env))
	}
	for env, v := range rs.Deployments {
		resp.Deployments[string(env)] = v
	}
	for _, r := range rules {
		resp.Rules = append(resp.Rules, toRuleResponse(r))
	}
	return resp
}

func toVersionResponse(snap governance.RulesetSnapshot) VersionResponse {
	return VersionResponse{
		RulesetID:   snap.RulesetID,
		Version:     snap.Version,
		Name:        snap.Name,
		Description: snap.Description,
		Domain:      string(snap.Domain),
		IsActive:    snap.IsActive,
		RuleIDs:     snap.RuleIDs,
		CreatedBy:   snap.CreatedBy,
		CreatedAt:   snap.CreatedAt,
	}
}

func toDeploymentResponse(dep governance.Deployment) DeploymentResponse {
	return DeploymentResponse{
		Environment: string(dep.Environment),
		Version:     dep.Version,
		DeployedBy:  dep.DeployedBy,
		DeployedAt:  dep.DeployedAt,
	}
}
