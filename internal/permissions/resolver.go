// Package permissions computes and caches the effective permission set of a
// user: the RBAC role-permission union overlaid with ABAC policy outcomes.
package permissions

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/atlas-saas/atlas/internal/condition"
	"github.com/atlas-saas/atlas/internal/policies"
	"github.com/atlas-saas/atlas/internal/roles"
	"github.com/atlas-saas/atlas/internal/tenants"
)

// RoleSource supplies a user's assigned roles.
type RoleSource interface {
	GetUserRoles(ctx context.Context, tenantID, userID string) ([]roles.Role, error)
}

// PolicySource supplies the tenant's active policies.
type PolicySource interface {
	ListActive(ctx context.Context, tenantID string) ([]policies.Policy, error)
}

// FeatureSource reports tenant feature flags.
type FeatureSource interface {
	Features(ctx context.Context, tenantID string) (tenants.Features, error)
}

// EffectiveSet is the materialized authorization view for one user. It is
// derived, cached and never authoritative; the stores remain the source of
// truth on every write path.
type EffectiveSet struct {
	UserID      string            `json:"userId"`
	TenantID    string            `json:"tenantId"`
	Permissions []string          `json:"permissions"`
	Filters     []policies.Filter `json:"filters,omitempty"`
}

// Resolver merges RBAC and ABAC outcomes into one effective permission set.
type Resolver struct {
	roles    RoleSource
	policies PolicySource
	features FeatureSource
}

// NewResolver builds a Resolver instance.
func NewResolver(roleSrc RoleSource, policySrc PolicySource, featureSrc FeatureSource) *Resolver {
	return &Resolver{roles: roleSrc, policies: policySrc, features: featureSrc}
}

// GetUserEffectivePermissions computes the user's effective permissions.
// The RBAC union is the baseline. With ABAC enabled, every candidate
// permission is checked against the policy set: a DENY removes a permission
// RBAC would have granted, an ALLOW can grant one no role carries, and
// FILTER predicates ride alongside without touching the flat set.
func (r *Resolver) GetUserEffectivePermissions(ctx context.Context, tenantID, userID string) (EffectiveSet, error) {
	userRoles, err := r.roles.GetUserRoles(ctx, tenantID, userID)
	if err != nil {
		return EffectiveSet{}, err
	}

	granted := make(map[string]struct{})
	roleNames := make([]string, 0, len(userRoles))
	for _, role := range userRoles {
		roleNames = append(roleNames, role.Name)
		for _, perm := range role.Permissions {
			granted[perm] = struct{}{}
		}
	}

	set := EffectiveSet{UserID: userID, TenantID: tenantID}

	features, err := r.features.Features(ctx, tenantID)
	if err != nil {
		return EffectiveSet{}, err
	}
	if !features.ABACEnabled {
		set.Permissions = sortedKeys(granted)
		return set, nil
	}

	policyList, err := r.policies.ListActive(ctx, tenantID)
	if err != nil {
		return EffectiveSet{}, err
	}

	attrs := condition.Attributes{
		"user.id":    userID,
		"user.roles": roleNames,
	}

	// Candidates are everything RBAC granted plus any concrete permission an
	// ALLOW policy could grant on its own.
	candidates := make(map[string]struct{}, len(granted))
	for perm := range granted {
		candidates[perm] = struct{}{}
	}
	for _, p := range policyList {
		if p.Effect == policies.EffectAllow && strings.Contains(p.Resource, ".") {
			candidates[p.Resource] = struct{}{}
		}
	}

	seenFilters := make(map[uuid.UUID]struct{})
	for perm := range candidates {
		resource, action := splitPermission(perm)
		outcome := policies.EvaluateAccess(policyList, resource, action, attrs)
		switch outcome.Decision {
		case policies.DecisionDeny:
			delete(granted, perm)
		case policies.DecisionAllow:
			granted[perm] = struct{}{}
		}
		for _, f := range outcome.Filters {
			if _, ok := seenFilters[f.PolicyID]; ok {
				continue
			}
			seenFilters[f.PolicyID] = struct{}{}
			set.Filters = append(set.Filters, f)
		}
	}
	sort.Slice(set.Filters, func(i, j int) bool {
		return set.Filters[i].PolicyName < set.Filters[j].PolicyName
	})

	set.Permissions = sortedKeys(granted)
	return set, nil
}

// splitPermission separates "resource.action" at the first dot. Policies
// address either the full permission string or its resource part.
func splitPermission(perm string) (resource, action string) {
	if i := strings.Index(perm, "."); i >= 0 {
		return perm[:i], perm[i+1:]
	}
	return perm, ""
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
