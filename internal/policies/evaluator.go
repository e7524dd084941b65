package policies

import (
	"sort"

	"github.com/google/uuid"

	"github.com/atlas-saas/atlas/internal/condition"
)

// Decision is the outcome of evaluating the policy set for one access check.
type Decision int

const (
	// DecisionNeutral means no policy matched; the ABAC layer defers to RBAC.
	DecisionNeutral Decision = iota
	DecisionAllow
	DecisionDeny
)

// Filter is a residual row-level predicate attached by a FILTER policy. The
// caller applies it when listing collections.
type Filter struct {
	PolicyID   uuid.UUID       `json:"policyId"`
	PolicyName string          `json:"policyName"`
	Resource   string          `json:"resource"`
	Predicate  *condition.Tree `json:"predicate"`
}

// Outcome bundles the decision with any accumulated filters.
type Outcome struct {
	Decision Decision
	Filters  []Filter
}

// EvaluateAccess resolves the ABAC outcome for one (resource, action) pair.
// It is a pure function over the supplied policies and attributes.
//
// Applicable policies are the active ones whose resource matches the coarse
// resource, the qualified "resource.action" permission, or the "*" wildcard,
// ordered by priority descending with creation recency breaking ties. The
// first policy whose condition holds decides: DENY rejects immediately, ALLOW
// grants. FILTER policies never decide; their predicates accumulate until a
// decision is reached or the set is exhausted.
func EvaluateAccess(list []Policy, resource, action string, attrs condition.Attributes) Outcome {
	qualified := resource
	if action != "" {
		qualified = resource + "." + action
	}
	applicable := make([]Policy, 0, len(list))
	for _, p := range list {
		if p.IsActive && resourceMatches(p.Resource, resource, qualified) {
			applicable = append(applicable, p)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority > applicable[j].Priority
		}
		return applicable[i].CreatedAt.After(applicable[j].CreatedAt)
	})

	merged := make(condition.Attributes, len(attrs)+2)
	for k, v := range attrs {
		merged[k] = v
	}
	merged["request.resource"] = resource
	merged["request.action"] = action

	var out Outcome
	for _, p := range applicable {
		if !condition.Evaluate(p.Conditions, merged) {
			continue
		}
		switch p.Effect {
		case EffectDeny:
			out.Decision = DecisionDeny
			return out
		case EffectAllow:
			out.Decision = DecisionAllow
			return out
		case EffectFilter:
			out.Filters = append(out.Filters, Filter{
				PolicyID:   p.ID,
				PolicyName: p.Name,
				Resource:   p.Resource,
				Predicate:  p.Conditions,
			})
		}
	}
	return out
}

func resourceMatches(policyResource, requested, qualified string) bool {
	return policyResource == "*" || policyResource == requested || policyResource == qualified
}
