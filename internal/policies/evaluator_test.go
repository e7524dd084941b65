package policies

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-saas/atlas/internal/condition"
)

func denyBanned() *condition.Tree {
	return &condition.Tree{Leaf: &condition.Leaf{
		Attribute: "user.role", Operator: condition.OpEquals, Value: "banned",
	}}
}

func policy(name, resource string, effect Effect, priority int, tree *condition.Tree) Policy {
	return Policy{
		ID:         uuid.New(),
		Name:       name,
		Resource:   resource,
		Effect:     effect,
		Conditions: tree,
		Priority:   priority,
		Source:     SourceTenantAdmin,
		IsActive:   true,
		CreatedAt:  time.Now(),
	}
}

func TestEvaluateAccessDenyMatches(t *testing.T) {
	list := []Policy{policy("deny banned", "invoices", EffectDeny, 0, denyBanned())}
	out := EvaluateAccess(list, "invoices", "read", condition.Attributes{"user.role": "banned"})
	if out.Decision != DecisionDeny {
		t.Fatalf("expected deny, got %v", out.Decision)
	}
}

func TestEvaluateAccessNeutralWhenNoMatch(t *testing.T) {
	list := []Policy{policy("deny banned", "invoices", EffectDeny, 0, denyBanned())}
	out := EvaluateAccess(list, "invoices", "read", condition.Attributes{"user.role": "member"})
	if out.Decision != DecisionNeutral {
		t.Fatalf("expected neutral, got %v", out.Decision)
	}
}

func TestEvaluateAccessResourceScoping(t *testing.T) {
	list := []Policy{
		policy("deny banned", "invoices", EffectDeny, 0, denyBanned()),
		policy("global deny", "*", EffectDeny, 0, denyBanned()),
	}
	attrs := condition.Attributes{"user.role": "banned"}

	if out := EvaluateAccess(list[:1], "reports", "read", attrs); out.Decision != DecisionNeutral {
		t.Fatalf("non-matching resource must be neutral, got %v", out.Decision)
	}
	if out := EvaluateAccess(list[1:], "reports", "read", attrs); out.Decision != DecisionDeny {
		t.Fatalf("wildcard resource must apply, got %v", out.Decision)
	}
}

func TestEvaluateAccessQualifiedResource(t *testing.T) {
	list := []Policy{policy("deny exports", "invoices.export", EffectDeny, 0, nil)}
	attrs := condition.Attributes{}

	if out := EvaluateAccess(list, "invoices", "export", attrs); out.Decision != DecisionDeny {
		t.Fatalf("policy on the qualified permission must apply, got %v", out.Decision)
	}
	if out := EvaluateAccess(list, "invoices", "read", attrs); out.Decision != DecisionNeutral {
		t.Fatalf("other actions on the resource must stay neutral, got %v", out.Decision)
	}
}

func TestEvaluateAccessPriorityOrdering(t *testing.T) {
	always := (*condition.Tree)(nil) // nil tree matches everything
	list := []Policy{
		policy("low allow", "invoices", EffectAllow, 1, always),
		policy("high deny", "invoices", EffectDeny, 10, always),
	}
	out := EvaluateAccess(list, "invoices", "read", condition.Attributes{})
	if out.Decision != DecisionDeny {
		t.Fatalf("higher priority policy must decide first, got %v", out.Decision)
	}
}

func TestEvaluateAccessRecencyBreaksTies(t *testing.T) {
	older := policy("older allow", "invoices", EffectAllow, 5, nil)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := policy("newer deny", "invoices", EffectDeny, 5, nil)

	out := EvaluateAccess([]Policy{older, newer}, "invoices", "read", condition.Attributes{})
	if out.Decision != DecisionDeny {
		t.Fatalf("most recent policy must win the tie, got %v", out.Decision)
	}
}

func TestEvaluateAccessFilterAccumulates(t *testing.T) {
	list := []Policy{
		policy("own rows only", "invoices", EffectFilter, 10, nil),
		policy("allow members", "invoices", EffectAllow, 1, nil),
	}
	out := EvaluateAccess(list, "invoices", "list", condition.Attributes{})
	if out.Decision != DecisionAllow {
		t.Fatalf("expected allow, got %v", out.Decision)
	}
	if len(out.Filters) != 1 || out.Filters[0].PolicyName != "own rows only" {
		t.Fatalf("expected the filter predicate to be carried, got %+v", out.Filters)
	}
}

func TestEvaluateAccessSkipsInactive(t *testing.T) {
	p := policy("deny banned", "invoices", EffectDeny, 0, denyBanned())
	p.IsActive = false
	out := EvaluateAccess([]Policy{p}, "invoices", "read", condition.Attributes{"user.role": "banned"})
	if out.Decision != DecisionNeutral {
		t.Fatalf("inactive policy must be ignored, got %v", out.Decision)
	}
}

func TestEvaluateAccessExposesRequestAttributes(t *testing.T) {
	tree := &condition.Tree{Leaf: &condition.Leaf{
		Attribute: "request.action", Operator: condition.OpEquals, Value: "export",
	}}
	list := []Policy{policy("deny exports", "invoices", EffectDeny, 0, tree)}

	if out := EvaluateAccess(list, "invoices", "export", condition.Attributes{}); out.Decision != DecisionDeny {
		t.Fatalf("expected deny on export, got %v", out.Decision)
	}
	if out := EvaluateAccess(list, "invoices", "read", condition.Attributes{}); out.Decision != DecisionNeutral {
		t.Fatalf("expected neutral on read, got %v", out.Decision)
	}
}
