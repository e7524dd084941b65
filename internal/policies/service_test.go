package policies

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-saas/atlas/internal/condition"
	"github.com/atlas-saas/atlas/internal/tenants"
)

type mockRepo struct {
	policies map[uuid.UUID]Policy
}

func newMockRepo() *mockRepo {
	return &mockRepo{policies: make(map[uuid.UUID]Policy)}
}

func (m *mockRepo) nameTaken(tenantID, name string, except uuid.UUID) bool {
	for id, p := range m.policies {
		if id != except && p.TenantID == tenantID && p.Name == name {
			return true
		}
	}
	return false
}

func (m *mockRepo) Insert(ctx context.Context, tenantID string, policy Policy) (Policy, error) {
	if m.nameTaken(tenantID, policy.Name, policy.ID) {
		return Policy{}, ErrNameConflict
	}
	policy.TenantID = tenantID
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = policy.CreatedAt
	m.policies[policy.ID] = policy
	return policy, nil
}

func (m *mockRepo) Update(ctx context.Context, tenantID string, policy Policy) (Policy, error) {
	existing, ok := m.policies[policy.ID]
	if !ok || existing.TenantID != tenantID {
		return Policy{}, ErrNotFound
	}
	if m.nameTaken(tenantID, policy.Name, policy.ID) {
		return Policy{}, ErrNameConflict
	}
	policy.TenantID = tenantID
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = time.Now()
	m.policies[policy.ID] = policy
	return policy, nil
}

func (m *mockRepo) List(ctx context.Context, tenantID string) ([]Policy, error) {
	var out []Policy
	for _, p := range m.policies {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) ListActive(ctx context.Context, tenantID string) ([]Policy, error) {
	var out []Policy
	for _, p := range m.policies {
		if p.TenantID == tenantID && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) Get(ctx context.Context, tenantID string, policyID uuid.UUID) (Policy, error) {
	p, ok := m.policies[policyID]
	if !ok || p.TenantID != tenantID {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) Delete(ctx context.Context, tenantID string, policyID uuid.UUID) error {
	p, ok := m.policies[policyID]
	if !ok || p.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.policies, policyID)
	return nil
}

func (m *mockRepo) InsertIgnoreConflicts(ctx context.Context, tenantID string, list []Policy) error {
	for _, p := range list {
		if m.nameTaken(tenantID, p.Name, p.ID) {
			continue
		}
		p.TenantID = tenantID
		p.CreatedAt = time.Now()
		p.UpdatedAt = p.CreatedAt
		m.policies[p.ID] = p
	}
	return nil
}

func (m *mockRepo) DeleteByPlugin(ctx context.Context, tenantID, pluginID string) (int64, error) {
	var removed int64
	for id, p := range m.policies {
		if p.TenantID == tenantID && p.Source == SourcePlugin && p.PluginID == pluginID {
			delete(m.policies, id)
			removed++
		}
	}
	return removed, nil
}

type mockFeatures struct {
	enabled map[string]bool
}

func (m *mockFeatures) Features(ctx context.Context, tenantID string) (tenants.Features, error) {
	return tenants.Features{ABACEnabled: m.enabled[tenantID]}, nil
}

type recordingTenantInvalidator struct {
	tenants []string
}

func (r *recordingTenantInvalidator) InvalidateTenant(ctx context.Context, tenantID string) {
	r.tenants = append(r.tenants, tenantID)
}

func newTestService(enabled ...string) (*Service, *mockRepo, *recordingTenantInvalidator) {
	repo := newMockRepo()
	features := &mockFeatures{enabled: make(map[string]bool)}
	for _, t := range enabled {
		features.enabled[t] = true
	}
	inv := &recordingTenantInvalidator{}
	return NewService(repo, features, inv), repo, inv
}

func validCreateInput() CreateInput {
	return CreateInput{
		Name:     "deny banned users",
		Resource: "invoices",
		Effect:   EffectDeny,
		Conditions: &condition.Tree{Leaf: &condition.Leaf{
			Attribute: "user.role", Operator: condition.OpEquals, Value: "banned",
		}},
	}
}

func TestCreatePolicyFeatureDisabled(t *testing.T) {
	svc, _, _ := newTestService() // no tenant enabled
	_, err := svc.CreatePolicy(context.Background(), "acme", validCreateInput())
	assert.ErrorIs(t, err, ErrFeatureDisabled)
}

func TestListPoliciesFeatureDisabled(t *testing.T) {
	svc, _, _ := newTestService()
	result, err := svc.ListPolicies(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, result.Data)
	assert.False(t, result.Meta.FeatureEnabled)
	assert.Zero(t, result.Meta.Total)
}

func TestCreatePolicyPersistsAndInvalidates(t *testing.T) {
	svc, _, inv := newTestService("acme")
	policy, err := svc.CreatePolicy(context.Background(), "acme", validCreateInput())
	require.NoError(t, err)
	assert.Equal(t, SourceTenantAdmin, policy.Source)
	assert.True(t, policy.IsActive)
	assert.Equal(t, []string{"acme"}, inv.tenants)
}

func TestCreatePolicyInvalidCondition(t *testing.T) {
	svc, _, _ := newTestService("acme")
	input := validCreateInput()
	tree := &condition.Tree{Leaf: &condition.Leaf{Attribute: "a", Operator: condition.OpEquals, Value: "x"}}
	for i := 0; i < 6; i++ {
		tree = &condition.Tree{Not: tree}
	}
	input.Conditions = tree

	_, err := svc.CreatePolicy(context.Background(), "acme", input)
	var condErr *InvalidConditionError
	require.ErrorAs(t, err, &condErr)
	require.Len(t, condErr.Violations, 1)
	assert.Contains(t, condErr.Violations[0], "nesting depth")
}

func TestCreatePolicyNameConflictScopedToTenant(t *testing.T) {
	svc, _, _ := newTestService("acme", "globex")
	ctx := context.Background()

	_, err := svc.CreatePolicy(ctx, "acme", validCreateInput())
	require.NoError(t, err)
	_, err = svc.CreatePolicy(ctx, "acme", validCreateInput())
	assert.ErrorIs(t, err, ErrNameConflict)

	_, err = svc.CreatePolicy(ctx, "globex", validCreateInput())
	assert.NoError(t, err, "same name in another tenant must succeed")
}

func TestUpdatePolicyImmutableSources(t *testing.T) {
	svc, repo, _ := newTestService("acme")
	ctx := context.Background()

	for _, source := range []Source{SourceCore, SourcePlugin} {
		p := Policy{ID: uuid.New(), TenantID: "acme", Name: "sys " + string(source), Resource: "*", Effect: EffectAllow, Source: source, IsActive: true}
		repo.policies[p.ID] = p

		name := "renamed"
		_, err := svc.UpdatePolicy(ctx, "acme", p.ID, Patch{Name: &name})
		assert.ErrorIs(t, err, ErrSourceImmutable, string(source))
		assert.ErrorIs(t, svc.DeletePolicy(ctx, "acme", p.ID), ErrSourceImmutable, string(source))
	}
}

func TestUpdatePolicyAppliesPatch(t *testing.T) {
	svc, _, _ := newTestService("acme")
	ctx := context.Background()

	created, err := svc.CreatePolicy(ctx, "acme", validCreateInput())
	require.NoError(t, err)

	priority := 10
	inactive := false
	updated, err := svc.UpdatePolicy(ctx, "acme", created.ID, Patch{Priority: &priority, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.Priority)
	assert.False(t, updated.IsActive)
	assert.Equal(t, created.Name, updated.Name, "unpatched fields untouched")
}

func TestUpdatePolicyRevalidatesConditions(t *testing.T) {
	svc, _, _ := newTestService("acme")
	ctx := context.Background()

	created, err := svc.CreatePolicy(ctx, "acme", validCreateInput())
	require.NoError(t, err)

	bad := &condition.Tree{Leaf: &condition.Leaf{Attribute: "a", Operator: condition.Operator("regex"), Value: "x"}}
	_, err = svc.UpdatePolicy(ctx, "acme", created.ID, Patch{Conditions: bad})
	var condErr *InvalidConditionError
	assert.ErrorAs(t, err, &condErr)
}

func TestGetPolicyNotFound(t *testing.T) {
	svc, _, _ := newTestService("acme")
	_, err := svc.GetPolicy(context.Background(), "acme", uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterPluginPoliciesIdempotent(t *testing.T) {
	svc, repo, _ := newTestService("acme")
	ctx := context.Background()

	inputs := []PluginPolicyInput{
		{Name: "crm: deny exports", Resource: "crm_exports", Effect: EffectDeny},
		{Name: "crm: allow dashboards", Resource: "crm_dashboards", Effect: EffectAllow},
	}
	require.NoError(t, svc.RegisterPluginPolicies(ctx, "acme", "crm", inputs))
	require.Len(t, repo.policies, 2)

	// Re-registration does not raise and does not duplicate.
	require.NoError(t, svc.RegisterPluginPolicies(ctx, "acme", "crm", inputs))
	assert.Len(t, repo.policies, 2)
}

func TestRegisterPluginPoliciesValidatesEveryTree(t *testing.T) {
	svc, repo, _ := newTestService("acme")
	bad := &condition.Tree{Leaf: &condition.Leaf{Attribute: "", Operator: condition.OpEquals, Value: "x"}}
	err := svc.RegisterPluginPolicies(context.Background(), "acme", "crm", []PluginPolicyInput{
		{Name: "ok", Resource: "r", Effect: EffectAllow},
		{Name: "broken", Resource: "r", Effect: EffectAllow, Conditions: bad},
	})
	var condErr *InvalidConditionError
	require.ErrorAs(t, err, &condErr)
	assert.Empty(t, repo.policies, "nothing is written when any tree is invalid")
}

func TestRegisterPluginPoliciesEmptyInput(t *testing.T) {
	svc, repo, inv := newTestService("acme")
	require.NoError(t, svc.RegisterPluginPolicies(context.Background(), "acme", "crm", nil))
	assert.Empty(t, repo.policies)
	assert.Empty(t, inv.tenants)
}

func TestRemovePluginPolicies(t *testing.T) {
	svc, repo, _ := newTestService("acme")
	ctx := context.Background()

	require.NoError(t, svc.RegisterPluginPolicies(ctx, "acme", "crm", []PluginPolicyInput{
		{Name: "crm: deny exports", Resource: "crm_exports", Effect: EffectDeny},
	}))
	removed, err := svc.RemovePluginPolicies(ctx, "acme", "crm")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
	assert.Empty(t, repo.policies, "plugin removal retracts immutable policies")
}
