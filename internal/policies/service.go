package policies

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/atlas-saas/atlas/internal/condition"
	"github.com/atlas-saas/atlas/internal/tenants"
)

const (
	maxNameLen     = 200
	maxResourceLen = 200
)

// FeatureResolver reports the tenant's feature flags.
type FeatureResolver interface {
	Features(ctx context.Context, tenantID string) (tenants.Features, error)
}

// TenantInvalidator flushes every cached permission entry in a tenant. Any
// user's evaluation could be affected by a policy change, so invalidation is
// conservative at tenant scope. Best-effort; must never fail the mutation.
type TenantInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string)
}

// Service orchestrates policy CRUD with feature gating, immutability
// enforcement and condition validation.
type Service struct {
	repo        RepositoryPort
	features    FeatureResolver
	invalidator TenantInvalidator
}

// NewService builds a Service instance. The invalidator may be nil in
// contexts without a cache.
func NewService(repo RepositoryPort, features FeatureResolver, invalidator TenantInvalidator) *Service {
	return &Service{repo: repo, features: features, invalidator: invalidator}
}

// CreateInput carries the fields for a new tenant-admin policy.
type CreateInput struct {
	Name       string
	Resource   string
	Effect     Effect
	Conditions *condition.Tree
	Priority   int
	IsActive   *bool
}

// Patch carries a partial policy update; nil fields are left unchanged.
type Patch struct {
	Name       *string
	Resource   *string
	Effect     *Effect
	Conditions *condition.Tree
	Priority   *int
	IsActive   *bool
}

// ListPolicies returns the tenant's policies. With ABAC disabled it returns
// an empty result set flagged featureEnabled=false rather than an error.
func (s *Service) ListPolicies(ctx context.Context, tenantID string) (ListResult, error) {
	enabled, err := s.abacEnabled(ctx, tenantID)
	if err != nil {
		return ListResult{}, err
	}
	if !enabled {
		return ListResult{Data: []Policy{}, Meta: ListMeta{FeatureEnabled: false, Total: 0}}, nil
	}
	list, err := s.repo.List(ctx, tenantID)
	if err != nil {
		return ListResult{}, err
	}
	if list == nil {
		list = []Policy{}
	}
	return ListResult{Data: list, Meta: ListMeta{FeatureEnabled: true, Total: len(list)}}, nil
}

// GetPolicy fetches a single policy.
func (s *Service) GetPolicy(ctx context.Context, tenantID string, policyID uuid.UUID) (Policy, error) {
	if err := s.requireABAC(ctx, tenantID); err != nil {
		return Policy{}, err
	}
	return s.repo.Get(ctx, tenantID, policyID)
}

// CreatePolicy validates and persists a tenant-admin policy.
func (s *Service) CreatePolicy(ctx context.Context, tenantID string, input CreateInput) (Policy, error) {
	if err := s.requireABAC(ctx, tenantID); err != nil {
		return Policy{}, err
	}
	name := strings.TrimSpace(input.Name)
	resource := strings.TrimSpace(input.Resource)
	if err := validatePolicyFields(name, resource, input.Effect, input.Priority); err != nil {
		return Policy{}, err
	}
	if err := validateConditions(input.Conditions); err != nil {
		return Policy{}, err
	}
	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}
	policy, err := s.repo.Insert(ctx, tenantID, Policy{
		ID:         uuid.New(),
		Name:       name,
		Resource:   resource,
		Effect:     input.Effect,
		Conditions: input.Conditions,
		Priority:   input.Priority,
		Source:     SourceTenantAdmin,
		IsActive:   active,
	})
	if err != nil {
		return Policy{}, err
	}
	s.invalidateTenant(ctx, tenantID)
	return policy, nil
}

// UpdatePolicy applies a partial update. Immutability is checked before any
// field change; nothing is ever partially applied.
func (s *Service) UpdatePolicy(ctx context.Context, tenantID string, policyID uuid.UUID, patch Patch) (Policy, error) {
	if err := s.requireABAC(ctx, tenantID); err != nil {
		return Policy{}, err
	}
	existing, err := s.repo.Get(ctx, tenantID, policyID)
	if err != nil {
		return Policy{}, err
	}
	if !existing.Mutable() {
		return Policy{}, ErrSourceImmutable
	}

	updated := existing
	if patch.Name != nil {
		updated.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Resource != nil {
		updated.Resource = strings.TrimSpace(*patch.Resource)
	}
	if patch.Effect != nil {
		updated.Effect = *patch.Effect
	}
	if patch.Conditions != nil {
		if err := validateConditions(patch.Conditions); err != nil {
			return Policy{}, err
		}
		updated.Conditions = patch.Conditions
	}
	if patch.Priority != nil {
		updated.Priority = *patch.Priority
	}
	if patch.IsActive != nil {
		updated.IsActive = *patch.IsActive
	}
	if err := validatePolicyFields(updated.Name, updated.Resource, updated.Effect, updated.Priority); err != nil {
		return Policy{}, err
	}

	policy, err := s.repo.Update(ctx, tenantID, updated)
	if err != nil {
		return Policy{}, err
	}
	s.invalidateTenant(ctx, tenantID)
	return policy, nil
}

// DeletePolicy removes a tenant-admin policy.
func (s *Service) DeletePolicy(ctx context.Context, tenantID string, policyID uuid.UUID) error {
	if err := s.requireABAC(ctx, tenantID); err != nil {
		return err
	}
	existing, err := s.repo.Get(ctx, tenantID, policyID)
	if err != nil {
		return err
	}
	if !existing.Mutable() {
		return ErrSourceImmutable
	}
	if err := s.repo.Delete(ctx, tenantID, policyID); err != nil {
		return err
	}
	s.invalidateTenant(ctx, tenantID)
	return nil
}

// PluginPolicyInput is one policy contributed by a plugin.
type PluginPolicyInput struct {
	Name       string
	Resource   string
	Effect     Effect
	Conditions *condition.Tree
	Priority   int
}

// RegisterPluginPolicies bulk-registers a plugin's policies. Every condition
// tree is validated before anything is written; re-registration is
// idempotent. Plugin lifecycle paths are not feature-gated: the policies
// simply stay dormant until the tenant enables ABAC.
func (s *Service) RegisterPluginPolicies(ctx context.Context, tenantID, pluginID string, inputs []PluginPolicyInput) error {
	if len(inputs) == 0 {
		return nil
	}
	if strings.TrimSpace(pluginID) == "" {
		return fmt.Errorf("%w: plugin id required", ErrValidation)
	}
	list := make([]Policy, 0, len(inputs))
	for _, in := range inputs {
		name := strings.TrimSpace(in.Name)
		resource := strings.TrimSpace(in.Resource)
		if err := validatePolicyFields(name, resource, in.Effect, in.Priority); err != nil {
			return err
		}
		if err := validateConditions(in.Conditions); err != nil {
			return err
		}
		list = append(list, Policy{
			ID:         uuid.New(),
			Name:       name,
			Resource:   resource,
			Effect:     in.Effect,
			Conditions: in.Conditions,
			Priority:   in.Priority,
			Source:     SourcePlugin,
			PluginID:   pluginID,
			IsActive:   true,
		})
	}
	if err := s.repo.InsertIgnoreConflicts(ctx, tenantID, list); err != nil {
		return err
	}
	s.invalidateTenant(ctx, tenantID)
	return nil
}

// RemovePluginPolicies retracts every policy the plugin registered. This is
// the one legitimate path to delete plugin-sourced policies, so the
// immutability rule does not apply here.
func (s *Service) RemovePluginPolicies(ctx context.Context, tenantID, pluginID string) (int64, error) {
	removed, err := s.repo.DeleteByPlugin(ctx, tenantID, pluginID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.invalidateTenant(ctx, tenantID)
	}
	return removed, nil
}

func (s *Service) abacEnabled(ctx context.Context, tenantID string) (bool, error) {
	f, err := s.features.Features(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return f.ABACEnabled, nil
}

func (s *Service) requireABAC(ctx context.Context, tenantID string) error {
	enabled, err := s.abacEnabled(ctx, tenantID)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrFeatureDisabled
	}
	return nil
}

func (s *Service) invalidateTenant(ctx context.Context, tenantID string) {
	if s.invalidator != nil {
		s.invalidator.InvalidateTenant(ctx, tenantID)
	}
}

func validatePolicyFields(name, resource string, effect Effect, priority int) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrValidation, maxNameLen)
	}
	if resource == "" || len(resource) > maxResourceLen {
		return fmt.Errorf("%w: resource must be 1-%d characters", ErrValidation, maxResourceLen)
	}
	if !knownEffect(effect) {
		return fmt.Errorf("%w: unknown effect %q", ErrValidation, effect)
	}
	if priority < 0 {
		return fmt.Errorf("%w: priority must be non-negative", ErrValidation)
	}
	return nil
}

func validateConditions(tree *condition.Tree) error {
	if res := condition.Validate(tree); !res.Valid {
		return &InvalidConditionError{Violations: res.Errors}
	}
	return nil
}
