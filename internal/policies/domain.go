// Package policies manages tenant-scoped ABAC policies and their evaluation —
// the attribute-based half of the authorization engine. The whole layer is
// gated behind the tenant's abac_enabled feature flag.
package policies

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-saas/atlas/internal/condition"
)

// Effect is the outcome a matching policy produces.
type Effect string

const (
	EffectAllow  Effect = "ALLOW"
	EffectDeny   Effect = "DENY"
	EffectFilter Effect = "FILTER"
)

func knownEffect(e Effect) bool {
	switch e {
	case EffectAllow, EffectDeny, EffectFilter:
		return true
	}
	return false
}

// Source records policy provenance and controls who may mutate it.
type Source string

const (
	SourceCore        Source = "core"
	SourceTenantAdmin Source = "tenant_admin"
	SourcePlugin      Source = "plugin"
)

// Policy is an attribute-based access rule scoped to a tenant.
type Policy struct {
	ID         uuid.UUID
	TenantID   string
	Name       string
	Resource   string
	Effect     Effect
	Conditions *condition.Tree
	Priority   int
	Source     Source
	PluginID   string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Mutable reports whether the tenant-facing API may change this policy.
// Core- and plugin-sourced policies are immutable; only a plugin's own
// lifecycle or a system migration may alter them.
func (p Policy) Mutable() bool {
	return p.Source == SourceTenantAdmin
}

// ListResult is the listing envelope: the data plus feature metadata so
// callers can distinguish "no policies" from "feature off".
type ListResult struct {
	Data []Policy
	Meta ListMeta
}

// ListMeta carries listing metadata.
type ListMeta struct {
	FeatureEnabled bool
	Total          int
}

var (
	// ErrNotFound indicates the policy does not exist in this tenant.
	ErrNotFound = errors.New("policies: policy not found")
	// ErrNameConflict indicates another policy in the tenant already uses the name.
	ErrNameConflict = errors.New("policies: policy name already exists")
	// ErrSourceImmutable indicates an attempted mutation of a core- or
	// plugin-sourced policy through the tenant-facing API.
	ErrSourceImmutable = errors.New("policies: policy source is immutable")
	// ErrFeatureDisabled indicates an ABAC operation on a tenant whose
	// feature flag is off.
	ErrFeatureDisabled = errors.New("policies: abac feature not enabled for tenant")
	// ErrValidation indicates a malformed policy payload.
	ErrValidation = errors.New("policies: validation failed")
)

// InvalidConditionError carries every rule a condition tree violated.
type InvalidConditionError struct {
	Violations []string
}

func (e *InvalidConditionError) Error() string {
	return fmt.Sprintf("policies: invalid condition tree: %s", strings.Join(e.Violations, "; "))
}
