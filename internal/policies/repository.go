package policies

import (
	"context"

	"github.com/google/uuid"
)

// RepositoryPort defines data access methods for policies. Implementations
// scope every query to the tenant's data partition.
type RepositoryPort interface {
	Insert(ctx context.Context, tenantID string, policy Policy) (Policy, error)
	Update(ctx context.Context, tenantID string, policy Policy) (Policy, error)
	List(ctx context.Context, tenantID string) ([]Policy, error)
	ListActive(ctx context.Context, tenantID string) ([]Policy, error)
	Get(ctx context.Context, tenantID string, policyID uuid.UUID) (Policy, error)
	Delete(ctx context.Context, tenantID string, policyID uuid.UUID) error

	// InsertIgnoreConflicts bulk-inserts with ON CONFLICT DO NOTHING
	// semantics so plugin re-registration stays idempotent.
	InsertIgnoreConflicts(ctx context.Context, tenantID string, policies []Policy) error
	DeleteByPlugin(ctx context.Context, tenantID, pluginID string) (int64, error)
}
