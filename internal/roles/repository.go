package roles

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RepositoryPort defines data access methods for roles and assignments.
// Implementations scope every query to the tenant's data partition.
type RepositoryPort interface {
	Insert(ctx context.Context, tenantID string, role Role) (Role, error)
	UpdatePermissions(ctx context.Context, tenantID string, roleID uuid.UUID, permissions []string) (Role, error)
	List(ctx context.Context, tenantID string) ([]Role, error)
	Get(ctx context.Context, tenantID string, roleID uuid.UUID) (Role, error)
	Delete(ctx context.Context, tenantID string, roleID uuid.UUID) error

	// Assign is idempotent: assigning an already-assigned role reports
	// inserted=false without an error.
	Assign(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (inserted bool, err error)
	Unassign(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (removed bool, err error)
	UserRoles(ctx context.Context, tenantID, userID string) ([]Role, error)
	AssignedUserIDs(ctx context.Context, tenantID string, roleID uuid.UUID) ([]string, error)
	RecentlyAssignedUserIDs(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error)
}
