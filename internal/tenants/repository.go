package tenants

import (
	"context"
	"errors"
)

// ErrNotFound indicates the tenant does not exist.
var ErrNotFound = errors.New("tenants: not found")

// RepositoryPort defines data access for tenant settings.
type RepositoryPort interface {
	Settings(ctx context.Context, tenantID string) (map[string]any, error)
	ListIDs(ctx context.Context) ([]string, error)
}
