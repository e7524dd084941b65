// Package roles manages tenant-scoped roles, their permission grants and
// user assignments — the RBAC half of the authorization engine.
package roles

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role groups permission strings under a tenant-unique name.
type Role struct {
	ID          uuid.UUID
	TenantID    string
	Name        string
	Description string
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assignment links a user to a role within a tenant.
type Assignment struct {
	UserID     string
	RoleID     uuid.UUID
	TenantID   string
	AssignedAt time.Time
}

var (
	// ErrNotFound indicates the role does not exist in this tenant.
	ErrNotFound = errors.New("roles: role not found")
	// ErrNameConflict indicates another role in the tenant already uses the name.
	ErrNameConflict = errors.New("roles: role name already exists")
	// ErrValidation indicates a malformed role payload.
	ErrValidation = errors.New("roles: validation failed")
)
