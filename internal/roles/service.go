package roles

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500
	maxPermissions    = 200
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_ -]+$`)
	// Permission strings take the form "resource.action".
	permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z*][a-z0-9_*]*$`)
)

// CacheInvalidator flushes cached effective-permission entries for the given
// users. Implementations are best-effort and must never fail the mutation.
type CacheInvalidator interface {
	InvalidateUsers(ctx context.Context, tenantID string, userIDs ...string)
}

// Service handles role business logic and keeps the permission cache in sync
// with role mutations.
type Service struct {
	repo        RepositoryPort
	invalidator CacheInvalidator
}

// NewService builds a Service instance. The invalidator may be nil in
// contexts without a cache (migrations, seeding).
func NewService(repo RepositoryPort, invalidator CacheInvalidator) *Service {
	return &Service{repo: repo, invalidator: invalidator}
}

// CreateRole validates and persists a new role.
func (s *Service) CreateRole(ctx context.Context, tenantID, name, description string, permissions []string) (Role, error) {
	name = strings.TrimSpace(name)
	if err := validateRole(name, description, permissions); err != nil {
		return Role{}, err
	}
	return s.repo.Insert(ctx, tenantID, Role{
		ID:          uuid.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: normalizePermissions(permissions),
	})
}

// UpdateRolePermissions replaces a role's permission list and invalidates the
// cached permissions of every user holding the role.
func (s *Service) UpdateRolePermissions(ctx context.Context, tenantID string, roleID uuid.UUID, permissions []string) (Role, error) {
	if err := validatePermissions(permissions); err != nil {
		return Role{}, err
	}
	role, err := s.repo.UpdatePermissions(ctx, tenantID, roleID, normalizePermissions(permissions))
	if err != nil {
		return Role{}, err
	}
	s.invalidateRoleMembers(ctx, tenantID, roleID)
	return role, nil
}

// ListRoles returns all roles in the tenant.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	return s.repo.List(ctx, tenantID)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, tenantID string, roleID uuid.UUID) (Role, error) {
	return s.repo.Get(ctx, tenantID, roleID)
}

// DeleteRole removes a role and its assignments, invalidating the affected
// users. The member list is captured before the delete since the cascade
// erases it.
func (s *Service) DeleteRole(ctx context.Context, tenantID string, roleID uuid.UUID) error {
	userIDs, err := s.repo.AssignedUserIDs(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tenantID, roleID); err != nil {
		return err
	}
	s.invalidateUsers(ctx, tenantID, userIDs)
	return nil
}

// AssignRole links a role to a user. Assigning an already-assigned role is a
// no-op at this layer; the returned flag lets the HTTP layer surface a
// conflict if it chooses to.
func (s *Service) AssignRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error) {
	inserted, err := s.repo.Assign(ctx, tenantID, userID, roleID)
	if err != nil {
		return false, err
	}
	if inserted {
		s.invalidateUsers(ctx, tenantID, []string{userID})
	}
	return inserted, nil
}

// RemoveRole removes a user's role assignment.
func (s *Service) RemoveRole(ctx context.Context, tenantID, userID string, roleID uuid.UUID) error {
	removed, err := s.repo.Unassign(ctx, tenantID, userID, roleID)
	if err != nil {
		return err
	}
	if removed {
		s.invalidateUsers(ctx, tenantID, []string{userID})
	}
	return nil
}

// GetUserRoles returns the roles assigned to a user.
func (s *Service) GetUserRoles(ctx context.Context, tenantID, userID string) ([]Role, error) {
	return s.repo.UserRoles(ctx, tenantID, userID)
}

// RecentlyAssignedUsers returns users whose assignments changed since the
// given time, capped at limit.
func (s *Service) RecentlyAssignedUsers(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error) {
	return s.repo.RecentlyAssignedUserIDs(ctx, tenantID, since, limit)
}

func (s *Service) invalidateRoleMembers(ctx context.Context, tenantID string, roleID uuid.UUID) {
	userIDs, err := s.repo.AssignedUserIDs(ctx, tenantID, roleID)
	if err != nil {
		// The cache self-heals within one TTL window; the mutation itself
		// already succeeded.
		return
	}
	s.invalidateUsers(ctx, tenantID, userIDs)
}

func (s *Service) invalidateUsers(ctx context.Context, tenantID string, userIDs []string) {
	if s.invalidator == nil || len(userIDs) == 0 {
		return
	}
	s.invalidator.InvalidateUsers(ctx, tenantID, userIDs...)
}

func validateRole(name, description string, permissions []string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrValidation, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name contains unsupported characters", ErrValidation)
	}
	if len(description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLen)
	}
	return validatePermissions(permissions)
}

func validatePermissions(permissions []string) error {
	if len(permissions) > maxPermissions {
		return fmt.Errorf("%w: at most %d permissions per role", ErrValidation, maxPermissions)
	}
	for _, p := range permissions {
		if !permissionPattern.MatchString(p) {
			return fmt.Errorf("%w: malformed permission %q", ErrValidation, p)
		}
	}
	return nil
}

func normalizePermissions(permissions []string) []string {
	seen := make(map[string]struct{}, len(permissions))
	out := make([]string, 0, len(permissions))
	for _, p := range permissions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
