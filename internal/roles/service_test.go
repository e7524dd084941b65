package roles

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	roles       map[uuid.UUID]Role
	assignments map[string]map[uuid.UUID]bool // userID -> roleIDs
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		roles:       make(map[uuid.UUID]Role),
		assignments: make(map[string]map[uuid.UUID]bool),
	}
}

func (m *mockRepo) Insert(ctx context.Context, tenantID string, role Role) (Role, error) {
	for _, existing := range m.roles {
		if existing.TenantID == tenantID && existing.Name == role.Name {
			return Role{}, ErrNameConflict
		}
	}
	role.TenantID = tenantID
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	m.roles[role.ID] = role
	return role, nil
}

func (m *mockRepo) UpdatePermissions(ctx context.Context, tenantID string, roleID uuid.UUID, permissions []string) (Role, error) {
	role, ok := m.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return Role{}, ErrNotFound
	}
	role.Permissions = permissions
	role.UpdatedAt = time.Now()
	m.roles[roleID] = role
	return role, nil
}

func (m *mockRepo) List(ctx context.Context, tenantID string) ([]Role, error) {
	var out []Role
	for _, role := range m.roles {
		if role.TenantID == tenantID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (m *mockRepo) Get(ctx context.Context, tenantID string, roleID uuid.UUID) (Role, error) {
	role, ok := m.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *mockRepo) Delete(ctx context.Context, tenantID string, roleID uuid.UUID) error {
	role, ok := m.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.roles, roleID)
	for _, byRole := range m.assignments {
		delete(byRole, roleID)
	}
	_ = role
	return nil
}

func (m *mockRepo) Assign(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error) {
	if _, ok := m.roles[roleID]; !ok {
		return false, ErrNotFound
	}
	byRole := m.assignments[userID]
	if byRole == nil {
		byRole = make(map[uuid.UUID]bool)
		m.assignments[userID] = byRole
	}
	if byRole[roleID] {
		return false, nil
	}
	byRole[roleID] = true
	return true, nil
}

func (m *mockRepo) Unassign(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error) {
	byRole := m.assignments[userID]
	if !byRole[roleID] {
		return false, nil
	}
	delete(byRole, roleID)
	return true, nil
}

func (m *mockRepo) UserRoles(ctx context.Context, tenantID, userID string) ([]Role, error) {
	var out []Role
	for roleID := range m.assignments[userID] {
		if role, ok := m.roles[roleID]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (m *mockRepo) AssignedUserIDs(ctx context.Context, tenantID string, roleID uuid.UUID) ([]string, error) {
	var out []string
	for userID, byRole := range m.assignments {
		if byRole[roleID] {
			out = append(out, userID)
		}
	}
	return out, nil
}

func (m *mockRepo) RecentlyAssignedUserIDs(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error) {
	var out []string
	for userID, byRole := range m.assignments {
		if len(byRole) > 0 {
			out = append(out, userID)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type recordingInvalidator struct {
	users []string
}

func (r *recordingInvalidator) InvalidateUsers(ctx context.Context, tenantID string, userIDs ...string) {
	r.users = append(r.users, userIDs...)
}

func TestCreateRoleValidation(t *testing.T) {
	svc := NewService(newMockRepo(), nil)
	ctx := context.Background()

	cases := map[string]struct {
		name        string
		description string
		permissions []string
	}{
		"empty name":       {"", "", nil},
		"long name":        {strings.Repeat("a", 101), "", nil},
		"bad characters":   {"admins!", "", nil},
		"long description": {"Admins", strings.Repeat("d", 501), nil},
		"malformed perm":   {"Admins", "", []string{"not a permission"}},
		"uppercase perm":   {"Admins", "", []string{"Invoices.Read"}},
	}
	for name, tc := range cases {
		_, err := svc.CreateRole(ctx, "acme", tc.name, tc.description, tc.permissions)
		assert.ErrorIs(t, err, ErrValidation, name)
	}

	tooMany := make([]string, 201)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("res%d.read", i)
	}
	_, err := svc.CreateRole(ctx, "acme", "Admins", "", tooMany)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateRoleDeduplicatesPermissions(t *testing.T) {
	svc := NewService(newMockRepo(), nil)
	role, err := svc.CreateRole(context.Background(), "acme", "Admins", "", []string{"invoices.read", "invoices.read", "invoices.write"})
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices.read", "invoices.write"}, role.Permissions)
}

func TestCreateRoleNameConflict(t *testing.T) {
	svc := NewService(newMockRepo(), nil)
	ctx := context.Background()
	_, err := svc.CreateRole(ctx, "acme", "Admins", "", nil)
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "acme", "Admins", "", nil)
	assert.ErrorIs(t, err, ErrNameConflict)

	// Same name in a different tenant is fine.
	_, err = svc.CreateRole(ctx, "globex", "Admins", "", nil)
	assert.NoError(t, err)
}

func TestAssignRoleIdempotent(t *testing.T) {
	repo := newMockRepo()
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "acme", "Admins", "", []string{"invoices.read"})
	require.NoError(t, err)

	inserted, err := svc.AssignRole(ctx, "acme", "u1", role.ID)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, []string{"u1"}, inv.users)

	// Second assignment is a no-op, not an error, and does not re-invalidate.
	inserted, err = svc.AssignRole(ctx, "acme", "u1", role.ID)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, []string{"u1"}, inv.users)
}

func TestUpdatePermissionsInvalidatesMembers(t *testing.T) {
	repo := newMockRepo()
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "acme", "Admins", "", []string{"invoices.read"})
	require.NoError(t, err)
	other, err := svc.CreateRole(ctx, "acme", "Viewers", "", nil)
	require.NoError(t, err)

	_, _ = svc.AssignRole(ctx, "acme", "u1", role.ID)
	_, _ = svc.AssignRole(ctx, "acme", "u2", role.ID)
	_, _ = svc.AssignRole(ctx, "acme", "u3", other.ID)
	inv.users = nil

	_, err = svc.UpdateRolePermissions(ctx, "acme", role.ID, []string{"invoices.write"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, inv.users, "only members of the changed role are flushed")
}

func TestDeleteRoleCascadesAndInvalidates(t *testing.T) {
	repo := newMockRepo()
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "acme", "Admins", "", nil)
	require.NoError(t, err)
	_, _ = svc.AssignRole(ctx, "acme", "u1", role.ID)
	inv.users = nil

	require.NoError(t, err)
	require.NoError(t, svc.DeleteRole(ctx, "acme", role.ID))
	assert.Equal(t, []string{"u1"}, inv.users)

	got, err := svc.GetUserRoles(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, svc.DeleteRole(ctx, "acme", role.ID), ErrNotFound)
}

func TestRemoveRoleInvalidatesOnlyWhenRemoved(t *testing.T) {
	repo := newMockRepo()
	inv := &recordingInvalidator{}
	svc := NewService(repo, inv)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "acme", "Admins", "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveRole(ctx, "acme", "u1", role.ID))
	assert.Empty(t, inv.users, "removing an absent assignment must not invalidate")

	_, _ = svc.AssignRole(ctx, "acme", "u1", role.ID)
	inv.users = nil
	require.NoError(t, svc.RemoveRole(ctx, "acme", "u1", role.ID))
	assert.Equal(t, []string{"u1"}, inv.users)
}
