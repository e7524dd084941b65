package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-saas/atlas/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence. All queries run against
// the tenant's schema; the schema name is validated by db.TenantSchema before
// it is ever interpolated, so dynamic identifiers never reach the database
// unchecked.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Insert persists a new role.
func (r *Repository) Insert(ctx context.Context, tenantID string, role Role) (Role, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return Role{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s.roles (id, name, description, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING created_at, updated_at`, schema)
	role.TenantID = tenantID
	err = r.pool.QueryRow(ctx, query, role.ID, role.Name, role.Description, role.Permissions).
		Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrNameConflict
		}
		return Role{}, err
	}
	return role, nil
}

// UpdatePermissions replaces the role's permission list.
func (r *Repository) UpdatePermissions(ctx context.Context, tenantID string, roleID uuid.UUID, permissions []string) (Role, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return Role{}, err
	}
	query := fmt.Sprintf(`
		UPDATE %s.roles SET permissions = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, name, description, permissions, created_at, updated_at`, schema)
	role, err := scanRole(r.pool.QueryRow(ctx, query, roleID, permissions))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	role.TenantID = tenantID
	return role, nil
}

// List returns all roles in the tenant ordered by name.
func (r *Repository) List(ctx context.Context, tenantID string) ([]Role, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, name, description, permissions, created_at, updated_at
		FROM %s.roles ORDER BY name`, schema)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		role.TenantID = tenantID
		result = append(result, role)
	}
	return result, rows.Err()
}

// Get fetches a role by ID.
func (r *Repository) Get(ctx context.Context, tenantID string, roleID uuid.UUID) (Role, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return Role{}, err
	}
	query := fmt.Sprintf(`
		SELECT id, name, description, permissions, created_at, updated_at
		FROM %s.roles WHERE id = $1`, schema)
	role, err := scanRole(r.pool.QueryRow(ctx, query, roleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	role.TenantID = tenantID
	return role, nil
}

// Delete removes a role. Assignments cascade via the user_roles foreign key.
func (r *Repository) Delete(ctx context.Context, tenantID string, roleID uuid.UUID) error {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.roles WHERE id = $1`, schema), roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Assign links the user to the role, reporting whether a new row was written.
func (r *Repository) Assign(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return false, err
	}
	// Verify the role exists so a dangling id surfaces as not-found instead
	// of a silent no-op from the conflict clause.
	if _, err := r.Get(ctx, tenantID, roleID); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s.user_roles (user_id, role_id, assigned_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id, role_id) DO NOTHING`, schema)
	tag, err := r.pool.Exec(ctx, query, userID, roleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Unassign removes the user's role assignment.
func (r *Repository) Unassign(ctx context.Context, tenantID, userID string, roleID uuid.UUID) (bool, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`DELETE FROM %s.user_roles WHERE user_id = $1 AND role_id = $2`, schema)
	tag, err := r.pool.Exec(ctx, query, userID, roleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UserRoles returns the roles assigned to a user.
func (r *Repository) UserRoles(ctx context.Context, tenantID, userID string) ([]Role, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT r.id, r.name, r.description, r.permissions, r.created_at, r.updated_at
		FROM %s.roles r
		JOIN %s.user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name`, schema, schema)
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		role.TenantID = tenantID
		result = append(result, role)
	}
	return result, rows.Err()
}

// AssignedUserIDs returns every user currently holding the role.
func (r *Repository) AssignedUserIDs(ctx context.Context, tenantID string, roleID uuid.UUID) ([]string, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT user_id FROM %s.user_roles WHERE role_id = $1`, schema)
	rows, err := r.pool.Query(ctx, query, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// RecentlyAssignedUserIDs returns users whose role assignments changed since
// the given time, newest first. Used by the cache warmup job.
func (r *Repository) RecentlyAssignedUserIDs(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT user_id FROM %s.user_roles
		WHERE assigned_at >= $1
		GROUP BY user_id
		ORDER BY max(assigned_at) DESC
		LIMIT $2`, schema)
	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Permissions, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}
