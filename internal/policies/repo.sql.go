package policies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-saas/atlas/internal/condition"
	"github.com/atlas-saas/atlas/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence. Schema names are
// validated by db.TenantSchema before interpolation.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const policyColumns = "id, name, resource, effect, conditions, priority, source, plugin_id, is_active, created_at, updated_at"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Insert persists a new policy.
func (r *Repository) Insert(ctx context.Context, tenantID string, policy Policy) (Policy, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return Policy{}, err
	}
	raw, err := marshalConditions(policy.Conditions)
	if err != nil {
		return Policy{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s.policies (id, name, resource, effect, conditions, priority, source, plugin_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING created_at, updated_at`, schema)
	err = r.pool.QueryRow(ctx, query,
		policy.ID, policy.Name, policy.Resource, string(policy.Effect), raw,
		policy.Priority, string(policy.Source), nullable(policy.PluginID), policy.IsActive,
	).Scan(&policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Policy{}, ErrNameConflict
		}
		return Policy{}, err
	}
	policy.TenantID = tenantID
	return policy, nil
}

// Update rewrites a policy's mutable fields.
func (r *Repository) Update(ctx context.Context, tenantID string, policy Policy) (Policy, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return Policy{}, err
	}
	raw, err := marshalConditions(policy.Conditions)
	if err != nil {
		return Policy{}, err
	}
	query := fmt.Sprintf(`
		UPDATE %s.policies
		SET name = $2, resource = $3, effect = $4, conditions = $5, priority = $6, is_active = $7, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`, schema)
	err = r.pool.QueryRow(ctx, query,
		policy.ID, policy.Name, policy.Resource, string(policy.Effect), raw, policy.Priority, policy.IsActive,
	).Scan(&policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return Policy{}, ErrNameConflict
		}
		return Policy{}, err
	}
	policy.TenantID = tenantID
	return policy, nil
}

// List returns all policies in the tenant, highest priority first.
func (r *Repository) List(ctx context.Context, tenantID string) ([]Policy, error) {
	return r.list(ctx, tenantID, "")
}

// ListActive returns only active policies, in evaluation order.
func (r *Repository) ListActive(ctx context.Context, tenantID string) ([]Policy, error) {
	return r.list(ctx, tenantID, "WHERE is_active")
}

func (r *Repository) list(ctx context.Context, tenantID, where string) ([]Policy, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s.policies %s
		ORDER BY priority DESC, created_at DESC`, policyColumns, schema, where)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policy.TenantID = tenantID
		result = append(result, policy)
	}
	return result, rows.Err()
}

// Get fetches a policy by ID.
func (r *Repository) Get(ctx context.Context, tenantID string, policyID uuid.UUID) (Policy, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return Policy{}, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s.policies WHERE id = $1`, policyColumns, schema)
	policy, err := scanPolicy(r.pool.QueryRow(ctx, query, policyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, ErrNotFound
		}
		return Policy{}, err
	}
	policy.TenantID = tenantID
	return policy, nil
}

// Delete removes a policy.
func (r *Repository) Delete(ctx context.Context, tenantID string, policyID uuid.UUID) error {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.policies WHERE id = $1`, schema), policyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertIgnoreConflicts bulk-inserts policies inside one transaction,
// skipping rows that collide on the tenant-unique name.
func (r *Repository) InsertIgnoreConflicts(ctx context.Context, tenantID string, list []Policy) error {
	if len(list) == 0 {
		return nil
	}
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s.policies (id, name, resource, effect, conditions, priority, source, plugin_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		ON CONFLICT DO NOTHING`, schema)
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, policy := range list {
			raw, err := marshalConditions(policy.Conditions)
			if err != nil {
				return err
			}
			batch.Queue(query,
				policy.ID, policy.Name, policy.Resource, string(policy.Effect), raw,
				policy.Priority, string(policy.Source), nullable(policy.PluginID), policy.IsActive)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// DeleteByPlugin removes every policy registered by the plugin.
func (r *Repository) DeleteByPlugin(ctx context.Context, tenantID, pluginID string) (int64, error) {
	schema, err := db.TenantSchema(tenantID)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s.policies WHERE source = $1 AND plugin_id = $2`, schema)
	tag, err := r.pool.Exec(ctx, query, string(SourcePlugin), pluginID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPolicy(row pgx.Row) (Policy, error) {
	var (
		policy   Policy
		effect   string
		source   string
		raw      []byte
		pluginID *string
	)
	err := row.Scan(&policy.ID, &policy.Name, &policy.Resource, &effect, &raw,
		&policy.Priority, &source, &pluginID, &policy.IsActive, &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return Policy{}, err
	}
	policy.Effect = Effect(effect)
	policy.Source = Source(source)
	if pluginID != nil {
		policy.PluginID = *pluginID
	}
	tree, err := condition.Parse(raw)
	if err != nil {
		return Policy{}, err
	}
	policy.Conditions = tree
	return policy, nil
}

func marshalConditions(tree *condition.Tree) ([]byte, error) {
	if tree == nil {
		return nil, nil
	}
	return json.Marshal(tree)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
