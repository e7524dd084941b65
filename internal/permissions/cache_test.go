package permissions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-saas/atlas/internal/policies"
	"github.com/atlas-saas/atlas/internal/roles"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, rs *stubRoles, active ...policies.Policy) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	resolver := NewResolver(rs, &stubPolicies{active: active}, &stubFeatures{abac: len(active) > 0})
	cache := NewCache(NewRedisBackend(client), resolver, discardLogger(), nil, 0)
	return cache, mr
}

func TestCacheServesSecondReadWithoutResolving(t *testing.T) {
	rs := &stubRoles{byUser: map[string][]roles.Role{"u1": {role("viewer", "invoices.read")}}}
	cache, _ := newTestCache(t, rs)
	ctx := context.Background()

	first, err := cache.GetUserEffectivePermissions(ctx, "acme", "u1")
	require.NoError(t, err)
	second, err := cache.GetUserEffectivePermissions(ctx, "acme", "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, rs.calls, "second read must come from the cache")
}

func TestCacheTTLWithinJitterBand(t *testing.T) {
	rs := &stubRoles{byUser: map[string][]roles.Role{"u1": {role("viewer", "invoices.read")}}}
	cache, mr := newTestCache(t, rs)

	_, err := cache.GetUserEffectivePermissions(context.Background(), "acme", "u1")
	require.NoError(t, err)

	ttl := mr.TTL(cacheKey("acme", "u1"))
	assert.GreaterOrEqual(t, ttl, 260*time.Second)
	assert.LessOrEqual(t, ttl, 330*time.Second)
}

func TestInvalidateUsersIsPrecise(t *testing.T) {
	rs := &stubRoles{byUser: map[string][]roles.Role{
		"u1": {role("viewer", "invoices.read")},
		"u2": {role("viewer", "invoices.read")},
	}}
	cache, mr := newTestCache(t, rs)
	ctx := context.Background()

	_, err := cache.GetUserEffectivePermissions(ctx, "acme", "u1")
	require.NoError(t, err)
	_, err = cache.GetUserEffectivePermissions(ctx, "acme", "u2")
	require.NoError(t, err)

	cache.InvalidateUsers(ctx, "acme", "u1")

	assert.False(t, mr.Exists(cacheKey("acme", "u1")))
	assert.True(t, mr.Exists(cacheKey("acme", "u2")), "unrelated user untouched")
	ttl := mr.TTL(cacheKey("acme", "u2"))
	assert.GreaterOrEqual(t, ttl, 260*time.Second, "surviving entry keeps its TTL")
}

func TestInvalidateTenantSweepsOnlyThatTenant(t *testing.T) {
	rs := &stubRoles{byUser: map[string][]roles.Role{
		"u1": {role("viewer", "invoices.read")},
		"u2": {role("viewer", "invoices.read")},
	}}
	cache, mr := newTestCache(t, rs)
	ctx := context.Background()

	for _, pair := range [][2]string{{"acme", "u1"}, {"acme", "u2"}, {"globex", "u1"}} {
		_, err := cache.GetUserEffectivePermissions(ctx, pair[0], pair[1])
		require.NoError(t, err)
	}

	cache.InvalidateTenant(ctx, "acme")

	assert.False(t, mr.Exists(cacheKey("acme", "u1")))
	assert.False(t, mr.Exists(cacheKey("acme", "u2")))
	assert.True(t, mr.Exists(cacheKey("globex", "u1")))
}

func TestCacheCorruptEntryResolvesFresh(t *testing.T) {
	rs := &stubRoles{byUser: map[string][]roles.Role{"u1": {role("viewer", "invoices.read")}}}
	cache, mr := newTestCache(t, rs)

	require.NoError(t, mr.Set(cacheKey("acme", "u1"), "{not json"))

	set, err := cache.GetUserEffectivePermissions(context.Background(), "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices.read"}, set.Permissions)
	assert.Equal(t, 1, rs.calls)
}

// failingBackend errors on every operation, standing in for a Redis outage.
type failingBackend struct{}

func (failingBackend) Get(ctx context.Context, key string) (string, error) {
	return "", errors.New("connection refused")
}

func (failingBackend) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("connection refused")
}

func (failingBackend) Delete(ctx context.Context, keys ...string) error {
	return errors.New("connection refused")
}

func (failingBackend) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestCacheDegradesWhenBackendDown(t *testing.T) {
	rs := &stubRoles{byUser: map[string][]roles.Role{"u1": {role("viewer", "invoices.read")}}}
	resolver := NewResolver(rs, &stubPolicies{}, &stubFeatures{})
	cache := NewCache(failingBackend{}, resolver, discardLogger(), nil, 0)
	ctx := context.Background()

	set, err := cache.GetUserEffectivePermissions(ctx, "acme", "u1")
	require.NoError(t, err, "backend failure must not fail the read")
	assert.Equal(t, []string{"invoices.read"}, set.Permissions)

	// Invalidation is best-effort under the same outage.
	cache.InvalidateUsers(ctx, "acme", "u1")
	cache.InvalidateTenant(ctx, "acme")
}

func TestCacheDenyOverridesRoleGrantEndToEnd(t *testing.T) {
	rs := &stubRoles{byUser: map[string][]roles.Role{"u1": {role("viewer", "invoices.read", "reports.read")}}}
	deny := activePolicy("deny invoices", "invoices", policies.EffectDeny, nil)
	cache, _ := newTestCache(t, rs, deny)

	set, err := cache.GetUserEffectivePermissions(context.Background(), "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"reports.read"}, set.Permissions)

	// The overlaid result is what got cached, not the raw RBAC union.
	again, err := cache.GetUserEffectivePermissions(context.Background(), "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, set.Permissions, again.Permissions)
	assert.Equal(t, 1, rs.calls)
}
