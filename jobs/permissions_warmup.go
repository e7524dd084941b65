package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/atlas-saas/atlas/internal/jobs"
	"github.com/atlas-saas/atlas/internal/permissions"
)

const (
	// warmupWindow bounds how far back an assignment counts as recent.
	warmupWindow = 24 * time.Hour
	// warmupUserCap bounds the work done per tenant in one run.
	warmupUserCap = 500

	tenantWarmupTimeout = 30 * time.Second
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RecentUserSource lists users whose assignments changed recently.
type RecentUserSource interface {
	RecentlyAssignedUsers(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error)
}

// TenantSource lists the tenants to warm when no tenant is named.
type TenantSource interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// PermissionWarmer resolves and stores one user's effective permissions.
type PermissionWarmer interface {
	GetUserEffectivePermissions(ctx context.Context, tenantID, userID string) (permissions.EffectiveSet, error)
}

// PermissionsWarmupJob pre-populates the permission cache so the first
// request after an assignment burst does not pay the resolution cost.
type PermissionsWarmupJob struct {
	Roles   RecentUserSource
	Tenants TenantSource
	Cache   PermissionWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPermissionsWarmupJob wires dependencies for the warmup handler.
func NewPermissionsWarmupJob(roles RecentUserSource, tenants TenantSource, cache PermissionWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *PermissionsWarmupJob {
	return &PermissionsWarmupJob{
		Roles:   roles,
		Tenants: tenants,
		Cache:   cache,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes permission warmup tasks.
func (j *PermissionsWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Roles == nil || j.Cache == nil {
		return errors.New("permissions warmup: handler not configured")
	}
	var payload PermissionsWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskPermissionsWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	tenantIDs := []string{payload.TenantID}
	if payload.TenantID == "" {
		if j.Tenants == nil {
			return errors.New("permissions warmup: tenant source not configured")
		}
		ids, err := j.Tenants.ListTenantIDs(ctx)
		if err != nil {
			resultErr = err
			return resultErr
		}
		tenantIDs = ids
	}

	logger := j.logger()
	since := j.now().Add(-warmupWindow)
	for _, tenantID := range tenantIDs {
		warmed, err := j.warmTenant(ctx, tenantID, since)
		if err != nil {
			resultErr = err
			logger.Error("warm tenant", slog.String("tenant", tenantID), slog.Any("error", err))
			return resultErr
		}
		logger.Info("warmed tenant", slog.String("tenant", tenantID), slog.Int("users", warmed))
	}
	return resultErr
}

func (j *PermissionsWarmupJob) warmTenant(ctx context.Context, tenantID string, since time.Time) (int, error) {
	tenantCtx, cancel := context.WithTimeout(ctx, tenantWarmupTimeout)
	defer cancel()

	userIDs, err := j.Roles.RecentlyAssignedUsers(tenantCtx, tenantID, since, warmupUserCap)
	if err != nil {
		return 0, err
	}
	for i, userID := range userIDs {
		if _, err := j.Cache.GetUserEffectivePermissions(tenantCtx, tenantID, userID); err != nil {
			return i, err
		}
	}
	return len(userIDs), nil
}

func (j *PermissionsWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermissionsWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPermissionsWarmup))
}

func (j *PermissionsWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PermissionsWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
