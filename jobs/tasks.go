// Package jobs contains the asynq task definitions and the background worker.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionsWarmup pre-populates the permission cache for recently
	// active users of a tenant. An empty tenant id means every tenant.
	TaskPermissionsWarmup = "authz:permissions_warmup"
)

// PermissionsWarmupPayload selects which tenant to warm.
type PermissionsWarmupPayload struct {
	TenantID string `json:"tenantId,omitempty"`
}

// NewPermissionsWarmupTask constructs an Asynq task.
func NewPermissionsWarmupTask(payload PermissionsWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsWarmup, data), nil
}
