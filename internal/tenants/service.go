package tenants

import (
	"context"
	"errors"
)

// Service resolves tenant feature flags.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Features reads the tenant's settings blob and extracts the authorization
// feature flags. The blob is loosely typed; only an explicit boolean true
// enables a feature. An unknown tenant resolves to all features disabled
// rather than an error, since provisioning is handled elsewhere.
func (s *Service) Features(ctx context.Context, tenantID string) (Features, error) {
	settings, err := s.repo.Settings(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Features{}, nil
		}
		return Features{}, err
	}
	var f Features
	if enabled, ok := settings["abac_enabled"].(bool); ok {
		f.ABACEnabled = enabled
	}
	return f, nil
}

// ListTenantIDs returns every provisioned tenant.
func (s *Service) ListTenantIDs(ctx context.Context) ([]string, error) {
	return s.repo.ListIDs(ctx)
}
