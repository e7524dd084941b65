package db

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentifier is returned when a tenant identifier fails the
// allow-list pattern. Identifier validation always fails closed: a rejected
// identifier is never sanitized and reused.
var ErrInvalidIdentifier = errors.New("db: invalid tenant identifier")

// Tenant identifiers become part of a schema name, so the pattern is strict:
// lowercase alphanumerics and underscores only, and short enough that the
// derived schema name stays under PostgreSQL's 63-byte identifier limit.
var tenantIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,54}$`)

const schemaPrefix = "tenant_"

// TenantSchema validates a tenant identifier against the allow-list and
// returns the schema name that scopes the tenant's data partition. Every
// repository must route dynamic schema references through this function
// before issuing a query.
func TenantSchema(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, tenantID)
	}
	return schemaPrefix + tenantID, nil
}
