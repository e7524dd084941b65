package tenants

// Features holds the per-tenant feature flags relevant to authorization.
// Resolved once per request and passed down as a plain value so the layers
// below stay pure functions of their inputs.
type Features struct {
	ABACEnabled bool
}
