package shared

import (
	"net/http"

	"github.com/atlas-saas/atlas/internal/platform/httpx"
)

// RequireAdmin rejects requests whose principal lacks the tenant-admin flag.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil || !p.Admin {
			httpx.Error(w, http.StatusForbidden, "admin_required", "administrator privileges required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
