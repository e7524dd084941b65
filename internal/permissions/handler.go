package permissions

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/atlas-saas/atlas/internal/platform/db"
	"github.com/atlas-saas/atlas/internal/platform/httpx"
	"github.com/atlas-saas/atlas/internal/shared"
)

// Handler serves the effective-permission read endpoint.
type Handler struct {
	logger *slog.Logger
	cache  *Cache
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, cache *Cache) *Handler {
	return &Handler{logger: logger, cache: cache}
}

// MountRoutes registers permission routes. The read endpoint sits on the hot
// path of every client, so it carries its own per-principal rate limit.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(httprate.Limit(
		120, time.Minute,
		httprate.WithKeyFuncs(principalKey),
	)).Get("/effective", h.effective)
}

func principalKey(r *http.Request) (string, error) {
	p := shared.PrincipalFromContext(r.Context())
	return p.TenantID + ":" + p.UserID, nil
}

func (h *Handler) effective(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	set, err := h.cache.GetUserEffectivePermissions(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		if errors.Is(err, db.ErrInvalidIdentifier) {
			httpx.Error(w, http.StatusBadRequest, "invalid_identifier", "tenant identifier rejected", nil)
			return
		}
		h.logger.Error("effective permissions", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal", "internal error", nil)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": set})
}
