package roles

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atlas-saas/atlas/internal/platform/db"
	"github.com/atlas-saas/atlas/internal/platform/httpx"
	"github.com/atlas-saas/atlas/internal/shared"
)

// Handler exposes role CRUD and assignment endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers role routes. Mutations require an admin principal.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{roleID}", h.get)
	r.Group(func(r chi.Router) {
		r.Use(shared.RequireAdmin)
		r.Post("/", h.create)
		r.Put("/{roleID}/permissions", h.updatePermissions)
		r.Delete("/{roleID}", h.delete)
		r.Post("/{roleID}/assignments", h.assign)
		r.Delete("/{roleID}/assignments/{userID}", h.unassign)
	})
}

// MountUserRoutes registers the user-facing role listing under /users.
func (h *Handler) MountUserRoutes(r chi.Router) {
	r.Get("/{userID}/roles", h.userRoles)
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"max=200"`
}

type updatePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,max=200"`
}

type assignRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type roleResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toRoleResponse(role Role) roleResponse {
	perms := role.Permissions
	if perms == nil {
		perms = []string{}
	}
	return roleResponse{
		ID:          role.ID.String(),
		Name:        role.Name,
		Description: role.Description,
		Permissions: perms,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	list, err := h.service.ListRoles(r.Context(), p.TenantID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(list))
	for _, role := range list {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), p.TenantID, roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toRoleResponse(role)})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), p.TenantID, req.Name, req.Description, req.Permissions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"data": toRoleResponse(role)})
}

func (h *Handler) updatePermissions(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req updatePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRolePermissions(r.Context(), p.TenantID, roleID, req.Permissions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toRoleResponse(role)})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), p.TenantID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	inserted, err := h.service.AssignRole(r.Context(), p.TenantID, req.UserID, roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	// The store is idempotent; the API surfaces a repeat as a conflict.
	if !inserted {
		httpx.Error(w, http.StatusConflict, "already_assigned", "role already assigned to user", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unassign(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := h.service.RemoveRole(r.Context(), p.TenantID, userID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	list, err := h.service.GetUserRoles(r.Context(), p.TenantID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(list))
	for _, role := range list {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", "malformed role id", nil)
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", "malformed request body", nil)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		details := make(map[string]string)
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		httpx.Error(w, http.StatusBadRequest, "validation_failed", "request validation failed", details)
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "role_not_found", "role not found", nil)
	case errors.Is(err, ErrNameConflict):
		httpx.Error(w, http.StatusConflict, "name_conflict", "role name already exists", nil)
	case errors.Is(err, ErrValidation):
		httpx.Error(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, db.ErrInvalidIdentifier):
		httpx.Error(w, http.StatusBadRequest, "invalid_identifier", "tenant identifier rejected", nil)
	default:
		h.logger.Error("roles handler", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
