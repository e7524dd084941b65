package policies

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atlas-saas/atlas/internal/condition"
	"github.com/atlas-saas/atlas/internal/platform/db"
	"github.com/atlas-saas/atlas/internal/platform/httpx"
	"github.com/atlas-saas/atlas/internal/shared"
)

// Handler exposes policy CRUD endpoints. Every route requires an admin
// principal; the feature gate is enforced below in the service.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers policy routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(shared.RequireAdmin)
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{policyID}", h.get)
	r.Patch("/{policyID}", h.update)
	r.Delete("/{policyID}", h.delete)
}

type createPolicyRequest struct {
	Name       string          `json:"name" validate:"required,max=200"`
	Resource   string          `json:"resource" validate:"required,max=200"`
	Effect     string          `json:"effect" validate:"required,oneof=ALLOW DENY FILTER"`
	Conditions json.RawMessage `json:"conditions"`
	Priority   int             `json:"priority" validate:"gte=0"`
	IsActive   *bool           `json:"isActive"`
}

type updatePolicyRequest struct {
	Name       *string         `json:"name" validate:"omitempty,max=200"`
	Resource   *string         `json:"resource" validate:"omitempty,max=200"`
	Effect     *string         `json:"effect" validate:"omitempty,oneof=ALLOW DENY FILTER"`
	Conditions json.RawMessage `json:"conditions"`
	Priority   *int            `json:"priority" validate:"omitempty,gte=0"`
	IsActive   *bool           `json:"isActive"`
}

type policyResponse struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Resource   string          `json:"resource"`
	Effect     string          `json:"effect"`
	Conditions *condition.Tree `json:"conditions,omitempty"`
	Priority   int             `json:"priority"`
	Source     string          `json:"source"`
	PluginID   string          `json:"pluginId,omitempty"`
	IsActive   bool            `json:"isActive"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func toPolicyResponse(p Policy) policyResponse {
	return policyResponse{
		ID:         p.ID.String(),
		Name:       p.Name,
		Resource:   p.Resource,
		Effect:     string(p.Effect),
		Conditions: p.Conditions,
		Priority:   p.Priority,
		Source:     string(p.Source),
		PluginID:   p.PluginID,
		IsActive:   p.IsActive,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	result, err := h.service.ListPolicies(r.Context(), p.TenantID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]policyResponse, 0, len(result.Data))
	for _, policy := range result.Data {
		out = append(out, toPolicyResponse(policy))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data": out,
		"meta": map[string]any{
			"featureEnabled": result.Meta.FeatureEnabled,
			"total":          result.Meta.Total,
		},
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	policyID, ok := h.policyID(w, r)
	if !ok {
		return
	}
	policy, err := h.service.GetPolicy(r.Context(), p.TenantID, policyID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toPolicyResponse(policy)})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	var req createPolicyRequest
	if !h.decode(w, r, &req) {
		return
	}
	tree, ok := h.parseConditions(w, req.Conditions)
	if !ok {
		return
	}
	policy, err := h.service.CreatePolicy(r.Context(), p.TenantID, CreateInput{
		Name:       req.Name,
		Resource:   req.Resource,
		Effect:     Effect(req.Effect),
		Conditions: tree,
		Priority:   req.Priority,
		IsActive:   req.IsActive,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"data": toPolicyResponse(policy)})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	policyID, ok := h.policyID(w, r)
	if !ok {
		return
	}
	var req updatePolicyRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := Patch{
		Name:     req.Name,
		Resource: req.Resource,
		Priority: req.Priority,
		IsActive: req.IsActive,
	}
	if req.Effect != nil {
		effect := Effect(*req.Effect)
		patch.Effect = &effect
	}
	if len(req.Conditions) > 0 {
		tree, ok := h.parseConditions(w, req.Conditions)
		if !ok {
			return
		}
		patch.Conditions = tree
	}
	policy, err := h.service.UpdatePolicy(r.Context(), p.TenantID, policyID, patch)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toPolicyResponse(policy)})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	p := shared.PrincipalFromContext(r.Context())
	policyID, ok := h.policyID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePolicy(r.Context(), p.TenantID, policyID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) policyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "policyID"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", "malformed policy id", nil)
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handler) parseConditions(w http.ResponseWriter, raw json.RawMessage) (*condition.Tree, bool) {
	tree, err := condition.Parse(raw)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid_condition", "malformed condition tree", nil)
		return nil, false
	}
	return tree, true
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
	var condErr *InvalidConditionError
	switch {
	case errors.As(err, &condErr):
		httpx.Error(w, http.StatusBadRequest, "invalid_condition", "condition tree failed validation", condErr.Violations)
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "policy_not_found", "policy not found", nil)
	case errors.Is(err, ErrNameConflict):
		httpx.Error(w, http.StatusConflict, "name_conflict", "policy name already exists", nil)
	case errors.Is(err, ErrSourceImmutable):
		httpx.Error(w, http.StatusForbidden, "source_immutable", "core- and plugin-sourced policies cannot be modified", nil)
	case errors.Is(err, ErrFeatureDisabled):
		httpx.Error(w, http.StatusForbidden, "feature_disabled", "abac is not enabled for this tenant", nil)
	case errors.Is(err, ErrValidation):
		httpx.Error(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, db.ErrInvalidIdentifier):
		httpx.Error(w, http.StatusBadRequest, "invalid_identifier", "tenant identifier rejected", nil)
	default:
		h.logger.Error("policies handler", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
