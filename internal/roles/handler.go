package roles

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/silverstone-i/nap-sub000/internal/platform/httpx"
	"github.com/silverstone-i/nap-sub000/internal/rbac"
	"github.com/silverstone-i/nap-sub000/internal/shared"
)

// Resource coordinates of the role administration endpoints.
const (
	AdminModule = "admin"
	RolesRouter = "roles"
)

// Handler manages role administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: guard, validator: validator.New()}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(AdminModule, RolesRouter, "create")).Post("/", h.createRole)
	r.Route("/{roleID}", func(r chi.Router) {
		r.With(h.rbac.Require(AdminModule, RolesRouter, "update")).Patch("/", h.renameRole)
		r.With(h.rbac.Require(AdminModule, RolesRouter, "scope")).Put("/scope", h.setScope)
		r.With(h.rbac.Require(AdminModule, RolesRouter, "archive")).Delete("/", h.archiveRole)

		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(AdminModule, RolesRouter, "policies"))
			r.Post("/policies", h.addPolicy)
			r.Delete("/policies/{policyID}", h.removePolicy)
			r.Put("/state-filters", h.setStateFilter)
			r.Put("/field-groups/{fieldGroupID}", h.grantFieldGroup)
			r.Delete("/field-groups/{fieldGroupID}", h.revokeFieldGroup)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(AdminModule, RolesRouter, "members"))
			r.Post("/members", h.addMember)
			r.Put("/members", h.syncMembers)
			r.Delete("/members/{userID}", h.removeMember)
		})
	})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if !h.decode(w, r, &in) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), tenantOf(r), in)
	if err != nil {
		h.respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) renameRole(w http.ResponseWriter, r *http.Request) {
	var in UpdateRoleInput
	if !h.decode(w, r, &in) {
		return
	}
	h.done(w, h.service.RenameRole(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), in))
}

func (h *Handler) setScope(w http.ResponseWriter, r *http.Request) {
	var in ScopeInput
	if !h.decode(w, r, &in) {
		return
	}
	h.done(w, h.service.SetScope(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), in))
}

func (h *Handler) archiveRole(w http.ResponseWriter, r *http.Request) {
	h.done(w, h.service.ArchiveRole(r.Context(), tenantOf(r), chi.URLParam(r, "roleID")))
}

func (h *Handler) addPolicy(w http.ResponseWriter, r *http.Request) {
	var in PolicyInput
	if !h.decode(w, r, &in) {
		return
	}
	policy, err := h.service.AddPolicy(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), in)
	if err != nil {
		h.respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, policy)
}

func (h *Handler) removePolicy(w http.ResponseWriter, r *http.Request) {
	h.done(w, h.service.RemovePolicy(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), chi.URLParam(r, "policyID")))
}

func (h *Handler) setStateFilter(w http.ResponseWriter, r *http.Request) {
	var in StateFilterInput
	if !h.decode(w, r, &in) {
		return
	}
	h.done(w, h.service.SetStateFilter(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), in))
}

func (h *Handler) grantFieldGroup(w http.ResponseWriter, r *http.Request) {
	h.done(w, h.service.GrantFieldGroup(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), chi.URLParam(r, "fieldGroupID")))
}

func (h *Handler) revokeFieldGroup(w http.ResponseWriter, r *http.Request) {
	h.done(w, h.service.RevokeFieldGroup(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), chi.URLParam(r, "fieldGroupID")))
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	var in MemberInput
	if !h.decode(w, r, &in) {
		return
	}
	h.done(w, h.service.AddMember(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), in.UserID))
}

func (h *Handler) syncMembers(w http.ResponseWriter, r *http.Request) {
	var in MembersInput
	if !h.decode(w, r, &in) {
		return
	}
	h.done(w, h.service.SyncMembers(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), in))
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	h.done(w, h.service.RemoveMember(r.Context(), tenantOf(r), chi.URLParam(r, "roleID"), chi.URLParam(r, "userID")))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) done(w http.ResponseWriter, err error) {
	if err != nil {
		h.respond(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) respond(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrDuplicate):
		httpx.RespondError(w, httpx.ErrDuplicate)
	case errors.Is(err, ErrImmutableRole), errors.Is(err, ErrSystemRole):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, rbac.ErrInvalidTenant):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	default:
		h.logger.Error("role administration", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func tenantOf(r *http.Request) string {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor.TenantID
}
