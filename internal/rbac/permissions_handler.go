package rbac

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/silverstone-i/nap-sub000/internal/platform/httpx"
	"github.com/silverstone-i/nap-sub000/internal/shared"
)

// PermissionsHandler exposes the caller's own canon.
type PermissionsHandler struct {
	logger *slog.Logger
	cache  CanonProvider
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, cache CanonProvider) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, cache: cache}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.showCanon)
	r.Get("/check", h.checkLevel)
}

type canonResponse struct {
	Hash      string `json:"hash"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Canon     Canon  `json:"canon"`
}

type levelResponse struct {
	Module string `json:"module"`
	Router string `json:"router"`
	Action string `json:"action"`
	Level  Level  `json:"level"`
}

func (h *PermissionsHandler) showCanon(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	resp := canonResponse{Hash: entry.CanonHash, Canon: entry.Canon}
	if !entry.UpdatedAt.IsZero() {
		resp.UpdatedAt = entry.UpdatedAt.Format(time.RFC3339)
	}
	w.Header().Set(PermissionHashHeader, entry.CanonHash)
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *PermissionsHandler) checkLevel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := ResourceKey{Module: q.Get("module"), Router: q.Get("router"), Action: q.Get("action")}
	if key.Module == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "module is required")
		return
	}
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, levelResponse{
		Module: key.Module,
		Router: key.Router,
		Action: key.Action,
		Level:  entry.Canon.Level(key),
	})
}

func (h *PermissionsHandler) lookup(w http.ResponseWriter, r *http.Request) (Entry, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return Entry{}, false
	}
	entry, err := h.cache.Lookup(r.Context(), actor.TenantID, actor.UserID)
	if err != nil {
		h.logger.Error("load canon", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return Entry{}, false
	}
	if entry.Canon.Degraded {
		h.logger.Warn("canon degraded", slog.String("tenant", actor.TenantID), slog.String("user_id", actor.UserID))
		httpx.RespondError(w, httpx.ErrUnavailable)
		return Entry{}, false
	}
	return entry, true
}
