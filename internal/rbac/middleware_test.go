package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverstone-i/nap-sub000/internal/shared"
)

func withActor(a shared.Actor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), a)))
		})
	}
}

func newGuardedRouter(src *memorySource, a *shared.Actor) (http.Handler, *QueryContext) {
	enforcer, _, _, _ := newTestEnforcer(src)
	guard := Middleware{Enforcer: enforcer}
	seen := &QueryContext{}

	r := chi.NewRouter()
	if a != nil {
		r.Use(withActor(*a))
	}
	r.With(guard.Require("ar", "ar-invoices", "")).Get("/invoices", func(w http.ResponseWriter, r *http.Request) {
		*seen = guard.QueryContextFromRequest(r)
		_, ok := DecisionFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.With(guard.Require("ar", "ar-invoices", "approve", LevelFull)).Post("/invoices/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r, seen
}

func TestRequireWithoutActorIsUnauthorized(t *testing.T) {
	router, _ := newGuardedRouter(arViewSource(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAllowsAndExposesQueryContext(t *testing.T) {
	src := arViewSource()
	src.roles["ar-viewer"] = Role{ID: "ar-viewer", Scope: ScopeAssignedProjects}
	src.projectMembers["u1"] = []string{"P1"}
	src.stateFilters = []StateFilter{{RoleID: "ar-viewer", Module: "ar", Router: "ar-invoices", VisibleStatuses: []string{"sent"}}}
	a := actor("clerk")
	router, seen := newGuardedRouter(src, &a)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get(PermissionHashHeader), 64)
	assert.Equal(t, ScopeAssignedProjects, seen.Scope)
	assert.Equal(t, []string{"P1"}, seen.ProjectIDs)
	assert.Equal(t, []string{"sent"}, seen.VisibleStatuses)
}

func TestRequireDenyReturnsDenialPayload(t *testing.T) {
	a := actor("clerk")
	router, _ := newGuardedRouter(arViewSource(), &a)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoices/approve", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{
		"userId":   "u1",
		"tenantId": testTenant,
		"module":   "ar",
		"router":   "ar-invoices",
		"action":   "approve",
		"method":   http.MethodPost,
		"needed":   "full",
		"have":     "view",
	}, body)
}

func TestRequireRepositoryOutageIsServiceUnavailable(t *testing.T) {
	src := arViewSource()
	src.fail("RolesForUser", errBoom)
	a := actor("clerk")
	router, _ := newGuardedRouter(src, &a)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRequireDegradedCanonIsServiceUnavailable(t *testing.T) {
	for _, layer := range []string{"RolesByID", "PoliciesForRoles"} {
		t.Run(layer, func(t *testing.T) {
			src := arViewSource()
			src.roles["ar-viewer"] = Role{ID: "ar-viewer", Scope: ScopeAssignedProjects}
			src.projectMembers["u1"] = []string{"P1"}
			src.fail(layer, errBoom)
			a := actor("clerk")
			router, seen := newGuardedRouter(src, &a)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices", nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Empty(t, rec.Header().Get(PermissionHashHeader))
			assert.Equal(t, QueryContext{}, *seen, "handler must not run")
		})
	}
}

func TestRequireBypassSkipsFilters(t *testing.T) {
	a := actor("super_user")
	router, seen := newGuardedRouter(newMemorySource(), &a)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, seen.Bypass)
	assert.Empty(t, rec.Header().Get(PermissionHashHeader))
}

func TestQueryContextWithoutGrantSeesNothing(t *testing.T) {
	var guard Middleware
	qc := guard.QueryContextFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	preds, args := RowPredicates(ResourceSpec{ProjectColumn: "project_id"}, qc, 0)
	assert.Equal(t, []string{`"project_id" = ANY($1)`}, preds)
	assert.Equal(t, []any{[]string{}}, args)
	assert.Equal(t, []string{"id"}, NarrowColumns(ResourceSpec{}, qc, []string{"amount"}))
}

func TestPermissionsHandler(t *testing.T) {
	src := arViewSource()
	cache, _ := newTestCache(t, src, CacheConfig{})
	handler := NewPermissionsHandler(nil, cache)

	r := chi.NewRouter()
	r.Use(withActor(actor("clerk")))
	r.Route("/me/permissions", handler.MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me/permissions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Hash      string `json:"hash"`
		UpdatedAt string `json:"updatedAt"`
		Canon     Canon  `json:"canon"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, body.Hash, rec.Header().Get(PermissionHashHeader))
	assert.Equal(t, body.Canon.Hash(), body.Hash)
	assert.Equal(t, LevelView, body.Canon.Caps["ar::::"])
	assert.NotEmpty(t, body.UpdatedAt)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me/permissions/check?module=ar&router=ar-invoices&action=approve", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"module":"ar","router":"ar-invoices","action":"approve","level":"view"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me/permissions/check", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPermissionsHandlerDegradedCanonIsUnavailable(t *testing.T) {
	src := arViewSource()
	src.fail("PoliciesForRoles", errBoom)
	cache, _ := newTestCache(t, src, CacheConfig{})

	r := chi.NewRouter()
	r.Use(withActor(actor("clerk")))
	r.Route("/me/permissions", NewPermissionsHandler(nil, cache).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me/permissions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
