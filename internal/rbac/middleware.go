package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/silverstone-i/nap-sub000/internal/platform/httpx"
	"github.com/silverstone-i/nap-sub000/internal/shared"
)

// PermissionHashHeader carries the canon hash so clients can detect a stale
// token out of band.
const PermissionHashHeader = "X-Permission-Hash"

// Middleware wires the Enforcer into chi routes.
type Middleware struct {
	Enforcer *Enforcer
	Logger   *slog.Logger
}

// Require gates a route on (module, router, action). The optional hint fixes
// the required level instead of deriving it from the HTTP method.
func (m Middleware) Require(module, router, action string, hint ...Level) func(http.Handler) http.Handler {
	resource := ResourceKey{Module: module, Router: router, Action: action}
	var required Level
	if len(hint) > 0 {
		required = hint[0]
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			decision, err := m.Enforcer.Enforce(r.Context(), Request{
				Actor:    actor,
				Resource: resource,
				Method:   r.Method,
				Hint:     required,
			})
			if err != nil {
				m.respondFailure(w, err)
				return
			}
			if !decision.Allowed {
				httpx.JSON(w, http.StatusForbidden, decision.Denial)
				return
			}
			if decision.Entry.CanonHash != "" {
				w.Header().Set(PermissionHashHeader, decision.Entry.CanonHash)
			}
			ctx := context.WithValue(r.Context(), grantContextKey{}, grant{
				actor:    actor,
				resource: resource,
				decision: decision,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m Middleware) respondFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrUnauthenticated), errors.Is(err, ErrInvalidTenant):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	case errors.Is(err, ErrRepositoryUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Authorization Unavailable", "permission data could not be read")
	default:
		if m.Logger != nil {
			m.Logger.Error("rbac enforce", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Authorization Unavailable", "")
	}
}

type grantContextKey struct{}

type grant struct {
	actor    shared.Actor
	resource ResourceKey
	decision Decision
}

// DecisionFromContext returns the decision recorded by Require.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	g, ok := ctx.Value(grantContextKey{}).(grant)
	return g.decision, ok
}

// QueryContextFromRequest projects the granted canon onto the route's
// resource. Requests that did not pass through Require see nothing.
func (m Middleware) QueryContextFromRequest(r *http.Request) QueryContext {
	g, ok := r.Context().Value(grantContextKey{}).(grant)
	if !ok {
		return QueryContext{Scope: ScopeAssignedProjects, ProjectIDs: []string{}, AllowedColumns: []string{}}
	}
	if g.decision.Bypassed {
		return BypassQueryContext()
	}
	return m.Enforcer.QueryContext(g.actor.Role, g.decision.Entry.Canon, g.resource.Module, g.resource.Router)
}
