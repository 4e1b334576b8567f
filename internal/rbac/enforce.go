package rbac

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/silverstone-i/nap-sub000/internal/shared"
)

// CanonProvider returns the canon and its hash for an actor.
type CanonProvider interface {
	Lookup(ctx context.Context, tenant, userID string) (Entry, error)
}

// DecisionObserver records enforcement outcomes: allow, deny, bypass, error.
type DecisionObserver interface {
	ObserveDecision(result string)
}

// BypassConfig names the roles exempt from capability checks.
type BypassConfig struct {
	SuperRole       string
	TenantAdminRole string
	// ReservedModule is the cross-tenant administration module that the
	// tenant admin role may never reach.
	ReservedModule string
}

// Request is one authorization question.
type Request struct {
	Actor    shared.Actor
	Resource ResourceKey
	Method   string
	// Hint overrides the method-derived required level when set.
	Hint Level
}

// Denial is the stable deny payload returned to clients.
type Denial struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Module   string `json:"module"`
	Router   string `json:"router"`
	Action   string `json:"action"`
	Method   string `json:"method"`
	Needed   Level  `json:"needed"`
	Have     Level  `json:"have"`
	Note     string `json:"note,omitempty"`
}

// Decision is the outcome of Enforce. A deny is a normal return value.
type Decision struct {
	Allowed  bool
	Bypassed bool
	Required Level
	Have     Level
	Entry    Entry
	Denial   *Denial
}

// Enforcer is the request-time gate.
type Enforcer struct {
	canons   CanonProvider
	bypass   BypassConfig
	logger   *slog.Logger
	observer DecisionObserver
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(canons CanonProvider, bypass BypassConfig, logger *slog.Logger, observer DecisionObserver) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{canons: canons, bypass: bypass, logger: logger, observer: observer}
}

// Enforce decides whether req may proceed. Errors are returned only for
// missing identity or infrastructure failures and must never be read as allow.
func (e *Enforcer) Enforce(ctx context.Context, req Request) (Decision, error) {
	if !req.Actor.Authenticated() {
		e.observe("error")
		return Decision{}, shared.ErrUnauthenticated
	}
	required := RequiredLevel(req.Method, req.Hint)

	if e.isSuper(req.Actor.Role) {
		e.observe("bypass")
		return Decision{Allowed: true, Bypassed: true, Required: required, Have: LevelFull}, nil
	}
	if e.isTenantAdmin(req.Actor.Role) {
		if req.Resource.Module == e.bypass.ReservedModule {
			return e.deny(req, required, LevelNone, Entry{}, "tenant admin cannot access "+req.Resource.Module), nil
		}
		e.observe("bypass")
		return Decision{Allowed: true, Bypassed: true, Required: required, Have: LevelFull}, nil
	}

	entry, err := e.canons.Lookup(ctx, req.Actor.TenantID, req.Actor.UserID)
	if err != nil {
		e.observe("error")
		e.logger.Error("authorization unavailable",
			slog.String("user_id", req.Actor.UserID),
			slog.String("tenant", req.Actor.TenantID),
			slog.Any("error", err))
		return Decision{}, fmt.Errorf("rbac: enforce: %w", err)
	}
	if entry.Canon.Degraded {
		e.observe("error")
		e.logger.Error("authorization unavailable",
			slog.String("user_id", req.Actor.UserID),
			slog.String("tenant", req.Actor.TenantID),
			slog.String("reason", "degraded canon"))
		return Decision{}, fmt.Errorf("rbac: enforce: incomplete permission data: %w", ErrRepositoryUnavailable)
	}

	have := entry.Canon.Level(req.Resource)
	if !have.Satisfies(required) {
		return e.deny(req, required, have, entry, ""), nil
	}
	e.observe("allow")
	return Decision{Allowed: true, Required: required, Have: have, Entry: entry}, nil
}

func (e *Enforcer) deny(req Request, required, have Level, entry Entry, note string) Decision {
	denial := &Denial{
		UserID:   req.Actor.UserID,
		TenantID: req.Actor.TenantID,
		Module:   req.Resource.Module,
		Router:   req.Resource.Router,
		Action:   req.Resource.Action,
		Method:   req.Method,
		Needed:   required,
		Have:     have,
		Note:     note,
	}
	e.observe("deny")
	e.logger.Warn("authorization denied",
		slog.String("user_id", denial.UserID),
		slog.String("tenant", denial.TenantID),
		slog.String("module", denial.Module),
		slog.String("router", denial.Router),
		slog.String("action", denial.Action),
		slog.String("method", denial.Method),
		slog.String("needed", string(denial.Needed)),
		slog.String("have", string(denial.Have)),
		slog.String("note", denial.Note))
	return Decision{Required: required, Have: have, Entry: entry, Denial: denial}
}

// QueryContext projects canon for a resource, honouring the bypass roles.
func (e *Enforcer) QueryContext(role string, canon Canon, module, router string) QueryContext {
	if e.Bypasses(role, module) {
		return BypassQueryContext()
	}
	return BuildQueryContext(canon, module, router)
}

// FilterRecord redacts a single record of (module, router) for the actor role.
func (e *Enforcer) FilterRecord(canon Canon, role string, resource ResourceKey, spec ResourceSpec, record map[string]any) map[string]any {
	return FilterRecord(spec, e.QueryContext(role, canon, resource.Module, resource.Router), record)
}

// Bypasses reports whether role skips checks on module.
func (e *Enforcer) Bypasses(role, module string) bool {
	if e.isSuper(role) {
		return true
	}
	return e.isTenantAdmin(role) && module != e.bypass.ReservedModule
}

func (e *Enforcer) isSuper(role string) bool {
	return role != "" && role == e.bypass.SuperRole
}

func (e *Enforcer) isTenantAdmin(role string) bool {
	return role != "" && role == e.bypass.TenantAdminRole
}

func (e *Enforcer) observe(result string) {
	if e.observer != nil {
		e.observer.ObserveDecision(result)
	}
}
