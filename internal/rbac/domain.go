package rbac

import (
	"fmt"
	"strings"
)

// Level is an ordered capability value: none < view < full.
type Level string

const (
	LevelNone Level = "none"
	LevelView Level = "view"
	LevelFull Level = "full"
)

// Order returns the rank of the level. Unknown values rank as none.
func (l Level) Order() int {
	switch l {
	case LevelView:
		return 1
	case LevelFull:
		return 2
	default:
		return 0
	}
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	return l == LevelNone || l == LevelView || l == LevelFull
}

// Satisfies reports whether l grants at least the required level.
func (l Level) Satisfies(required Level) bool {
	return l.Order() >= required.Order()
}

// ParseLevel converts a stored or user supplied level.
func ParseLevel(raw string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(raw)))
	if !l.Valid() {
		return LevelNone, fmt.Errorf("rbac: unknown level %q", raw)
	}
	return l, nil
}

// MergeLevel is the single most-permissive merge used when several roles
// grant the same capability key.
func MergeLevel(a, b Level) Level {
	if b.Order() > a.Order() {
		return b
	}
	if !a.Valid() {
		return LevelNone
	}
	return a
}

// Scope is the row visibility breadth granted by a role.
type Scope string

const (
	ScopeAssignedProjects  Scope = "assigned_projects"
	ScopeAssignedCompanies Scope = "assigned_companies"
	ScopeAllProjects       Scope = "all_projects"
)

// Order ranks scopes from narrowest to broadest. Unknown values rank lowest.
func (s Scope) Order() int {
	switch s {
	case ScopeAssignedCompanies:
		return 1
	case ScopeAllProjects:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeAssignedProjects || s == ScopeAssignedCompanies || s == ScopeAllProjects
}

// ParseScope converts a stored or user supplied scope.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("rbac: unknown scope %q", raw)
	}
	return s, nil
}

// BroadestScope returns the wider of two scopes.
func BroadestScope(a, b Scope) Scope {
	if b.Valid() && b.Order() > a.Order() {
		return b
	}
	if !a.Valid() {
		return b
	}
	return a
}

const keySep = "::"

// ResourceKey identifies a capability target. Empty Router or Action segments
// are wildcards.
type ResourceKey struct {
	Module string
	Router string
	Action string
}

// String formats the key as "module::router::action".
func (k ResourceKey) String() string {
	return k.Module + keySep + k.Router + keySep + k.Action
}

// Resource formats the "module::router" key used by state filters and field groups.
func (k ResourceKey) Resource() string {
	return resourceKey(k.Module, k.Router)
}

// Keys lists the capability keys to consult, most specific first.
func (k ResourceKey) Keys() []string {
	return []string{
		ResourceKey{Module: k.Module, Router: k.Router, Action: k.Action}.String(),
		ResourceKey{Module: k.Module, Router: k.Router}.String(),
		ResourceKey{Module: k.Module}.String(),
	}
}

func resourceKey(module, router string) string {
	return module + keySep + router
}

// Role is a named permission bundle.
type Role struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Scope       Scope  `json:"scope"`
	IsSystem    bool   `json:"isSystem"`
	IsImmutable bool   `json:"isImmutable"`
}

// Policy grants a level on a (module, router, action) to a role. Empty
// Router/Action mean all routers/actions of the module.
type Policy struct {
	ID     string `json:"id"`
	RoleID string `json:"roleId"`
	Module string `json:"module"`
	Router string `json:"router,omitempty"`
	Action string `json:"action,omitempty"`
	Level  Level  `json:"level"`
}

// Key returns the capability key targeted by the policy.
func (p Policy) Key() ResourceKey {
	return ResourceKey{Module: p.Module, Router: p.Router, Action: p.Action}
}

// StateFilter restricts which status values of a resource are visible to a role.
type StateFilter struct {
	RoleID          string
	Module          string
	Router          string
	VisibleStatuses []string
}

// FieldGroup is a named set of columns for one resource.
type FieldGroup struct {
	ID        string
	Module    string
	Router    string
	Name      string
	Columns   []string
	IsDefault bool
}
