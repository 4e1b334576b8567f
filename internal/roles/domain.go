package roles

import (
	"context"
	"errors"

	"github.com/silverstone-i/nap-sub000/internal/rbac"
)

var (
	// ErrNotFound indicates that the role or grant does not exist.
	ErrNotFound = errors.New("roles: not found")
	// ErrImmutableRole is returned when an immutable role would be altered.
	ErrImmutableRole = errors.New("roles: role is immutable")
	// ErrSystemRole is returned when a system role would be archived.
	ErrSystemRole = errors.New("roles: system roles cannot be archived")
	// ErrDuplicate is returned when a role code is already taken.
	ErrDuplicate = errors.New("roles: duplicate")
)

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Code  string `json:"code" validate:"required,max=64"`
	Name  string `json:"name" validate:"required,max=128"`
	Scope string `json:"scope" validate:"required,oneof=all_projects assigned_companies assigned_projects"`
}

// UpdateRoleInput renames a role.
type UpdateRoleInput struct {
	Name string `json:"name" validate:"required,max=128"`
}

// ScopeInput changes a role scope.
type ScopeInput struct {
	Scope string `json:"scope" validate:"required,oneof=all_projects assigned_companies assigned_projects"`
}

// PolicyInput grants a level on a module, optionally narrowed to a router and
// action. Empty router/action mean all.
type PolicyInput struct {
	Module string `json:"module" validate:"required,max=64"`
	Router string `json:"router" validate:"omitempty,max=64"`
	Action string `json:"action" validate:"omitempty,max=64,excluded_without=Router"`
	Level  string `json:"level" validate:"required,oneof=none view full"`
}

// StateFilterInput replaces the visible statuses of a role on one resource.
// An empty status list removes the filter.
type StateFilterInput struct {
	Module          string   `json:"module" validate:"required,max=64"`
	Router          string   `json:"router" validate:"required,max=64"`
	VisibleStatuses []string `json:"visibleStatuses" validate:"dive,required,max=64"`
}

// MembersInput replaces the full member set of a role.
type MembersInput struct {
	UserIDs []string `json:"userIds" validate:"dive,required"`
}

// MemberInput adds one member.
type MemberInput struct {
	UserID string `json:"userId" validate:"required"`
}

// Repository persists role administration data for a tenant.
type Repository interface {
	GetRole(ctx context.Context, tenant, id string) (rbac.Role, error)
	CreateRole(ctx context.Context, tenant string, role rbac.Role) error
	RenameRole(ctx context.Context, tenant, id, name string) error
	SetRoleScope(ctx context.Context, tenant, id string, scope rbac.Scope) error
	ArchiveRole(ctx context.Context, tenant, id string) error
	AddPolicy(ctx context.Context, tenant string, policy rbac.Policy) error
	RemovePolicy(ctx context.Context, tenant, roleID, policyID string) error
	SetStateFilter(ctx context.Context, tenant string, filter rbac.StateFilter) error
	GrantFieldGroup(ctx context.Context, tenant, roleID, fieldGroupID string) error
	RevokeFieldGroup(ctx context.Context, tenant, roleID, fieldGroupID string) error
	AddMember(ctx context.Context, tenant, roleID, userID string) error
	RemoveMember(ctx context.Context, tenant, roleID, userID string) error
	// ReplaceMembers swaps the member set and returns the previous one.
	ReplaceMembers(ctx context.Context, tenant, roleID string, userIDs []string) ([]string, error)
}

// Invalidator drops cached canons after a mutation. Implementations never
// fail the caller.
type Invalidator interface {
	InvalidateUser(ctx context.Context, tenant, userID string)
	InvalidateRole(ctx context.Context, tenant, roleID string)
	SyncRoleMembers(ctx context.Context, tenant string, before, after []string)
}
