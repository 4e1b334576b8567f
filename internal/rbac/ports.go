package rbac

import "context"

// MembershipRepository reads role memberships within a tenant.
type MembershipRepository interface {
	RolesForUser(ctx context.Context, tenant, userID string) ([]string, error)
	UsersForRole(ctx context.Context, tenant, roleID string) ([]string, error)
}

// PolicyRepository reads the policies granted to roles.
type PolicyRepository interface {
	PoliciesForRoles(ctx context.Context, tenant string, roleIDs []string) ([]Policy, error)
}

// RoleRepository reads role metadata, scope in particular.
type RoleRepository interface {
	RolesByID(ctx context.Context, tenant string, roleIDs []string) ([]Role, error)
}

// CompanyMembershipRepository reads the companies a user belongs to.
type CompanyMembershipRepository interface {
	CompaniesForUser(ctx context.Context, tenant, userID string) ([]string, error)
}

// ProjectRepository resolves projects owned by companies.
type ProjectRepository interface {
	ProjectsForCompanies(ctx context.Context, tenant string, companyIDs []string) ([]string, error)
}

// ProjectMembershipRepository reads the projects a user is assigned to.
type ProjectMembershipRepository interface {
	ProjectsForUser(ctx context.Context, tenant, userID string) ([]string, error)
}

// StateFilterRepository reads per-resource status restrictions of roles.
type StateFilterRepository interface {
	StateFiltersForRoles(ctx context.Context, tenant string, roleIDs []string) ([]StateFilter, error)
}

// FieldGroupGrantRepository reads which field groups roles were granted.
type FieldGroupGrantRepository interface {
	FieldGroupGrantsForRoles(ctx context.Context, tenant string, roleIDs []string) ([]string, error)
}

// FieldGroupRepository reads field group definitions.
type FieldGroupRepository interface {
	FieldGroupsByIDs(ctx context.Context, tenant string, ids []string) ([]FieldGroup, error)
	DefaultFieldGroups(ctx context.Context, tenant string) ([]FieldGroup, error)
}

// Source bundles every read port the resolver depends on.
type Source interface {
	MembershipRepository
	PolicyRepository
	RoleRepository
	CompanyMembershipRepository
	ProjectRepository
	ProjectMembershipRepository
	StateFilterRepository
	FieldGroupGrantRepository
	FieldGroupRepository
}
