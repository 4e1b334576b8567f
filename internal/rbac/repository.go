package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var tenantPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ErrInvalidTenant is returned for tenant keys that cannot name a schema.
var ErrInvalidTenant = errors.New("rbac: invalid tenant key")

// Querier is the subset of pgxpool.Pool and pgx.Tx used by repositories.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TenantTable returns the quoted "<tenant>"."<table>" identifier. Tenants
// live in their own schema.
func TenantTable(tenant, table string) (string, error) {
	if !tenantPattern.MatchString(tenant) {
		return "", fmt.Errorf("%w %q", ErrInvalidTenant, tenant)
	}
	return pgx.Identifier{tenant, table}.Sanitize(), nil
}

// Repository reads authorization data from PostgreSQL and implements Source.
type Repository struct {
	db Querier
}

// NewRepository constructs a repository over a pool or transaction.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

var _ Source = (*Repository)(nil)

// RolesForUser lists the active roles held by userID.
func (r *Repository) RolesForUser(ctx context.Context, tenant, userID string) ([]string, error) {
	members, err := TenantTable(tenant, "role_members")
	if err != nil {
		return nil, err
	}
	roles, _ := TenantTable(tenant, "roles")
	return r.strings(ctx, `SELECT m.role_id FROM `+members+` m JOIN `+roles+` r ON r.id = m.role_id
		WHERE m.user_id = $1 AND r.archived_at IS NULL`, userID)
}

// UsersForRole lists the users holding roleID.
func (r *Repository) UsersForRole(ctx context.Context, tenant, roleID string) ([]string, error) {
	members, err := TenantTable(tenant, "role_members")
	if err != nil {
		return nil, err
	}
	return r.strings(ctx, `SELECT user_id FROM `+members+` WHERE role_id = $1`, roleID)
}

// PoliciesForRoles returns the policies of roleIDs. NULL router or action
// come back as empty wildcards.
func (r *Repository) PoliciesForRoles(ctx context.Context, tenant string, roleIDs []string) ([]Policy, error) {
	table, err := TenantTable(tenant, "policies")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, role_id, module, COALESCE(router, ''), COALESCE(action, ''), level
		FROM `+table+` WHERE role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, repositoryError(err)
	}
	defer rows.Close()
	var policies []Policy
	for rows.Next() {
		var (
			p     Policy
			level string
		)
		if err := rows.Scan(&p.ID, &p.RoleID, &p.Module, &p.Router, &p.Action, &level); err != nil {
			return nil, repositoryError(err)
		}
		// Unknown levels grant nothing.
		p.Level, _ = ParseLevel(level)
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, repositoryError(err)
	}
	return policies, nil
}

// RolesByID returns role metadata for roleIDs.
func (r *Repository) RolesByID(ctx context.Context, tenant string, roleIDs []string) ([]Role, error) {
	table, err := TenantTable(tenant, "roles")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, code, name, scope, is_system, is_immutable
		FROM `+table+` WHERE id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, repositoryError(err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var (
			role  Role
			scope string
		)
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &scope, &role.IsSystem, &role.IsImmutable); err != nil {
			return nil, repositoryError(err)
		}
		role.Scope = Scope(scope)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, repositoryError(err)
	}
	return roles, nil
}

// CompaniesForUser lists the companies userID belongs to.
func (r *Repository) CompaniesForUser(ctx context.Context, tenant, userID string) ([]string, error) {
	table, err := TenantTable(tenant, "company_members")
	if err != nil {
		return nil, err
	}
	return r.strings(ctx, `SELECT company_id FROM `+table+` WHERE user_id = $1`, userID)
}

// ProjectsForCompanies lists the projects owned by companyIDs.
func (r *Repository) ProjectsForCompanies(ctx context.Context, tenant string, companyIDs []string) ([]string, error) {
	table, err := TenantTable(tenant, "projects")
	if err != nil {
		return nil, err
	}
	return r.strings(ctx, `SELECT id FROM `+table+` WHERE company_id = ANY($1)`, companyIDs)
}

// ProjectsForUser lists the projects userID is assigned to.
func (r *Repository) ProjectsForUser(ctx context.Context, tenant, userID string) ([]string, error) {
	table, err := TenantTable(tenant, "project_members")
	if err != nil {
		return nil, err
	}
	return r.strings(ctx, `SELECT project_id FROM `+table+` WHERE user_id = $1`, userID)
}

// StateFiltersForRoles returns the status restrictions of roleIDs.
func (r *Repository) StateFiltersForRoles(ctx context.Context, tenant string, roleIDs []string) ([]StateFilter, error) {
	table, err := TenantTable(tenant, "state_filters")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT role_id, module, COALESCE(router, ''), visible_statuses
		FROM `+table+` WHERE role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, repositoryError(err)
	}
	defer rows.Close()
	var filters []StateFilter
	for rows.Next() {
		var f StateFilter
		if err := rows.Scan(&f.RoleID, &f.Module, &f.Router, &f.VisibleStatuses); err != nil {
			return nil, repositoryError(err)
		}
		filters = append(filters, f)
	}
	if err := rows.Err(); err != nil {
		return nil, repositoryError(err)
	}
	return filters, nil
}

// FieldGroupGrantsForRoles lists the field group ids granted to roleIDs.
func (r *Repository) FieldGroupGrantsForRoles(ctx context.Context, tenant string, roleIDs []string) ([]string, error) {
	table, err := TenantTable(tenant, "role_field_groups")
	if err != nil {
		return nil, err
	}
	return r.strings(ctx, `SELECT field_group_id FROM `+table+` WHERE role_id = ANY($1)`, roleIDs)
}

// FieldGroupsByIDs loads field group definitions.
func (r *Repository) FieldGroupsByIDs(ctx context.Context, tenant string, ids []string) ([]FieldGroup, error) {
	return r.fieldGroups(ctx, tenant, `id = ANY($1)`, ids)
}

// DefaultFieldGroups loads every default field group of the tenant.
func (r *Repository) DefaultFieldGroups(ctx context.Context, tenant string) ([]FieldGroup, error) {
	return r.fieldGroups(ctx, tenant, `is_default`)
}

func (r *Repository) fieldGroups(ctx context.Context, tenant, where string, args ...any) ([]FieldGroup, error) {
	table, err := TenantTable(tenant, "field_groups")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, module, COALESCE(router, ''), name, columns, is_default
		FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return nil, repositoryError(err)
	}
	defer rows.Close()
	var groups []FieldGroup
	for rows.Next() {
		var g FieldGroup
		if err := rows.Scan(&g.ID, &g.Module, &g.Router, &g.Name, &g.Columns, &g.IsDefault); err != nil {
			return nil, repositoryError(err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, repositoryError(err)
	}
	return groups, nil
}

func (r *Repository) strings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, repositoryError(err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, repositoryError(err)
	}
	return values, nil
}
