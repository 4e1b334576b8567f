package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/silverstone-i/nap-sub000/internal/platform/db"
	"github.com/silverstone-i/nap-sub000/internal/rbac"
)

// PostgresRepository provides PostgreSQL backed persistence in per-tenant schemas.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var _ Repository = (*PostgresRepository)(nil)

// GetRole loads an active role.
func (r *PostgresRepository) GetRole(ctx context.Context, tenant, id string) (rbac.Role, error) {
	table, err := rbac.TenantTable(tenant, "roles")
	if err != nil {
		return rbac.Role{}, err
	}
	var (
		role  rbac.Role
		scope string
	)
	err = r.pool.QueryRow(ctx, `SELECT id, code, name, scope, is_system, is_immutable FROM `+table+`
		WHERE id = $1 AND archived_at IS NULL`, id).
		Scan(&role.ID, &role.Code, &role.Name, &scope, &role.IsSystem, &role.IsImmutable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.Role{}, ErrNotFound
		}
		return rbac.Role{}, err
	}
	role.Scope = rbac.Scope(scope)
	return role, nil
}

// CreateRole inserts a new role.
func (r *PostgresRepository) CreateRole(ctx context.Context, tenant string, role rbac.Role) error {
	table, err := rbac.TenantTable(tenant, "roles")
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO `+table+` (id, code, name, scope, is_system, is_immutable)
		VALUES ($1, $2, $3, $4, $5, $6)`, role.ID, role.Code, role.Name, string(role.Scope), role.IsSystem, role.IsImmutable)
	return mapWriteError(err)
}

// RenameRole updates the role name.
func (r *PostgresRepository) RenameRole(ctx context.Context, tenant, id, name string) error {
	return r.execOne(ctx, tenant, "roles", `UPDATE %s SET name = $2, updated_at = NOW() WHERE id = $1 AND archived_at IS NULL`, id, name)
}

// SetRoleScope updates the role scope.
func (r *PostgresRepository) SetRoleScope(ctx context.Context, tenant, id string, scope rbac.Scope) error {
	return r.execOne(ctx, tenant, "roles", `UPDATE %s SET scope = $2, updated_at = NOW() WHERE id = $1 AND archived_at IS NULL`, id, string(scope))
}

// ArchiveRole marks the role archived.
func (r *PostgresRepository) ArchiveRole(ctx context.Context, tenant, id string) error {
	return r.execOne(ctx, tenant, "roles", `UPDATE %s SET archived_at = NOW(), updated_at = NOW() WHERE id = $1 AND archived_at IS NULL`, id)
}

// AddPolicy inserts a policy. Empty router/action are stored as NULL wildcards.
func (r *PostgresRepository) AddPolicy(ctx context.Context, tenant string, p rbac.Policy) error {
	table, err := rbac.TenantTable(tenant, "policies")
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO `+table+` (id, role_id, module, router, action, level)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`, p.ID, p.RoleID, p.Module, p.Router, p.Action, string(p.Level))
	return mapWriteError(err)
}

// RemovePolicy deletes a policy of the role.
func (r *PostgresRepository) RemovePolicy(ctx context.Context, tenant, roleID, policyID string) error {
	return r.execOne(ctx, tenant, "policies", `DELETE FROM %s WHERE id = $2 AND role_id = $1`, roleID, policyID)
}

// SetStateFilter upserts or, for an empty status list, deletes a state filter.
func (r *PostgresRepository) SetStateFilter(ctx context.Context, tenant string, f rbac.StateFilter) error {
	table, err := rbac.TenantTable(tenant, "state_filters")
	if err != nil {
		return err
	}
	if len(f.VisibleStatuses) == 0 {
		_, err = r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE role_id = $1 AND module = $2 AND router = $3`, f.RoleID, f.Module, f.Router)
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO `+table+` (role_id, module, router, visible_statuses)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (role_id, module, router) DO UPDATE SET visible_statuses = EXCLUDED.visible_statuses`,
		f.RoleID, f.Module, f.Router, f.VisibleStatuses)
	return mapWriteError(err)
}

// GrantFieldGroup inserts a field group grant; granting twice is a no-op.
func (r *PostgresRepository) GrantFieldGroup(ctx context.Context, tenant, roleID, fieldGroupID string) error {
	table, err := rbac.TenantTable(tenant, "role_field_groups")
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO `+table+` (role_id, field_group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, fieldGroupID)
	return mapWriteError(err)
}

// RevokeFieldGroup deletes a field group grant.
func (r *PostgresRepository) RevokeFieldGroup(ctx context.Context, tenant, roleID, fieldGroupID string) error {
	return r.execOne(ctx, tenant, "role_field_groups", `DELETE FROM %s WHERE role_id = $1 AND field_group_id = $2`, roleID, fieldGroupID)
}

// AddMember assigns a role to a user; assigning twice is a no-op.
func (r *PostgresRepository) AddMember(ctx context.Context, tenant, roleID, userID string) error {
	table, err := rbac.TenantTable(tenant, "role_members")
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO `+table+` (role_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, userID)
	return mapWriteError(err)
}

// RemoveMember unassigns a role.
func (r *PostgresRepository) RemoveMember(ctx context.Context, tenant, roleID, userID string) error {
	return r.execOne(ctx, tenant, "role_members", `DELETE FROM %s WHERE role_id = $1 AND user_id = $2`, roleID, userID)
}

// ReplaceMembers swaps the member set in one transaction.
func (r *PostgresRepository) ReplaceMembers(ctx context.Context, tenant, roleID string, userIDs []string) ([]string, error) {
	table, err := rbac.TenantTable(tenant, "role_members")
	if err != nil {
		return nil, err
	}
	var before []string
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT user_id FROM `+table+` WHERE role_id = $1 FOR UPDATE`, roleID)
		if err != nil {
			return err
		}
		before, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE role_id = $1 AND NOT (user_id = ANY($2))`, roleID, userIDs); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO `+table+` (role_id, user_id)
			SELECT $1, u FROM unnest($2::text[]) AS u ON CONFLICT DO NOTHING`, roleID, userIDs)
		return err
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	return before, nil
}

func (r *PostgresRepository) execOne(ctx context.Context, tenant, tableName, query string, args ...any) error {
	table, err := rbac.TenantTable(tenant, tableName)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(query, table), args...)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return err
}
