package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrRepositoryUnavailable wraps any failure reading authorization data.
	ErrRepositoryUnavailable = errors.New("rbac: repository unavailable")
	// ErrCacheUnavailable wraps failures of the canon cache store.
	ErrCacheUnavailable = errors.New("rbac: cache unavailable")
)

// Resolver aggregates roles, policies, scopes, state filters and field groups
// into a Canon.
type Resolver struct {
	source Source
	logger *slog.Logger
}

// NewResolver constructs a Resolver reading from source.
func NewResolver(source Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve builds the canon of userID in tenant. A failure to read role
// memberships aborts resolution. A failure in any other layer leaves that layer
// at its default and marks the canon Degraded; degraded canons are never cached
// and Enforce refuses to decide on them.
func (r *Resolver) Resolve(ctx context.Context, tenant, userID string) (Canon, error) {
	roleIDs, err := r.source.RolesForUser(ctx, tenant, userID)
	if err != nil {
		return Canon{}, fmt.Errorf("rbac: resolve memberships: %w", repositoryError(err))
	}
	roleIDs = uniqueSorted(roleIDs)
	if len(roleIDs) == 0 {
		return EmptyCanon(), nil
	}

	canon := EmptyCanon()
	var capsErr, scopeErr, stateErr, fgsErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		canon.Caps, capsErr = r.resolveCaps(gctx, tenant, roleIDs)
		return capsErr
	})
	g.Go(func() error {
		canon.Scope, canon.ProjectIDs, canon.CompanyIDs, scopeErr = r.resolveScope(gctx, tenant, userID, roleIDs)
		return scopeErr
	})
	g.Go(func() error {
		canon.StateFilters, stateErr = r.resolveStateFilters(gctx, tenant, roleIDs)
		return stateErr
	})
	g.Go(func() error {
		canon.FieldGroups, fgsErr = r.resolveFieldGroups(gctx, tenant, roleIDs)
		return fgsErr
	})
	// A failing layer cancels its siblings; the canon is degraded either way.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Canon{}, err
	}

	layers := []struct {
		name string
		err  error
	}{{"caps", capsErr}, {"scope", scopeErr}, {"state_filters", stateErr}, {"field_groups", fgsErr}}
	for _, layer := range layers {
		if layer.err == nil {
			continue
		}
		canon.Degraded = true
		r.logger.Warn("rbac layer defaulted",
			slog.String("layer", layer.name),
			slog.String("tenant", tenant),
			slog.String("user_id", userID),
			slog.Any("error", layer.err))
	}
	return canon, nil
}

func (r *Resolver) resolveCaps(ctx context.Context, tenant string, roleIDs []string) (map[string]Level, error) {
	policies, err := r.source.PoliciesForRoles(ctx, tenant, roleIDs)
	if err != nil {
		return map[string]Level{}, err
	}
	return BuildCaps(policies), nil
}

// resolveScope computes the winning scope and its id lists. A failure to read
// role metadata falls back to the broadest scope; a failure to read
// memberships once the scope is known leaves the user with no assignments.
func (r *Resolver) resolveScope(ctx context.Context, tenant, userID string, roleIDs []string) (Scope, []string, []string, error) {
	roles, err := r.source.RolesByID(ctx, tenant, roleIDs)
	if err != nil {
		return ScopeAllProjects, nil, nil, err
	}
	scope := WinningScope(roles)

	switch scope {
	case ScopeAssignedCompanies:
		companies, err := r.source.CompaniesForUser(ctx, tenant, userID)
		if err != nil {
			return scope, []string{}, []string{}, err
		}
		companyIDs := uniqueSorted(companies)
		if len(companyIDs) == 0 {
			return scope, []string{}, companyIDs, nil
		}
		projects, err := r.source.ProjectsForCompanies(ctx, tenant, companyIDs)
		if err != nil {
			return scope, []string{}, companyIDs, err
		}
		return scope, uniqueSorted(projects), companyIDs, nil
	case ScopeAssignedProjects:
		projects, err := r.source.ProjectsForUser(ctx, tenant, userID)
		if err != nil {
			return scope, []string{}, nil, err
		}
		return scope, uniqueSorted(projects), nil, nil
	default:
		return ScopeAllProjects, nil, nil, nil
	}
}

func (r *Resolver) resolveStateFilters(ctx context.Context, tenant string, roleIDs []string) (map[string][]string, error) {
	filters, err := r.source.StateFiltersForRoles(ctx, tenant, roleIDs)
	if err != nil {
		return map[string][]string{}, err
	}
	return MergeStateFilters(filters), nil
}

func (r *Resolver) resolveFieldGroups(ctx context.Context, tenant string, roleIDs []string) (map[string][]string, error) {
	groupIDs, err := r.source.FieldGroupGrantsForRoles(ctx, tenant, roleIDs)
	if err != nil {
		return map[string][]string{}, err
	}
	groupIDs = uniqueSorted(groupIDs)
	if len(groupIDs) == 0 {
		return map[string][]string{}, nil
	}
	granted, err := r.source.FieldGroupsByIDs(ctx, tenant, groupIDs)
	if err != nil {
		return map[string][]string{}, err
	}
	if len(granted) == 0 {
		return map[string][]string{}, nil
	}
	defaults, err := r.source.DefaultFieldGroups(ctx, tenant)
	if err != nil {
		// Explicit grants still narrow the columns; only the default
		// groups are missing.
		return MergeFieldGroups(granted, nil), err
	}
	return MergeFieldGroups(granted, defaults), nil
}

// WinningScope returns the broadest scope among roles. Roles without a valid
// scope are ignored; with none left the column default, all_projects, applies.
func WinningScope(roles []Role) Scope {
	var winner Scope
	for _, role := range roles {
		if !role.Scope.Valid() {
			continue
		}
		winner = BroadestScope(winner, role.Scope)
	}
	if winner == "" {
		return ScopeAllProjects
	}
	return winner
}

// MergeStateFilters unions the visible statuses per "module::router".
func MergeStateFilters(filters []StateFilter) map[string][]string {
	collected := make(map[string][]string)
	for _, f := range filters {
		key := resourceKey(f.Module, f.Router)
		collected[key] = append(collected[key], f.VisibleStatuses...)
	}
	out := make(map[string][]string, len(collected))
	for key, statuses := range collected {
		out[key] = uniqueSorted(statuses)
	}
	return out
}

// MergeFieldGroups unions granted columns per "module::router" and, for keys
// with at least one explicit grant, the columns of default groups.
func MergeFieldGroups(granted, defaults []FieldGroup) map[string][]string {
	collected := make(map[string][]string)
	for _, g := range granted {
		key := resourceKey(g.Module, g.Router)
		collected[key] = append(collected[key], g.Columns...)
	}
	for _, d := range defaults {
		if !d.IsDefault {
			continue
		}
		key := resourceKey(d.Module, d.Router)
		if _, ok := collected[key]; !ok {
			continue
		}
		collected[key] = append(collected[key], d.Columns...)
	}
	out := make(map[string][]string, len(collected))
	for key, cols := range collected {
		out[key] = uniqueSorted(cols)
	}
	return out
}

func repositoryError(err error) error {
	if errors.Is(err, ErrRepositoryUnavailable) || errors.Is(err, ErrInvalidTenant) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
}
