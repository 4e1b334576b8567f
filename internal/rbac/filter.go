package rbac

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// QueryContext is the canon projected onto one (module, router) resource.
// Nil slices mean "no restriction".
type QueryContext struct {
	Bypass          bool
	Scope           Scope
	ProjectIDs      []string
	CompanyIDs      []string
	VisibleStatuses []string
	AllowedColumns  []string
}

// BuildQueryContext projects canon onto a resource. It performs no I/O.
func BuildQueryContext(canon Canon, module, router string) QueryContext {
	key := resourceKey(module, router)
	qc := QueryContext{
		Scope:      canon.Scope,
		ProjectIDs: cloneStrings(canon.ProjectIDs),
		CompanyIDs: cloneStrings(canon.CompanyIDs),
	}
	if !qc.Scope.Valid() {
		qc.Scope = ScopeAllProjects
	}
	if statuses, ok := canon.StateFilters[key]; ok {
		qc.VisibleStatuses = nonNil(cloneStrings(statuses))
	}
	if cols, ok := canon.FieldGroups[key]; ok {
		qc.AllowedColumns = nonNil(cloneStrings(cols))
	}
	return qc
}

// BypassQueryContext is used for bypass roles; it restricts nothing.
func BypassQueryContext() QueryContext {
	return QueryContext{Bypass: true, Scope: ScopeAllProjects}
}

// ResourceSpec describes the columns of a table the result filter needs.
// Empty column names mean the resource has no such column.
type ResourceSpec struct {
	PrimaryKey    string
	ProjectColumn string
	CompanyColumn string
	StatusColumn  string
}

func (s ResourceSpec) primaryKey() string {
	if s.PrimaryKey == "" {
		return "id"
	}
	return s.PrimaryKey
}

// denyAllPredicate matches no row. It is emitted when a restricted scope meets
// a resource without a column to restrict on.
const denyAllPredicate = "FALSE"

// RowPredicates returns SQL predicates (to be AND-ed) and their arguments for
// a list query. Placeholders start after argOffset existing arguments.
func RowPredicates(spec ResourceSpec, qc QueryContext, argOffset int) ([]string, []any) {
	if qc.Bypass {
		return nil, nil
	}
	var (
		clauses []string
		args    []any
	)
	add := func(column string, values []string) {
		args = append(args, values)
		clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", pgx.Identifier{column}.Sanitize(), argOffset+len(args)))
	}

	switch qc.Scope {
	case ScopeAssignedProjects:
		switch {
		case qc.ProjectIDs == nil:
		case spec.ProjectColumn != "":
			add(spec.ProjectColumn, qc.ProjectIDs)
		default:
			clauses = append(clauses, denyAllPredicate)
		}
	case ScopeAssignedCompanies:
		switch {
		case spec.CompanyColumn != "" && qc.CompanyIDs != nil:
			add(spec.CompanyColumn, qc.CompanyIDs)
		case spec.ProjectColumn != "" && qc.ProjectIDs != nil:
			add(spec.ProjectColumn, qc.ProjectIDs)
		case qc.CompanyIDs != nil || qc.ProjectIDs != nil:
			clauses = append(clauses, denyAllPredicate)
		}
	}

	if qc.VisibleStatuses != nil && spec.StatusColumn != "" {
		add(spec.StatusColumn, qc.VisibleStatuses)
	}
	return clauses, args
}

// NarrowColumns intersects the caller's column whitelist with the allowed
// columns. The primary key is always kept, so the result is never empty when
// a restriction applies. An empty requested list asks for every visible column.
func NarrowColumns(spec ResourceSpec, qc QueryContext, requested []string) []string {
	if qc.Bypass || qc.AllowedColumns == nil {
		return cloneStrings(requested)
	}
	pk := spec.primaryKey()
	allowed := make(map[string]struct{}, len(qc.AllowedColumns))
	for _, c := range qc.AllowedColumns {
		allowed[c] = struct{}{}
	}

	source := requested
	if len(source) == 0 {
		source = qc.AllowedColumns
	}
	out := []string{pk}
	seen := map[string]struct{}{pk: {}}
	for _, c := range source {
		if _, ok := allowed[c]; !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// FilterRecord strips every key of a single record that is neither allowed
// nor the primary key. The input map is not modified.
func FilterRecord(spec ResourceSpec, qc QueryContext, record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	if qc.Bypass || qc.AllowedColumns == nil {
		for k, v := range record {
			out[k] = v
		}
		return out
	}
	pk := spec.primaryKey()
	allowed := make(map[string]struct{}, len(qc.AllowedColumns)+1)
	allowed[pk] = struct{}{}
	for _, c := range qc.AllowedColumns {
		allowed[c] = struct{}{}
	}
	for k, v := range record {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
