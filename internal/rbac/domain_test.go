package rbac

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLevelIsMostPermissive(t *testing.T) {
	levels := []Level{LevelNone, LevelView, LevelFull}
	for _, a := range levels {
		for _, b := range levels {
			got := MergeLevel(a, b)
			want := a
			if b.Order() > a.Order() {
				want = b
			}
			assert.Equal(t, want, got, "merge(%s, %s)", a, b)
			assert.Equal(t, got, MergeLevel(b, a), "merge must be commutative")
		}
	}
	assert.Equal(t, LevelNone, MergeLevel("bogus", "other"))
	assert.Equal(t, LevelView, MergeLevel("bogus", LevelView))
}

func TestParseLevelAndScope(t *testing.T) {
	level, err := ParseLevel(" FULL ")
	require.NoError(t, err)
	assert.Equal(t, LevelFull, level)

	_, err = ParseLevel("admin")
	require.Error(t, err)

	scope, err := ParseScope("assigned_companies")
	require.NoError(t, err)
	assert.Equal(t, ScopeAssignedCompanies, scope)

	_, err = ParseScope("everything")
	require.Error(t, err)
}

func TestResourceKeySpecificityOrder(t *testing.T) {
	key := ResourceKey{Module: "ar", Router: "ar-invoices", Action: "approve"}
	assert.Equal(t, []string{"ar::ar-invoices::approve", "ar::ar-invoices::", "ar::::"}, key.Keys())
	assert.Equal(t, "ar::ar-invoices", key.Resource())
}

func TestEffectiveLevelSpecificOverrideBeatsWildcard(t *testing.T) {
	caps := map[string]Level{
		"ar::::":                  LevelFull,
		"ar::ar-invoices::approve": LevelNone,
	}
	assert.Equal(t, LevelNone, EffectiveLevel(caps, ResourceKey{Module: "ar", Router: "ar-invoices", Action: "approve"}))
	assert.Equal(t, LevelFull, EffectiveLevel(caps, ResourceKey{Module: "ar", Router: "ar-invoices", Action: "void"}))
	assert.Equal(t, LevelNone, EffectiveLevel(caps, ResourceKey{Module: "ap"}))
}

func TestEffectiveLevelRouterWildcard(t *testing.T) {
	caps := map[string]Level{
		"ar::::":            LevelView,
		"ar::ar-invoices::": LevelFull,
		"ap::bills::":       "corrupt",
	}
	assert.Equal(t, LevelFull, EffectiveLevel(caps, ResourceKey{Module: "ar", Router: "ar-invoices", Action: "approve"}))
	assert.Equal(t, LevelView, EffectiveLevel(caps, ResourceKey{Module: "ar", Router: "ar-receipts"}))
	assert.Equal(t, LevelNone, EffectiveLevel(caps, ResourceKey{Module: "ap", Router: "bills"}))
}

func TestBuildCapsMergesAcrossRoles(t *testing.T) {
	caps := BuildCaps([]Policy{
		{RoleID: "r1", Module: "ar", Router: "ar-invoices", Level: LevelView},
		{RoleID: "r2", Module: "ar", Router: "ar-invoices", Level: LevelFull},
		{RoleID: "r2", Module: "ar", Router: "ar-invoices", Level: LevelNone},
		{RoleID: "r1", Module: "", Level: LevelFull},
		{RoleID: "r1", Module: "gl", Level: "weird"},
	})
	assert.Equal(t, map[string]Level{
		"ar::ar-invoices::": LevelFull,
		"gl::::":            LevelNone,
	}, caps)
}

func TestRequiredLevel(t *testing.T) {
	assert.Equal(t, LevelView, RequiredLevel(http.MethodGet, ""))
	assert.Equal(t, LevelView, RequiredLevel(http.MethodHead, ""))
	assert.Equal(t, LevelView, RequiredLevel(http.MethodOptions, ""))
	assert.Equal(t, LevelFull, RequiredLevel(http.MethodPost, ""))
	assert.Equal(t, LevelFull, RequiredLevel(http.MethodDelete, ""))
	assert.Equal(t, LevelFull, RequiredLevel(http.MethodGet, LevelFull))
	assert.Equal(t, LevelView, RequiredLevel(http.MethodPatch, LevelView))
}

func TestWinningScopeIsBroadest(t *testing.T) {
	tests := []struct {
		name  string
		roles []Role
		want  Scope
	}{
		{"none", nil, ScopeAllProjects},
		{"projects only", []Role{{Scope: ScopeAssignedProjects}}, ScopeAssignedProjects},
		{"companies beat projects", []Role{{Scope: ScopeAssignedProjects}, {Scope: ScopeAssignedCompanies}}, ScopeAssignedCompanies},
		{"all beats everything", []Role{{Scope: ScopeAssignedCompanies}, {Scope: ScopeAllProjects}, {Scope: ScopeAssignedProjects}}, ScopeAllProjects},
		{"invalid ignored", []Role{{Scope: "galaxy"}, {Scope: ScopeAssignedProjects}}, ScopeAssignedProjects},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WinningScope(tc.roles))
		})
	}
}

func TestCanonHashIgnoresOrdering(t *testing.T) {
	a := Canon{
		Caps:         map[string]Level{"ar::::": LevelView, "gl::::": LevelFull},
		Scope:        ScopeAssignedProjects,
		ProjectIDs:   []string{"p2", "p1"},
		StateFilters: map[string][]string{"ar::ar-invoices": {"sent", "draft"}},
		FieldGroups:  map[string][]string{},
	}
	b := Canon{
		Caps:         map[string]Level{"gl::::": LevelFull, "ar::::": LevelView},
		Scope:        ScopeAssignedProjects,
		ProjectIDs:   []string{"p1", "p2"},
		StateFilters: map[string][]string{"ar::ar-invoices": {"draft", "sent"}},
		FieldGroups:  map[string][]string{},
	}
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)

	b.ProjectIDs = nil
	assert.NotEqual(t, a.Hash(), b.Hash(), "unfiltered and filtered canons must differ")

	empty := a
	empty.ProjectIDs = []string{}
	assert.NotEqual(t, empty.Hash(), b.Hash(), "empty list and nil list must differ")
}

func TestMergeStateFiltersUnion(t *testing.T) {
	got := MergeStateFilters([]StateFilter{
		{RoleID: "r1", Module: "ar", Router: "ar-invoices", VisibleStatuses: []string{"draft", "sent"}},
		{RoleID: "r2", Module: "ar", Router: "ar-invoices", VisibleStatuses: []string{"paid", "sent"}},
		{RoleID: "r2", Module: "ap", Router: "bills", VisibleStatuses: []string{"open"}},
	})
	assert.Equal(t, map[string][]string{
		"ar::ar-invoices": {"draft", "paid", "sent"},
		"ap::bills":       {"open"},
	}, got)
}

func TestMergeFieldGroupsAddsDefaultsOnlyForGrantedKeys(t *testing.T) {
	granted := []FieldGroup{
		{ID: "g1", Module: "ar", Router: "ar-invoices", Columns: []string{"amount", "due_date"}},
		{ID: "g2", Module: "ar", Router: "ar-invoices", Columns: []string{"amount", "notes"}},
	}
	defaults := []FieldGroup{
		{ID: "d1", Module: "ar", Router: "ar-invoices", Columns: []string{"number"}, IsDefault: true},
		{ID: "d2", Module: "ap", Router: "bills", Columns: []string{"number"}, IsDefault: true},
	}
	got := MergeFieldGroups(granted, defaults)
	assert.Equal(t, map[string][]string{
		"ar::ar-invoices": {"amount", "due_date", "notes", "number"},
	}, got)
}
