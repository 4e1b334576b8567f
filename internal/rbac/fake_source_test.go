package rbac

import (
	"context"
	"errors"
	"sync"
)

var errBoom = errors.New("boom")

// memorySource is an in-memory Source for one tenant.
type memorySource struct {
	mu sync.Mutex

	members         map[string][]string // user -> roles
	roles           map[string]Role
	policies        []Policy
	companyMembers  map[string][]string // user -> companies
	companyProjects map[string][]string // company -> projects
	projectMembers  map[string][]string // user -> projects
	stateFilters    []StateFilter
	fieldGrants     map[string][]string // role -> field groups
	fieldGroups     map[string]FieldGroup

	failures map[string]error
	calls    map[string]int
}

func newMemorySource() *memorySource {
	return &memorySource{
		members:         map[string][]string{},
		roles:           map[string]Role{},
		companyMembers:  map[string][]string{},
		companyProjects: map[string][]string{},
		projectMembers:  map[string][]string{},
		fieldGrants:     map[string][]string{},
		fieldGroups:     map[string]FieldGroup{},
		failures:        map[string]error{},
		calls:           map[string]int{},
	}
}

func (s *memorySource) fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

func (s *memorySource) called(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *memorySource) enter(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.failures[method]
}

func (s *memorySource) addRole(role Role, users ...string) {
	s.roles[role.ID] = role
	for _, u := range users {
		s.members[u] = append(s.members[u], role.ID)
	}
}

func (s *memorySource) RolesForUser(ctx context.Context, tenant, userID string) ([]string, error) {
	if err := s.enter("RolesForUser"); err != nil {
		return nil, err
	}
	return append([]string(nil), s.members[userID]...), nil
}

func (s *memorySource) UsersForRole(ctx context.Context, tenant, roleID string) ([]string, error) {
	if err := s.enter("UsersForRole"); err != nil {
		return nil, err
	}
	var users []string
	for user, roles := range s.members {
		for _, r := range roles {
			if r == roleID {
				users = append(users, user)
			}
		}
	}
	return users, nil
}

func (s *memorySource) PoliciesForRoles(ctx context.Context, tenant string, roleIDs []string) ([]Policy, error) {
	if err := s.enter("PoliciesForRoles"); err != nil {
		return nil, err
	}
	var out []Policy
	for _, p := range s.policies {
		if contains(roleIDs, p.RoleID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memorySource) RolesByID(ctx context.Context, tenant string, roleIDs []string) ([]Role, error) {
	if err := s.enter("RolesByID"); err != nil {
		return nil, err
	}
	var out []Role
	for _, id := range roleIDs {
		if role, ok := s.roles[id]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (s *memorySource) CompaniesForUser(ctx context.Context, tenant, userID string) ([]string, error) {
	if err := s.enter("CompaniesForUser"); err != nil {
		return nil, err
	}
	return s.companyMembers[userID], nil
}

func (s *memorySource) ProjectsForCompanies(ctx context.Context, tenant string, companyIDs []string) ([]string, error) {
	if err := s.enter("ProjectsForCompanies"); err != nil {
		return nil, err
	}
	var out []string
	for _, c := range companyIDs {
		out = append(out, s.companyProjects[c]...)
	}
	return out, nil
}

func (s *memorySource) ProjectsForUser(ctx context.Context, tenant, userID string) ([]string, error) {
	if err := s.enter("ProjectsForUser"); err != nil {
		return nil, err
	}
	return s.projectMembers[userID], nil
}

func (s *memorySource) StateFiltersForRoles(ctx context.Context, tenant string, roleIDs []string) ([]StateFilter, error) {
	if err := s.enter("StateFiltersForRoles"); err != nil {
		return nil, err
	}
	var out []StateFilter
	for _, f := range s.stateFilters {
		if contains(roleIDs, f.RoleID) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memorySource) FieldGroupGrantsForRoles(ctx context.Context, tenant string, roleIDs []string) ([]string, error) {
	if err := s.enter("FieldGroupGrantsForRoles"); err != nil {
		return nil, err
	}
	var out []string
	for _, id := range roleIDs {
		out = append(out, s.fieldGrants[id]...)
	}
	return out, nil
}

func (s *memorySource) FieldGroupsByIDs(ctx context.Context, tenant string, ids []string) ([]FieldGroup, error) {
	if err := s.enter("FieldGroupsByIDs"); err != nil {
		return nil, err
	}
	var out []FieldGroup
	for _, id := range ids {
		if g, ok := s.fieldGroups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memorySource) DefaultFieldGroups(ctx context.Context, tenant string) ([]FieldGroup, error) {
	if err := s.enter("DefaultFieldGroups"); err != nil {
		return nil, err
	}
	var out []FieldGroup
	for _, g := range s.fieldGroups {
		if g.IsDefault {
			out = append(out, g)
		}
	}
	return out, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
