package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/silverstone-i/nap-sub000/internal/rbac"
)

// Service applies role administration mutations and keeps cached canons
// coherent by invalidating every affected user afterwards.
type Service struct {
	repo        Repository
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService builds Service instance.
func NewService(repo Repository, invalidator Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invalidator: invalidator, logger: logger}
}

// CreateRole inserts a new role. New roles have no members, so nothing is invalidated.
func (s *Service) CreateRole(ctx context.Context, tenant string, in CreateRoleInput) (rbac.Role, error) {
	scope, err := rbac.ParseScope(in.Scope)
	if err != nil {
		return rbac.Role{}, err
	}
	role := rbac.Role{
		ID:    uuid.NewString(),
		Code:  strings.ToLower(strings.TrimSpace(in.Code)),
		Name:  strings.TrimSpace(in.Name),
		Scope: scope,
	}
	if err := s.repo.CreateRole(ctx, tenant, role); err != nil {
		return rbac.Role{}, err
	}
	s.logger.Info("role created", slog.String("tenant", tenant), slog.String("role_id", role.ID), slog.String("code", role.Code))
	return role, nil
}

// RenameRole changes the display name of a mutable role.
func (s *Service) RenameRole(ctx context.Context, tenant, roleID string, in UpdateRoleInput) error {
	if _, err := s.mutableRole(ctx, tenant, roleID); err != nil {
		return err
	}
	return s.repo.RenameRole(ctx, tenant, roleID, strings.TrimSpace(in.Name))
}

// SetScope changes the row visibility of a mutable role.
func (s *Service) SetScope(ctx context.Context, tenant, roleID string, in ScopeInput) error {
	scope, err := rbac.ParseScope(in.Scope)
	if err != nil {
		return err
	}
	role, err := s.mutableRole(ctx, tenant, roleID)
	if err != nil {
		return err
	}
	if role.Scope == scope {
		return nil
	}
	if err := s.repo.SetRoleScope(ctx, tenant, roleID, scope); err != nil {
		return err
	}
	s.invalidator.InvalidateRole(ctx, tenant, roleID)
	return nil
}

// ArchiveRole retires a role. System roles cannot be archived.
func (s *Service) ArchiveRole(ctx context.Context, tenant, roleID string) error {
	role, err := s.repo.GetRole(ctx, tenant, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	if role.IsImmutable {
		return ErrImmutableRole
	}
	if err := s.repo.ArchiveRole(ctx, tenant, roleID); err != nil {
		return err
	}
	// Memberships survive archival, so the holders can still be found.
	s.invalidator.InvalidateRole(ctx, tenant, roleID)
	return nil
}

// AddPolicy grants a capability to a role.
func (s *Service) AddPolicy(ctx context.Context, tenant, roleID string, in PolicyInput) (rbac.Policy, error) {
	level, err := rbac.ParseLevel(in.Level)
	if err != nil {
		return rbac.Policy{}, err
	}
	if _, err := s.mutableRole(ctx, tenant, roleID); err != nil {
		return rbac.Policy{}, err
	}
	policy := rbac.Policy{
		ID:     uuid.NewString(),
		RoleID: roleID,
		Module: strings.TrimSpace(in.Module),
		Router: strings.TrimSpace(in.Router),
		Action: strings.TrimSpace(in.Action),
		Level:  level,
	}
	if err := s.repo.AddPolicy(ctx, tenant, policy); err != nil {
		return rbac.Policy{}, err
	}
	s.invalidator.InvalidateRole(ctx, tenant, roleID)
	return policy, nil
}

// RemovePolicy revokes a capability from a role.
func (s *Service) RemovePolicy(ctx context.Context, tenant, roleID, policyID string) error {
	if _, err := s.mutableRole(ctx, tenant, roleID); err != nil {
		return err
	}
	if err := s.repo.RemovePolicy(ctx, tenant, roleID, policyID); err != nil {
		return err
	}
	s.invalidator.InvalidateRole(ctx, tenant, roleID)
	return nil
}

// SetStateFilter replaces the visible statuses of a role on one resource.
func (s *Service) SetStateFilter(ctx context.Context, tenant, roleID string, in StateFilterInput) error {
	if _, err := s.mutableRole(ctx, tenant, roleID); err != nil {
		return err
	}
	filter := rbac.StateFilter{
		RoleID:          roleID,
		Module:          strings.TrimSpace(in.Module),
		Router:          strings.TrimSpace(in.Router),
		VisibleStatuses: in.VisibleStatuses,
	}
	if err := s.repo.SetStateFilter(ctx, tenant, filter); err != nil {
		return err
	}
	s.invalidator.InvalidateRole(ctx, tenant, roleID)
	return nil
}

// GrantFieldGroup makes a field group visible to the role's holders.
func (s *Service) GrantFieldGroup(ctx context.Context, tenant, roleID, fieldGroupID string) error {
	if _, err := s.mutableRole(ctx, tenant, roleID); err != nil {
		return err
	}
	if err := s.repo.GrantFieldGroup(ctx, tenant, roleID, fieldGroupID); err != nil {
		return err
	}
	s.invalidator.InvalidateRole(ctx, tenant, roleID)
	return nil
}

// RevokeFieldGroup removes a field group grant.
func (s *Service) RevokeFieldGroup(ctx context.Context, tenant, roleID, fieldGroupID string) error {
	if _, err := s.mutableRole(ctx, tenant, roleID); err != nil {
		return err
	}
	if err := s.repo.RevokeFieldGroup(ctx, tenant, roleID, fieldGroupID); err != nil {
		return err
	}
	s.invalidator.InvalidateRole(ctx, tenant, roleID)
	return nil
}

// AddMember assigns the role to a user. Membership changes are allowed on
// immutable roles.
func (s *Service) AddMember(ctx context.Context, tenant, roleID, userID string) error {
	if _, err := s.repo.GetRole(ctx, tenant, roleID); err != nil {
		return err
	}
	if err := s.repo.AddMember(ctx, tenant, roleID, userID); err != nil {
		return err
	}
	s.invalidator.InvalidateUser(ctx, tenant, userID)
	return nil
}

// RemoveMember unassigns the role from a user.
func (s *Service) RemoveMember(ctx context.Context, tenant, roleID, userID string) error {
	if err := s.repo.RemoveMember(ctx, tenant, roleID, userID); err != nil {
		return err
	}
	s.invalidator.InvalidateUser(ctx, tenant, userID)
	return nil
}

// SyncMembers replaces the member set of a role and invalidates every user
// that gained or lost it.
func (s *Service) SyncMembers(ctx context.Context, tenant, roleID string, in MembersInput) error {
	if _, err := s.repo.GetRole(ctx, tenant, roleID); err != nil {
		return err
	}
	after := dedupe(in.UserIDs)
	before, err := s.repo.ReplaceMembers(ctx, tenant, roleID, after)
	if err != nil {
		return fmt.Errorf("roles: sync members: %w", err)
	}
	s.invalidator.SyncRoleMembers(ctx, tenant, before, after)
	return nil
}

func (s *Service) mutableRole(ctx context.Context, tenant, roleID string) (rbac.Role, error) {
	role, err := s.repo.GetRole(ctx, tenant, roleID)
	if err != nil {
		return rbac.Role{}, err
	}
	if role.IsImmutable {
		return rbac.Role{}, ErrImmutableRole
	}
	return role, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
