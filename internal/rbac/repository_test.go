package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantTableQuotesValidTenants(t *testing.T) {
	table, err := TenantTable("acme_01", "role_members")
	require.NoError(t, err)
	assert.Equal(t, `"acme_01"."role_members"`, table)

	for _, bad := range []string{"", "Acme", "1acme", `acme"; drop`, "a-b"} {
		_, err := TenantTable(bad, "roles")
		assert.ErrorIs(t, err, ErrInvalidTenant, bad)
	}
}

func TestRepositoryRejectsInvalidTenantBeforeQuerying(t *testing.T) {
	repo := NewRepository(nil)
	_, err := repo.RolesForUser(context.Background(), "not valid", "u1")
	require.ErrorIs(t, err, ErrInvalidTenant)

	_, err = NewResolver(repo, nil).Resolve(context.Background(), "not valid", "u1")
	require.ErrorIs(t, err, ErrInvalidTenant)
	assert.NotErrorIs(t, err, ErrRepositoryUnavailable)
	_, err = repo.DefaultFieldGroups(context.Background(), "../etc")
	require.Error(t, err)
}
