package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/domain"
)

type memStore struct {
	principals  map[string]domain.Principal
	roles       map[string]domain.Role
	delegations []domain.Delegation
}

func (m *memStore) GetPrincipal(_ context.Context, id string) (domain.Principal, error) {
	p, ok := m.principals[id]
	if !ok {
		return p, ErrUnknownPrincipal
	}
	return p, nil
}

func (m *memStore) GetRole(_ context.Context, code string) (domain.Role, error) {
	r, ok := m.roles[code]
	if !ok {
		return r, ErrUnknownPrincipal
	}
	return r, nil
}

func (m *memStore) ActiveDelegationsFor(_ context.Context, id string, asOf time.Time) ([]domain.Delegation, error) {
	var out []domain.Delegation
	for _, d := range m.delegations {
		if d.DelegateID == id && d.ActiveAt(asOf) {
			out = append(out, d)
		}
	}
	return out, nil
}

var (
	t0       = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	teamA    = []string{"acme", "emea", "berlin", "team-a"}
	teamB    = []string{"acme", "emea", "berlin", "team-b"}
	branchB  = []string{"acme", "emea", "berlin"}
	otherOrg = []string{"globex", "emea", "berlin", "team-a"}
)

func newStore() *memStore {
	return &memStore{
		principals: map[string]domain.Principal{
			"admin1": {ID: "admin1", RoleCode: "admin", UnitPath: []string{"acme"}},
			"mgr1":   {ID: "mgr1", RoleCode: "manager", UnitPath: branchB},
			"sup1":   {ID: "sup1", RoleCode: "supervisor", UnitPath: teamA},
			"sup2":   {ID: "sup2", RoleCode: "supervisor", UnitPath: teamB},
			"staff1": {ID: "staff1", RoleCode: "staff", UnitPath: teamA},
			"ghost":  {ID: "ghost", RoleCode: "nonexistent", UnitPath: teamA},
		},
		roles: map[string]domain.Role{
			"admin":      {Code: "admin", Level: 1, Permissions: []string{"workflow.approve.organization", "workflow.manage.organization"}},
			"manager":    {Code: "manager", Level: 3, Permissions: []string{"workflow.approve.branch", "task.create.branch"}},
			"supervisor": {Code: "supervisor", Level: 4, Permissions: []string{"workflow.approve.team", "task.create.team"}},
			"staff":      {Code: "staff", Level: 5, Permissions: []string{"task.create.own"}},
		},
	}
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("task.create.organization")
	require.NoError(t, err)
	assert.Equal(t, Permission{Resource: "task", Action: "create", Context: ContextOrganization}, p)
	assert.Equal(t, "task.create.organization", p.String())

	for _, bad := range []string{"", "task.create", "task.create.galaxy", "Task.create.own", "task..own", "a.b.c.d"} {
		_, err := ParsePermission(bad)
		assert.ErrorIs(t, err, ErrInvalidPermissionCode, bad)
	}
}

func TestContextLattice(t *testing.T) {
	order := []Context{ContextOwn, ContextTeam, ContextBranch, ContextRegion, ContextOrganization}
	for i, wide := range order {
		for j, narrow := range order {
			assert.Equal(t, i >= j, wide.Covers(narrow), "%s covers %s", wide, narrow)
		}
	}
	assert.Equal(t, ContextBranch, CeilingForLevel(3))
	assert.Equal(t, ContextOwn, CeilingForLevel(9))
}

func TestAuthorizeMalformedCode(t *testing.T) {
	r := Resolver{Store: newStore()}
	_, err := r.Authorize(context.Background(), "sup1", "workflow.approve", ResourceContext{}, t0)
	assert.True(t, errors.Is(err, ErrInvalidPermissionCode))
}

func TestAuthorizeFailsClosed(t *testing.T) {
	r := Resolver{Store: newStore()}
	for _, id := range []string{"nobody", "ghost"} {
		dec, err := r.Authorize(context.Background(), id, "workflow.approve.team", ResourceContext{}, t0)
		require.NoError(t, err)
		assert.False(t, dec.Allow, id)
	}
}

func TestAuthorizeContainment(t *testing.T) {
	r := Resolver{Store: newStore()}
	ctx := context.Background()
	cases := []struct {
		name      string
		principal string
		code      string
		rc        ResourceContext
		allow     bool
	}{
		{"team approver on own team", "sup1", "workflow.approve.team", ResourceContext{UnitPath: teamA}, true},
		{"team approver on other team", "sup1", "workflow.approve.team", ResourceContext{UnitPath: teamB}, false},
		{"team approver asked for branch", "sup1", "workflow.approve.branch", ResourceContext{UnitPath: teamA}, false},
		{"branch approver reaches team", "mgr1", "workflow.approve.team", ResourceContext{UnitPath: teamB}, true},
		{"branch approver on wider resource scope", "mgr1", "workflow.approve.team", ResourceContext{Context: ContextRegion, UnitPath: teamA}, false},
		{"organization reaches anything in org", "admin1", "workflow.approve.team", ResourceContext{UnitPath: teamB}, true},
		{"organization stops at org boundary", "admin1", "workflow.approve.team", ResourceContext{UnitPath: otherOrg}, false},
		{"missing resource+action", "sup1", "workflow.cancel.team", ResourceContext{UnitPath: teamA}, false},
		{"own on self", "staff1", "task.create.own", ResourceContext{OwnerID: "staff1"}, true},
		{"own on other", "staff1", "task.create.own", ResourceContext{OwnerID: "sup1"}, false},
		{"own without owner", "staff1", "task.create.own", ResourceContext{}, false},
		{"supervisor creates for team member", "sup1", "task.create.own", ResourceContext{OwnerID: "staff1"}, true},
		{"supervisor cannot create for other team", "sup2", "task.create.own", ResourceContext{OwnerID: "staff1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec, err := r.Authorize(ctx, tc.principal, tc.code, tc.rc, t0)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, dec.Allow, dec.Reason)
		})
	}
}

func TestAuthorizeMonotonicity(t *testing.T) {
	// Holding perm at a wide context grants narrower targets; holding only the
	// narrow context never grants the wide one.
	order := []Context{ContextTeam, ContextBranch, ContextRegion, ContextOrganization}
	for i, narrow := range order {
		for _, wide := range order[i+1:] {
			store := newStore()
			store.roles["wide"] = domain.Role{Code: "wide", Level: 1, Permissions: []string{"doc.read." + wide.String()}}
			store.roles["narrow"] = domain.Role{Code: "narrow", Level: 1, Permissions: []string{"doc.read." + narrow.String()}}
			store.principals["w"] = domain.Principal{ID: "w", RoleCode: "wide", UnitPath: teamA}
			store.principals["n"] = domain.Principal{ID: "n", RoleCode: "narrow", UnitPath: teamA}
			r := Resolver{Store: store}

			dec, err := r.Authorize(context.Background(), "w", "doc.read."+wide.String(), ResourceContext{Context: narrow, UnitPath: teamA}, t0)
			require.NoError(t, err)
			assert.True(t, dec.Allow)

			dec, err = r.Authorize(context.Background(), "n", "doc.read."+narrow.String(), ResourceContext{Context: wide, UnitPath: teamA}, t0)
			require.NoError(t, err)
			assert.False(t, dec.Allow, "%s must not reach %s", narrow, wide)
		}
	}
}

func TestAuthorizeThroughDelegation(t *testing.T) {
	store := newStore()
	store.delegations = []domain.Delegation{{
		ID: "d1", DelegatorID: "mgr1", DelegateID: "sup2",
		Filters:   []string{"expense"},
		ValidFrom: t0.Format(time.RFC3339), ValidUntil: t0.Add(7 * 24 * time.Hour).Format(time.RFC3339),
	}}
	r := Resolver{Store: store}
	ctx := context.Background()
	rc := ResourceContext{ResourceType: "expense", UnitPath: teamA}

	dec, err := r.Authorize(ctx, "sup2", "workflow.approve.branch", rc, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, dec.Allow)
	assert.Equal(t, "mgr1", dec.Via)

	dec, err = r.Authorize(ctx, "sup2", "workflow.approve.branch", rc, t0.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, dec.Allow, "expired delegation")

	dec, err = r.Authorize(ctx, "sup2", "workflow.approve.branch", ResourceContext{ResourceType: "purchase", UnitPath: teamA}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, dec.Allow, "filter excludes type")

	store.delegations[0].Revoked = true
	dec, err = r.Authorize(ctx, "sup2", "workflow.approve.branch", rc, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, dec.Allow, "revoked delegation")
}

func TestDelegationIsNotTransitive(t *testing.T) {
	store := newStore()
	window := func(id, from, to string) domain.Delegation {
		return domain.Delegation{ID: id, DelegatorID: from, DelegateID: to,
			ValidFrom: t0.Format(time.RFC3339), ValidUntil: t0.Add(24 * time.Hour).Format(time.RFC3339)}
	}
	store.delegations = []domain.Delegation{window("d1", "admin1", "mgr1"), window("d2", "mgr1", "sup1")}
	r := Resolver{Store: store}

	dec, err := r.Authorize(context.Background(), "sup1", "workflow.manage.organization", ResourceContext{}, t0)
	require.NoError(t, err)
	assert.False(t, dec.Allow)

	dec, err = r.Authorize(context.Background(), "mgr1", "workflow.manage.organization", ResourceContext{}, t0)
	require.NoError(t, err)
	assert.True(t, dec.Allow)
}

func TestDelegationSubsetNarrows(t *testing.T) {
	store := newStore()
	store.delegations = []domain.Delegation{{
		ID: "d1", DelegatorID: "mgr1", DelegateID: "staff1",
		Permissions: []string{"workflow.approve.team"},
		ValidFrom:   t0.Format(time.RFC3339), ValidUntil: t0.Add(time.Hour).Format(time.RFC3339),
	}}
	r := Resolver{Store: store}
	ctx := context.Background()

	dec, err := r.Authorize(ctx, "staff1", "workflow.approve.team", ResourceContext{ResourceType: "expense"}, t0)
	require.NoError(t, err)
	assert.True(t, dec.Allow)
	assert.Equal(t, "mgr1", dec.Via)

	dec, err = r.Authorize(ctx, "staff1", "workflow.approve.branch", ResourceContext{ResourceType: "expense"}, t0)
	require.NoError(t, err)
	assert.False(t, dec.Allow)

	dec, err = r.Authorize(ctx, "staff1", "task.create.branch", ResourceContext{UnitPath: teamB}, t0)
	require.NoError(t, err)
	assert.False(t, dec.Allow, "permission outside subset")
}

func TestValidateRole(t *testing.T) {
	assert.NoError(t, ValidateRole(domain.Role{Code: "manager", Level: 3, Permissions: []string{"workflow.approve.branch"}}))
	assert.Error(t, ValidateRole(domain.Role{Code: "manager", Level: 3, Permissions: []string{"workflow.approve.region"}}))
	assert.Error(t, ValidateRole(domain.Role{Code: "x", Level: 1, Ceiling: "team", Permissions: []string{"a.b.branch"}}))
	assert.Error(t, ValidateRole(domain.Role{Code: "x", Level: 0}))
	assert.Error(t, ValidateRole(domain.Role{Code: "x", Level: 2, Permissions: []string{"bogus"}}))
}

func TestOutranks(t *testing.T) {
	admin := domain.Role{Code: "admin", Level: 1}
	mgr := domain.Role{Code: "manager", Level: 3}
	assert.True(t, Outranks(admin, mgr))
	assert.False(t, Outranks(mgr, admin))
	assert.False(t, Outranks(mgr, mgr))
}

func TestHoldsAction(t *testing.T) {
	perms, err := ParseAll([]string{"workflow.start.own", "task.create.own"})
	require.NoError(t, err)
	src := Source{Permissions: perms}
	assert.True(t, HoldsAny(src, "workflow"))
	assert.True(t, HoldsAction(src, "workflow", "start"))
	assert.False(t, HoldsAction(src, "workflow", "approve"))
	assert.False(t, HoldsAction(src, "task", "approve"))
}
