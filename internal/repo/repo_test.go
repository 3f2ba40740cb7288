package repo_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.OpenFile(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func seedPrincipals(t *testing.T, r repo.Repo, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.UpsertRole(ctx, nil, domain.Role{Code: "manager", Level: 3, Ceiling: "branch", Permissions: []string{"workflow.approve.branch"}}))
	for _, id := range ids {
		require.NoError(t, r.UpsertPrincipal(ctx, nil, domain.Principal{
			ID: id, RoleCode: "manager", UnitPath: []string{"acme"}, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
		}))
	}
}

func seedInstance(t *testing.T, r repo.Repo) domain.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.UpsertRole(ctx, nil, domain.Role{Code: "manager", Level: 3, Ceiling: "branch", Permissions: []string{"workflow.approve.branch"}}))
	tpl := domain.WorkflowTemplate{
		ID: "tpl-1", Name: "Expense", ResourceType: "expense", Version: 1, Active: true, CreatedBy: "system",
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
		Steps: []domain.TemplateStep{{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: "all", TimeoutHours: 4}},
	}
	require.NoError(t, r.InsertTemplate(ctx, nil, tpl))
	due := "2024-01-01T04:00:00Z"
	inst := domain.WorkflowInstance{
		ID: "inst-1", TemplateID: tpl.ID, TemplateVersion: 1, ResourceID: "exp-9", ResourceType: "expense",
		CreatedBy: "staff1", UnitPath: []string{"acme", "emea"}, Status: domain.StatusInProgress, CurrentStep: 1,
		StartedAt: "2024-01-01T00:00:00Z", StepStartedAt: "2024-01-01T00:00:00Z", DueAt: &due, Version: 1, Steps: tpl.Steps,
	}
	require.NoError(t, r.InsertInstance(ctx, nil, inst))
	return inst
}

func TestUpdateInstanceStateGuardsVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	inst := seedInstance(t, r)

	next := inst
	next.Status = domain.StatusEscalated
	ok, err := r.UpdateInstanceState(ctx, nil, next, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.UpdateInstanceState(ctx, nil, next, 1)
	require.NoError(t, err)
	assert.False(t, ok, "second write with the old version must lose")

	stored, err := r.GetInstance(ctx, nil, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, domain.StatusEscalated, stored.Status)
	assert.Equal(t, []string{"acme", "emea"}, stored.UnitPath)
	require.Len(t, stored.Steps, 1)
}

func TestDecisionLogIsOrdered(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	inst := seedInstance(t, r)
	sup := "sup1"
	for i, actor := range []string{"mgr1", "mgr2", "delegate"} {
		d := domain.DecisionEntry{ID: actor, InstanceID: inst.ID, StepNumber: 1, Action: "approve", ActorID: actor, CreatedAt: "2024-01-01T01:00:00Z"}
		if i == 2 {
			d.OnBehalfOf = &sup
		}
		require.NoError(t, r.AppendDecision(ctx, nil, d))
	}
	log, err := r.ListDecisions(ctx, nil, inst.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, "mgr1", log[0].ActorID)
	assert.Nil(t, log[0].OnBehalfOf)
	require.NotNil(t, log[2].OnBehalfOf)
	assert.Equal(t, "sup1", *log[2].OnBehalfOf)
}

func TestListInstancesFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedInstance(t, r)

	due, err := r.ListInstances(ctx, nil, repo.InstanceFilters{OpenOnly: true, DueBefore: "2024-01-01T05:00:00Z"}, false)
	require.NoError(t, err)
	assert.Len(t, due, 1)
	due, err = r.ListInstances(ctx, nil, repo.InstanceFilters{OpenOnly: true, DueBefore: "2024-01-01T03:00:00Z"}, false)
	require.NoError(t, err)
	assert.Empty(t, due)

	counts, err := r.CountInstancesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusInProgress])
}

func TestSnapshotFallsBackToTemplateVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	inst := seedInstance(t, r)
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET steps_json=NULL WHERE id=?`, inst.ID)
	require.NoError(t, err)

	n, err := r.CountOpenInstancesWithoutSnapshot(ctx, nil, "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, err := r.GetInstance(ctx, nil, inst.ID)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, "manager", stored.Steps[0].ApproverRole)
}

func TestRevokeDelegationOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedPrincipals(t, r, "sup1", "staff1")
	d := domain.Delegation{
		ID: "d1", DelegatorID: "sup1", DelegateID: "staff1", Filters: []string{"expense"},
		ValidFrom: "2024-01-01T00:00:00Z", ValidUntil: "2024-01-08T00:00:00Z", CreatedAt: "2024-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertDelegation(ctx, nil, d))

	changed, err := r.RevokeDelegation(ctx, nil, "d1", "sup1", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.RevokeDelegation(ctx, nil, "d1", "mgr1", "2024-01-03T00:00:00Z")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := r.GetDelegation(ctx, nil, "d1")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	require.NotNil(t, got.RevokedBy)
	assert.Equal(t, "sup1", *got.RevokedBy)
	assert.Equal(t, []string{"expense"}, got.Filters)

	active, err := r.ListDelegations(ctx, nil, repo.DelegationFilters{DelegateID: "staff1"})
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := r.ListDelegations(ctx, nil, repo.DelegationFilters{Principal: "sup1", IncludeRevoked: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLeaseAcquisition(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	ok, err := r.AcquireLease(ctx, "escalation", "node-a", "2024-01-01T00:00:00Z", "2024-01-01T00:02:00Z")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireLease(ctx, "escalation", "node-b", "2024-01-01T00:01:00Z", "2024-01-01T00:03:00Z")
	require.NoError(t, err)
	assert.False(t, ok, "lease still held by node-a")

	ok, err = r.AcquireLease(ctx, "escalation", "node-a", "2024-01-01T00:01:00Z", "2024-01-01T00:03:00Z")
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	ok, err = r.AcquireLease(ctx, "escalation", "node-b", "2024-01-01T00:04:00Z", "2024-01-01T00:06:00Z")
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	holder, _, err := r.LeaseHolder(ctx, "escalation")
	require.NoError(t, err)
	assert.Equal(t, "node-b", holder)

	require.NoError(t, r.ReleaseLease(ctx, "escalation", "node-a"))
	holder, _, err = r.LeaseHolder(ctx, "escalation")
	require.NoError(t, err)
	assert.Equal(t, "node-b", holder, "only the holder may release")
	require.NoError(t, r.ReleaseLease(ctx, "escalation", "node-b"))
	_, _, err = r.LeaseHolder(ctx, "escalation")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedPrincipals(t, r, "mgr1")
	key := domain.APIKey{ID: "k1", PrincipalID: "mgr1", Name: "ci", KeyHash: repo.HashAPIKey("secret"), CreatedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	require.NoError(t, err)
	assert.Equal(t, "mgr1", got.PrincipalID)
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other"))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)
}
