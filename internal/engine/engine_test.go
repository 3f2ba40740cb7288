package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.OpenFile(filepath.Join(t.TempDir(), "signoff.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Principals = []config.PrincipalSpec{
		{ID: "admin1", Role: "admin", UnitPath: []string{"acme"}},
		{ID: "rm1", Role: "regional_manager", UnitPath: []string{"acme", "emea"}},
		{ID: "mgr1", Role: "manager", UnitPath: []string{"acme", "emea", "berlin"}},
		{ID: "mgr2", Role: "manager", UnitPath: []string{"acme", "emea", "berlin"}},
		{ID: "mgr-paris", Role: "manager", UnitPath: []string{"acme", "emea", "paris"}},
		{ID: "sup1", Role: "supervisor", UnitPath: []string{"acme", "emea", "berlin", "team-a"}},
		{ID: "sup2", Role: "supervisor", UnitPath: []string{"acme", "emea", "berlin", "team-b"}},
		{ID: "staff1", Role: "staff", UnitPath: []string{"acme", "emea", "berlin", "team-a"}},
		{ID: "staff2", Role: "staff", UnitPath: []string{"acme", "emea", "berlin", "team-a"}},
	}
	now := t0
	eng := engine.New(conn, cfg, zerolog.Nop())
	eng.Now = func() time.Time { return now }
	ctx := context.Background()
	if err := eng.SeedFromConfig(ctx, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, now: &now}
}

func expenseSteps() []domain.TemplateStep {
	return []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "supervisor", ApproverContext: "team", ApprovalType: domain.ApprovalAny, TimeoutHours: 24},
		{StepNumber: 2, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAll, TimeoutHours: 48},
	}
}

func createTemplate(t *testing.T, env testEnv, resourceType string, steps []domain.TemplateStep) domain.WorkflowTemplate {
	t.Helper()
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{
		Name:         resourceType + " approval",
		ResourceType: resourceType,
		Steps:        steps,
		ActorID:      "admin1",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}

func start(t *testing.T, env testEnv, templateID, actor string) domain.WorkflowInstance {
	t.Helper()
	inst, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{TemplateID: templateID, ResourceID: "res-" + actor, ActorID: actor})
	if err != nil {
		t.Fatalf("start instance: %v", err)
	}
	return inst
}

func decide(env testEnv, instanceID, actor, action, comments string) (domain.WorkflowInstance, error) {
	return env.Engine.SubmitDecision(env.Ctx, engine.DecisionOptions{InstanceID: instanceID, ActorID: actor, Action: action, Comments: comments})
}

func TestTwoStepApprovalScenario(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	inst := start(t, env, tpl.ID, "staff1")
	require.Equal(t, domain.StatusInProgress, inst.Status)
	require.Equal(t, 1, inst.CurrentStep)
	require.NotNil(t, inst.DueAt)
	assert.Equal(t, "2024-01-02T09:00:00Z", *inst.DueAt)

	inst, err := decide(env, inst.ID, "sup1", domain.ActionApprove, "")
	require.NoError(t, err)
	require.Equal(t, 2, inst.CurrentStep)
	assert.Equal(t, "2024-01-03T09:00:00Z", *inst.DueAt)

	inst, err = decide(env, inst.ID, "mgr1", domain.ActionApprove, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.CurrentStep, "one of two managers must not resolve an all step")
	assert.Equal(t, domain.StatusInProgress, inst.Status)

	awaiting, err := env.Engine.ListAwaiting(env.Ctx, "mgr2")
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	awaiting, err = env.Engine.ListAwaiting(env.Ctx, "mgr1")
	require.NoError(t, err)
	assert.Empty(t, awaiting)

	inst, err = decide(env, inst.ID, "mgr2", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, stored.Decisions, 3)
	assert.Equal(t, []string{"sup1", "mgr1", "mgr2"}, []string{stored.Decisions[0].ActorID, stored.Decisions[1].ActorID, stored.Decisions[2].ActorID})
	assert.Equal(t, stored.Version, inst.Version)

	_, err = decide(env, inst.ID, "mgr1", domain.ActionApprove, "")
	assert.ErrorIs(t, err, engine.ErrInstanceClosed)
}

func TestRejectRequiresCommentsAndTerminates(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	inst := start(t, env, tpl.ID, "staff1")

	_, err := decide(env, inst.ID, "sup1", domain.ActionReject, "  ")
	require.ErrorIs(t, err, engine.ErrCommentsRequired)
	_, err = decide(env, inst.ID, "sup1", domain.ActionRequestChanges, "")
	require.ErrorIs(t, err, engine.ErrCommentsRequired)

	inst, err = decide(env, inst.ID, "sup1", domain.ActionReject, "missing receipts")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, inst.Status)

	_, err = decide(env, inst.ID, "sup1", domain.ActionApprove, "")
	assert.ErrorIs(t, err, engine.ErrInstanceClosed)
	_, err = env.Engine.CancelInstance(env.Ctx, inst.ID, "staff1", "")
	assert.ErrorIs(t, err, engine.ErrInstanceClosed)
}

func TestRejectShortCircuitsAllStep(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	inst := start(t, env, tpl.ID, "staff1")
	_, err := decide(env, inst.ID, "sup1", domain.ActionApprove, "")
	require.NoError(t, err)
	_, err = decide(env, inst.ID, "mgr1", domain.ActionApprove, "")
	require.NoError(t, err)
	inst, err = decide(env, inst.ID, "mgr2", domain.ActionReject, "over budget")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, inst.Status)
}

func TestIneligibleApprovers(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	inst := start(t, env, tpl.ID, "staff1")

	cases := []struct {
		name  string
		actor string
	}{
		{"wrong role", "staff2"},
		{"other team", "sup2"},
		{"higher role not on step", "mgr1"},
		{"unknown principal", "ghost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decide(env, inst.ID, tc.actor, domain.ActionApprove, "")
			require.ErrorIs(t, err, engine.ErrNotAuthorized)
			var nae engine.NotAuthorizedError
			require.True(t, errors.As(err, &nae))
			assert.Equal(t, "workflow.approve.team", nae.Permission)
		})
	}

	_, err := decide(env, inst.ID, "sup1", domain.ActionApprove, "")
	require.NoError(t, err)
	_, err = decide(env, inst.ID, "mgr-paris", domain.ActionApprove, "")
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)
}

func TestAllStepApprovalsAreCounted(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "budget", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAll},
	})
	inst := start(t, env, tpl.ID, "staff1")

	inst, err := decide(env, inst.ID, "mgr1", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, inst.Status)
	// a repeated approval from the same identity does not complete quorum
	inst, err = decide(env, inst.ID, "mgr1", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, inst.Status)
	inst, err = decide(env, inst.ID, "mgr2", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, inst.Status)
	assert.Nil(t, inst.DueAt)
}

func TestRequestChangesVoidsOwnApproval(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "budget", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAll},
	})
	inst := start(t, env, tpl.ID, "staff1")

	_, err := decide(env, inst.ID, "mgr1", domain.ActionApprove, "")
	require.NoError(t, err)
	inst, err = decide(env, inst.ID, "mgr1", domain.ActionRequestChanges, "split line items")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, inst.Status)
	assert.Equal(t, 1, inst.CurrentStep)

	inst, err = decide(env, inst.ID, "mgr2", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, inst.Status, "mgr1 withdrew its approval")

	awaiting, err := env.Engine.ListAwaiting(env.Ctx, "mgr1")
	require.NoError(t, err)
	require.Len(t, awaiting, 1)

	inst, err = decide(env, inst.ID, "mgr1", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, inst.Status)
}

func TestConcurrentAllStepApprovalsAreBothRecorded(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "budget", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAll},
	})
	inst := start(t, env, tpl.ID, "staff1")

	var g errgroup.Group
	for _, actor := range []string{"mgr1", "mgr2"} {
		actor := actor
		g.Go(func() error {
			_, err := decide(env, inst.ID, actor, domain.ActionApprove, "")
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
	assert.Len(t, stored.Decisions, 2)
}

func TestConcurrentAnyStepApprovalsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "purchase", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAny},
		{StepNumber: 2, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAny},
	})
	inst := start(t, env, tpl.ID, "staff1")

	// Both approvers read the instance at step 1 before either writes.
	var observed sync.WaitGroup
	observed.Add(2)
	defer engine.SetAfterObserve(func() {
		observed.Done()
		observed.Wait()
	})()

	errs := make([]error, 2)
	var g errgroup.Group
	for i, actor := range []string{"mgr1", "mgr2"} {
		i, actor := i, actor
		g.Go(func() error {
			_, errs[i] = decide(env, inst.ID, actor, domain.ActionApprove, "")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stale := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, engine.ErrStaleInstanceState)
			stale++
		}
	}
	assert.Equal(t, 1, stale, "exactly one approval wins step 1")

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	assert.Equal(t, 2, stored.CurrentStep)
	require.Len(t, stored.Decisions, 1)
	assert.Equal(t, 1, stored.Decisions[0].StepNumber)
}

func TestRejectAgainstChangedInstanceIsStale(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "budget", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAll},
	})
	inst := start(t, env, tpl.ID, "staff1")

	// mgr2 approves after mgr1 has read the instance.
	interleaved := false
	defer engine.SetAfterObserve(func() {
		if interleaved {
			return
		}
		interleaved = true
		_, err := decide(env, inst.ID, "mgr2", domain.ActionApprove, "")
		require.NoError(t, err)
	})()

	_, err := decide(env, inst.ID, "mgr1", domain.ActionReject, "over budget")
	assert.ErrorIs(t, err, engine.ErrStaleInstanceState)

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	require.Len(t, stored.Decisions, 1)
	assert.Equal(t, "mgr2", stored.Decisions[0].ActorID)
}

func TestExpectedVersionMismatchIsStale(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	inst := start(t, env, tpl.ID, "staff1")
	observed := inst.Version

	_, err := decide(env, inst.ID, "sup1", domain.ActionApprove, "")
	require.NoError(t, err)

	_, err = env.Engine.SubmitDecision(env.Ctx, engine.DecisionOptions{
		InstanceID: inst.ID, ActorID: "mgr1", Action: domain.ActionApprove, ExpectedVersion: &observed,
	})
	assert.ErrorIs(t, err, engine.ErrStaleInstanceState)
}

func TestCancelInstance(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())

	inst := start(t, env, tpl.ID, "staff1")
	inst, err := env.Engine.CancelInstance(env.Ctx, inst.ID, "staff1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, inst.Status)
	require.Len(t, inst.Decisions, 1)
	assert.Equal(t, domain.ActionCancel, inst.Decisions[0].Action)

	_, err = env.Engine.CancelInstance(env.Ctx, inst.ID, "staff1", "")
	assert.ErrorIs(t, err, engine.ErrInstanceClosed)

	other := start(t, env, tpl.ID, "staff2")
	_, err = env.Engine.CancelInstance(env.Ctx, other.ID, "mgr1", "")
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)
	other, err = env.Engine.CancelInstance(env.Ctx, other.ID, "admin1", "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, other.Status)
}

func TestEscalationAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "supervisor", ApproverContext: "team", ApprovalType: domain.ApprovalAny, TimeoutHours: 1, EscalateToRole: "manager"},
		{StepNumber: 2, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAll, TimeoutHours: 48},
	})
	inst := start(t, env, tpl.ID, "staff1")

	_, err := decide(env, inst.ID, "mgr1", domain.ActionApprove, "")
	require.ErrorIs(t, err, engine.ErrNotAuthorized)

	env.advance(30 * time.Minute)
	report, err := env.Engine.EscalateOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Escalated)

	env.advance(31 * time.Minute)
	report, err = env.Engine.EscalateOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, report.Escalated)

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEscalated, stored.Status)
	assert.Equal(t, 1, stored.CurrentStep)

	report, err = env.Engine.EscalateOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Escalated, "escalation is idempotent")

	stored, err = decide(env, inst.ID, "mgr1", domain.ActionApprove, "covering")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentStep)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
}

func TestOverdueWithoutEscalationNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "supervisor", ApproverContext: "team", ApprovalType: domain.ApprovalAny, TimeoutHours: 1},
	})
	inst := start(t, env, tpl.ID, "staff1")

	env.advance(2 * time.Hour)
	report, err := env.Engine.EscalateOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, report.Overdue)

	report, err = env.Engine.EscalateOverdue(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Overdue)

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
}

func TestDelegatedApproval(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	purchase := createTemplate(t, env, "purchase", expenseSteps())

	d, err := env.Engine.CreateDelegation(env.Ctx, engine.CreateDelegationOptions{
		DelegatorID: "sup1",
		DelegateID:  "staff2",
		Filters:     []string{"expense"},
		ValidFrom:   t0,
		ValidUntil:  t0.Add(7 * 24 * time.Hour),
		Reason:      "vacation",
		ActorID:     "sup1",
	})
	require.NoError(t, err)

	inst := start(t, env, tpl.ID, "staff1")
	env.advance(time.Hour)
	inst, err = decide(env, inst.ID, "staff2", domain.ActionApprove, "")
	require.NoError(t, err)
	require.Equal(t, 2, inst.CurrentStep)
	last := inst.Decisions[len(inst.Decisions)-1]
	assert.Equal(t, "staff2", last.ActorID)
	require.NotNil(t, last.OnBehalfOf)
	assert.Equal(t, "sup1", *last.OnBehalfOf)

	other := start(t, env, purchase.ID, "staff1")
	_, err = decide(env, other.ID, "staff2", domain.ActionApprove, "")
	assert.ErrorIs(t, err, engine.ErrNotAuthorized, "filter excludes purchase")

	late := start(t, env, tpl.ID, "staff1")
	env.advance(8 * 24 * time.Hour)
	_, err = decide(env, late.ID, "staff2", domain.ActionApprove, "")
	assert.ErrorIs(t, err, engine.ErrNotAuthorized, "delegation expired")

	active, err := env.Engine.ActiveDelegationsFor(env.Ctx, "staff2", t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, d.ID, active[0].ID)
}

func TestDelegateWhoIsAlsoEligibleCastsBothVotes(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "budget", []domain.TemplateStep{
		{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: domain.ApprovalAll},
	})
	_, err := env.Engine.CreateDelegation(env.Ctx, engine.CreateDelegationOptions{
		DelegatorID: "mgr1",
		DelegateID:  "mgr2",
		Filters:     []string{"budget"},
		ValidFrom:   t0,
		ValidUntil:  t0.Add(7 * 24 * time.Hour),
		Reason:      "parental leave",
		ActorID:     "mgr1",
	})
	require.NoError(t, err)
	inst := start(t, env, tpl.ID, "staff1")

	inst, err = decide(env, inst.ID, "mgr2", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, inst.Status)
	assert.Nil(t, inst.Decisions[len(inst.Decisions)-1].OnBehalfOf, "own vote first")

	awaiting, err := env.Engine.ListAwaiting(env.Ctx, "mgr2")
	require.NoError(t, err)
	require.Len(t, awaiting, 1, "mgr1's vote is still open to the delegate")
	assert.Equal(t, inst.ID, awaiting[0].ID)

	inst, err = decide(env, inst.ID, "mgr2", domain.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, inst.Status)
	last := inst.Decisions[len(inst.Decisions)-1]
	require.NotNil(t, last.OnBehalfOf)
	assert.Equal(t, "mgr1", *last.OnBehalfOf)
}

func TestDelegationRules(t *testing.T) {
	env := newTestEnv(t)
	window := func(o engine.CreateDelegationOptions) engine.CreateDelegationOptions {
		o.ValidFrom, o.ValidUntil = t0, t0.Add(24*time.Hour)
		return o
	}

	_, err := env.Engine.CreateDelegation(env.Ctx, window(engine.CreateDelegationOptions{DelegatorID: "sup1", DelegateID: "sup1", ActorID: "sup1"}))
	assert.ErrorIs(t, err, engine.ErrInvalidDelegation)

	_, err = env.Engine.CreateDelegation(env.Ctx, engine.CreateDelegationOptions{DelegatorID: "sup1", DelegateID: "staff1", ActorID: "sup1", ValidFrom: t0, ValidUntil: t0.Add(-time.Hour)})
	assert.ErrorIs(t, err, engine.ErrInvalidDelegation)

	_, err = env.Engine.CreateDelegation(env.Ctx, window(engine.CreateDelegationOptions{DelegatorID: "mgr1", DelegateID: "staff1", ActorID: "sup1"}))
	assert.ErrorIs(t, err, engine.ErrNotAuthorized, "a supervisor cannot delegate a manager's authority")

	_, err = env.Engine.CreateDelegation(env.Ctx, window(engine.CreateDelegationOptions{DelegatorID: "sup1", DelegateID: "staff1", ActorID: "sup1", Permissions: []string{"workflow.approve.branch"}}))
	assert.ErrorIs(t, err, engine.ErrNotAuthorized, "cannot delegate more than held")

	_, err = env.Engine.CreateDelegation(env.Ctx, window(engine.CreateDelegationOptions{DelegatorID: "sup1", DelegateID: "staff1", ActorID: "sup1", Permissions: []string{"workflow.approve"}}))
	assert.ErrorIs(t, err, engine.ErrInvalidPermissionCode)

	_, err = env.Engine.CreateDelegation(env.Ctx, window(engine.CreateDelegationOptions{DelegatorID: "staff1", DelegateID: "staff2", ActorID: "staff1", Filters: []string{"expense"}}))
	assert.ErrorIs(t, err, engine.ErrNotAuthorized, "starting workflows is no authority over a filtered type")

	d, err := env.Engine.CreateDelegation(env.Ctx, window(engine.CreateDelegationOptions{DelegatorID: "sup1", DelegateID: "staff1", ActorID: "mgr1"}))
	require.NoError(t, err, "a manager may delegate on a supervisor's behalf")

	_, err = env.Engine.RevokeDelegation(env.Ctx, d.ID, "staff1")
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)

	revoked, err := env.Engine.RevokeDelegation(env.Ctx, d.ID, "sup1")
	require.NoError(t, err)
	require.True(t, revoked.Revoked)
	again, err := env.Engine.RevokeDelegation(env.Ctx, d.ID, "sup1")
	require.NoError(t, err)
	assert.Equal(t, revoked.RevokedAt, again.RevokedAt)

	active, err := env.Engine.ActiveDelegationsFor(env.Ctx, "staff1", t0)
	require.NoError(t, err)
	assert.Empty(t, active, "revoked delegations are never active")

	all, err := env.Engine.ListDelegations(env.Ctx, "staff1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDelegationIsNotTransitive(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	for _, o := range []engine.CreateDelegationOptions{
		{DelegatorID: "sup1", DelegateID: "staff1", ActorID: "sup1"},
		{DelegatorID: "staff1", DelegateID: "staff2", ActorID: "staff1"},
	} {
		o.ValidFrom, o.ValidUntil = t0, t0.Add(24*time.Hour)
		_, err := env.Engine.CreateDelegation(env.Ctx, o)
		require.NoError(t, err)
	}
	inst := start(t, env, tpl.ID, "staff1")
	_, err := decide(env, inst.ID, "staff2", domain.ActionApprove, "")
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)
	_, err = decide(env, inst.ID, "staff1", domain.ActionApprove, "")
	assert.NoError(t, err)
}

func TestTemplateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		steps []domain.TemplateStep
	}{
		{"empty", nil},
		{"gap", []domain.TemplateStep{
			{StepNumber: 1, ApproverRole: "supervisor", ApproverContext: "team"},
			{StepNumber: 3, ApproverRole: "manager", ApproverContext: "branch"},
		}},
		{"duplicate", []domain.TemplateStep{
			{StepNumber: 1, ApproverRole: "supervisor", ApproverContext: "team"},
			{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch"},
		}},
		{"unknown role", []domain.TemplateStep{{StepNumber: 1, ApproverRole: "ceo", ApproverContext: "team"}}},
		{"bad context", []domain.TemplateStep{{StepNumber: 1, ApproverRole: "manager", ApproverContext: "galaxy"}}},
		{"bad approval type", []domain.TemplateStep{{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", ApprovalType: "most"}}},
		{"negative timeout", []domain.TemplateStep{{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", TimeoutHours: -1}}},
		{"self escalation", []domain.TemplateStep{{StepNumber: 1, ApproverRole: "manager", ApproverContext: "branch", EscalateToRole: "manager"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{Name: "x", ResourceType: "expense", Steps: tc.steps, ActorID: "admin1"})
			assert.ErrorIs(t, err, engine.ErrInvalidTemplateDefinition)
		})
	}

	_, err := env.Engine.CreateTemplate(env.Ctx, engine.CreateTemplateOptions{Name: "x", ResourceType: "expense", Steps: expenseSteps(), ActorID: "mgr1"})
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)

	// out-of-order input is accepted and stored sorted
	steps := expenseSteps()
	steps[0], steps[1] = steps[1], steps[0]
	tpl := createTemplate(t, env, "travel", steps)
	assert.Equal(t, 1, tpl.Steps[0].StepNumber)
	assert.Equal(t, "supervisor", tpl.Steps[0].ApproverRole)
}

func TestTemplateVersioningKeepsRunningSnapshot(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	inst := start(t, env, tpl.ID, "staff1")

	updated, err := env.Engine.UpdateTemplate(env.Ctx, engine.UpdateTemplateOptions{
		ID:      tpl.ID,
		Steps:   []domain.TemplateStep{{StepNumber: 1, ApproverRole: "regional_manager", ApproverContext: "region"}},
		ActorID: "admin1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	require.Len(t, updated.Steps, 1)

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TemplateVersion)
	assert.Len(t, stored.Steps, 2)

	fresh := start(t, env, tpl.ID, "staff2")
	assert.Equal(t, 2, fresh.TemplateVersion)
	assert.Equal(t, "regional_manager", fresh.Steps[0].ApproverRole)
}

func TestDeactivatedTemplate(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	start(t, env, tpl.ID, "staff1")

	_, err := env.Engine.DeactivateTemplate(env.Ctx, tpl.ID, "admin1")
	require.NoError(t, err, "running instances carry a snapshot")

	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{TemplateID: tpl.ID, ResourceID: "r2", ActorID: "staff1"})
	assert.ErrorIs(t, err, engine.ErrTemplateInactive)
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{TemplateID: tpl.ID, ResourceID: "r2", ActorID: "staff1", AllowInactive: true})
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)
	inst, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{TemplateID: tpl.ID, ResourceID: "r3", ActorID: "admin1", AllowInactive: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, inst.Status)

	listed, err := env.Engine.ListTemplates(env.Ctx, repo.TemplateFilters{})
	require.NoError(t, err)
	assert.Empty(t, listed)
	listed, err = env.Engine.ListTemplates(env.Ctx, repo.TemplateFilters{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestDeactivateFailsWhileInstancesLackSnapshot(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	inst := start(t, env, tpl.ID, "staff1")
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE workflow_instances SET steps_json=NULL WHERE id=?`, inst.ID); err != nil {
		t.Fatalf("drop snapshot: %v", err)
	}
	_, err := env.Engine.DeactivateTemplate(env.Ctx, tpl.ID, "admin1")
	assert.ErrorIs(t, err, engine.ErrTemplateInUse)

	_, err = env.Engine.CancelInstance(env.Ctx, inst.ID, "staff1", "")
	require.NoError(t, err)
	_, err = env.Engine.DeactivateTemplate(env.Ctx, tpl.ID, "admin1")
	assert.NoError(t, err)
}

func TestStartRequiresAuthority(t *testing.T) {
	env := newTestEnv(t)
	tpl := createTemplate(t, env, "expense", expenseSteps())
	_, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{TemplateID: tpl.ID, ResourceID: "r1", ActorID: "ghost"})
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{TemplateID: tpl.ID, ResourceID: "r1", ActorID: "sup1", UnitPath: []string{"acme", "emea", "paris", "team-z"}})
	assert.ErrorIs(t, err, engine.ErrNotAuthorized, "supervisor cannot start outside its team")
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{TemplateID: "missing", ResourceID: "r1", ActorID: "staff1"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAuthorizeAndPrincipalManagement(t *testing.T) {
	env := newTestEnv(t)
	dec, err := env.Engine.Authorize(env.Ctx, engine.AuthorizeRequest{
		PrincipalID:    "mgr1",
		PermissionCode: "workflow.approve.team",
		Resource:       auth.ResourceContext{ResourceType: "expense", UnitPath: []string{"acme", "emea", "berlin", "team-a"}},
	})
	require.NoError(t, err)
	assert.True(t, dec.Allow)

	_, err = env.Engine.Authorize(env.Ctx, engine.AuthorizeRequest{PrincipalID: "mgr1", PermissionCode: "workflow..team"})
	assert.ErrorIs(t, err, engine.ErrInvalidPermissionCode)

	_, err = env.Engine.PutPrincipal(env.Ctx, engine.PutPrincipalOptions{ID: "new1", RoleCode: "manager", UnitPath: []string{"acme", "emea", "berlin"}, ActorID: "sup1"})
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)

	p, err := env.Engine.PutPrincipal(env.Ctx, engine.PutPrincipalOptions{ID: "new1", RoleCode: "staff", UnitPath: []string{"acme", "emea", "berlin", "team-b"}, ActorID: "rm1"})
	require.NoError(t, err)
	assert.Equal(t, "staff", p.RoleCode)

	_, err = env.Engine.PutPrincipal(env.Ctx, engine.PutPrincipalOptions{ID: "new2", RoleCode: "staff", UnitPath: []string{"acme", "apac"}, ActorID: "rm1"})
	assert.ErrorIs(t, err, engine.ErrNotAuthorized, "outside the regional manager's region")

	ok, err := env.Engine.Outranks(env.Ctx, "mgr1", "sup1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.Engine.Outranks(env.Ctx, "mgr1", "mgr2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeedKeepsEditedTemplates(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Templates = []config.TemplateSpec{{
		ID: "tpl-expense", Name: "Expense", ResourceType: "expense",
		Steps: []config.StepSpec{{StepNumber: 1, ApproverRole: "supervisor", ApproverContext: "team", ApprovalType: "any", TimeoutHours: 24}},
	}}
	require.NoError(t, env.Engine.SeedFromConfig(env.Ctx, cfg))
	_, err := env.Engine.UpdateTemplate(env.Ctx, engine.UpdateTemplateOptions{ID: "tpl-expense", Steps: expenseSteps(), ActorID: "admin1"})
	require.NoError(t, err)
	require.NoError(t, env.Engine.SeedFromConfig(env.Ctx, cfg))

	tpl, err := env.Engine.GetTemplate(env.Ctx, "tpl-expense")
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.Version)
	assert.Len(t, tpl.Steps, 2)
}
