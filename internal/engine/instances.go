package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/metrics"
	"signoff/internal/repo"
)

// StartOptions are parameters for starting a workflow instance.
type StartOptions struct {
	ID         string
	TemplateID string
	ResourceID string
	ActorID    string
	// UnitPath locates the resource in the organization. Empty means the
	// actor's own unit.
	UnitPath []string
	// AllowInactive starts from a deactivated template. Only principals with
	// workflow.manage.organization may set it.
	AllowInactive bool
}

// StartInstance creates an instance at step 1 with a snapshot of the
// template's current steps.
func (e Engine) StartInstance(ctx context.Context, opts StartOptions) (domain.WorkflowInstance, error) {
	if strings.TrimSpace(opts.ResourceID) == "" {
		return domain.WorkflowInstance{}, invalid(ErrInvalidRequest, "resource_id is required")
	}
	var out domain.WorkflowInstance
	err := e.inTx(ctx, "start_instance", func(ctx context.Context, tx *sql.Tx) error {
		tpl, err := e.Repo.GetTemplate(ctx, tx, opts.TemplateID)
		if err != nil {
			return err
		}
		actor, err := e.Repo.GetPrincipal(ctx, tx, opts.ActorID)
		if errors.Is(err, repo.ErrNotFound) {
			return notAuthorized(opts.ActorID, "workflow.start.own", "unknown principal")
		}
		if err != nil {
			return err
		}
		unitPath := opts.UnitPath
		if len(unitPath) == 0 {
			unitPath = actor.UnitPath
		}
		rc := auth.ResourceContext{ResourceType: tpl.ResourceType, OwnerID: actor.ID, UnitPath: unitPath}
		if err := e.require(ctx, tx, actor.ID, "workflow.start.own", rc); err != nil {
			return err
		}
		if !tpl.Active {
			if !opts.AllowInactive {
				return invalid(ErrTemplateInactive, "template %s is deactivated", tpl.ID)
			}
			if err := e.require(ctx, tx, actor.ID, managePermission, auth.ResourceContext{ResourceType: tpl.ResourceType}); err != nil {
				return err
			}
		}
		if len(tpl.Steps) == 0 {
			return invalid(ErrInvalidTemplateDefinition, "template %s has no steps", tpl.ID)
		}

		now := e.now()
		id := opts.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = domain.WorkflowInstance{
			ID:              id,
			TemplateID:      tpl.ID,
			TemplateVersion: tpl.Version,
			ResourceID:      opts.ResourceID,
			ResourceType:    tpl.ResourceType,
			CreatedBy:       actor.ID,
			UnitPath:        unitPath,
			Status:          domain.StatusInProgress,
			CurrentStep:     1,
			StartedAt:       formatTime(now),
			Version:         1,
			Steps:           tpl.Steps,
			Decisions:       []domain.DecisionEntry{},
		}
		enterStep(&out, 1, now)
		if err := e.Repo.InsertInstance(ctx, tx, out); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.InstanceStarted, "instance", out.ID, actor.ID, events.EventPayload{
			"template_id":      out.TemplateID,
			"template_version": out.TemplateVersion,
			"resource_id":      out.ResourceID,
			"resource_type":    out.ResourceType,
			"due_at":           out.DueAt,
		})
	})
	if err != nil {
		return out, err
	}
	metrics.InstancesStarted.WithLabelValues(out.ResourceType).Inc()
	e.Log.Info().Str("instance_id", out.ID).Str("template_id", out.TemplateID).Str("resource_id", out.ResourceID).Msg("Workflow started")
	return out, nil
}

// enterStep moves inst to step n starting at now and recomputes its deadline.
func enterStep(inst *domain.WorkflowInstance, n int, now time.Time) {
	inst.CurrentStep = n
	inst.StepStartedAt = formatTime(now)
	inst.DueAt = nil
	inst.OverdueNotifiedStep = 0
	if step, ok := inst.Step(n); ok && step.TimeoutHours > 0 {
		due := formatTime(now.Add(time.Duration(step.TimeoutHours) * time.Hour))
		inst.DueAt = &due
	}
}

// DecisionOptions are parameters for SubmitDecision.
type DecisionOptions struct {
	InstanceID string
	ActorID    string
	Action     string
	Comments   string
	// ExpectedVersion pins the instance version the caller observed.
	ExpectedVersion *int
}

// SubmitDecision records an approver's decision on the current step and
// applies its effect. The instance state the caller acts on is observed before
// the write: an any-type approval or a rejection fails with
// ErrStaleInstanceState if the instance changed in between. Concurrent
// approvals on an all-type step and request_changes are retried against the
// fresh instance while it stays on the same step.
func (e Engine) SubmitDecision(ctx context.Context, opts DecisionOptions) (domain.WorkflowInstance, error) {
	var pin observedState
	if opts.ExpectedVersion == nil {
		inst, err := e.GetInstance(ctx, opts.InstanceID)
		if err != nil {
			return inst, err
		}
		pin = observedState{step: inst.CurrentStep, version: inst.Version}
	}
	afterObserve()
	for attempt := 0; ; attempt++ {
		inst, commutative, err := e.decideOnce(ctx, opts, &pin)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrStaleInstanceState) || !commutative || opts.ExpectedVersion != nil || attempt >= maxStaleRetries {
			return inst, err
		}
		metrics.StaleRetries.Inc()
		e.Log.Debug().Str("instance_id", opts.InstanceID).Int("attempt", attempt+1).Msg("Decision lost version race, retrying")
	}
}

// observedState is the step and version a decision was made against.
type observedState struct {
	step    int
	version int
}

// afterObserve runs between reading the instance and deciding on it.
var afterObserve = func() {}

func (e Engine) decideOnce(ctx context.Context, opts DecisionOptions, pin *observedState) (domain.WorkflowInstance, bool, error) {
	var (
		out         domain.WorkflowInstance
		commutative bool
		completed   bool
	)
	err := e.inTx(ctx, "submit_decision", func(ctx context.Context, tx *sql.Tx) error {
		inst, err := e.Repo.GetInstance(ctx, tx, opts.InstanceID)
		if err != nil {
			return err
		}
		out = inst
		if opts.ExpectedVersion != nil && *opts.ExpectedVersion != inst.Version {
			return invalid(ErrStaleInstanceState, "instance %s is at version %d, expected %d", inst.ID, inst.Version, *opts.ExpectedVersion)
		}
		if pin.step != 0 && inst.CurrentStep != pin.step {
			return invalid(ErrStaleInstanceState, "instance %s moved to step %d", inst.ID, inst.CurrentStep)
		}
		step, hasStep := inst.Step(inst.CurrentStep)
		mergeable := opts.Action == domain.ActionRequestChanges ||
			(opts.Action == domain.ActionApprove && hasStep && step.ApprovalType == domain.ApprovalAll)
		if pin.version != 0 && inst.Version != pin.version && !mergeable {
			return invalid(ErrStaleInstanceState, "instance %s is at version %d, decided against %d", inst.ID, inst.Version, pin.version)
		}
		if domain.IsTerminal(inst.Status) {
			return invalid(ErrInstanceClosed, "instance %s is %s", inst.ID, inst.Status)
		}
		switch opts.Action {
		case domain.ActionApprove, domain.ActionReject, domain.ActionRequestChanges:
		default:
			return invalid(ErrInvalidRequest, "unknown action %q", opts.Action)
		}
		if !hasStep {
			return invalid(ErrInvalidTemplateDefinition, "instance %s has no definition for step %d", inst.ID, inst.CurrentStep)
		}
		approver, err := e.approverFor(ctx, tx, opts.ActorID, inst, step)
		if err != nil {
			return err
		}
		if opts.Action != domain.ActionApprove && strings.TrimSpace(opts.Comments) == "" {
			return invalid(ErrCommentsRequired, "%s requires comments", opts.Action)
		}
		pin.step = inst.CurrentStep
		commutative = mergeable

		now := e.now()
		entry := domain.DecisionEntry{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			StepNumber: inst.CurrentStep,
			Action:     opts.Action,
			ActorID:    opts.ActorID,
			OnBehalfOf: approver.onBehalfOf(),
			Comments:   opts.Comments,
			CreatedAt:  formatTime(now),
		}
		next := inst
		next.Decisions = append(append([]domain.DecisionEntry{}, inst.Decisions...), entry)
		switch opts.Action {
		case domain.ActionReject:
			next.Status = domain.StatusRejected
			next.CompletedAt = &entry.CreatedAt
		case domain.ActionApprove:
			resolved := step.ApprovalType != domain.ApprovalAll ||
				(inst.Status == domain.StatusEscalated && approver.role == step.EscalateToRole)
			if !resolved {
				eligible, err := e.eligibleIdentities(ctx, tx, inst, step)
				if err != nil {
					return err
				}
				eligible[approver.identity] = true
				resolved = quorumReached(next.Decisions, inst.CurrentStep, eligible)
			}
			if resolved {
				if inst.CurrentStep >= len(inst.Steps) {
					next.Status = domain.StatusApproved
					next.CompletedAt = &entry.CreatedAt
				} else {
					next.Status = domain.StatusInProgress
					enterStep(&next, inst.CurrentStep+1, now)
				}
			}
		}

		ok, err := e.Repo.UpdateInstanceState(ctx, tx, next, inst.Version)
		if err != nil {
			return err
		}
		if !ok {
			return invalid(ErrStaleInstanceState, "instance %s changed concurrently", inst.ID)
		}
		if err := e.Repo.AppendDecision(ctx, tx, entry); err != nil {
			return err
		}
		next.Version = inst.Version + 1
		payload := events.EventPayload{
			"action":      entry.Action,
			"step_number": entry.StepNumber,
			"status":      next.Status,
			"next_step":   next.CurrentStep,
		}
		if entry.OnBehalfOf != nil {
			payload["on_behalf_of"] = *entry.OnBehalfOf
		}
		if err := e.emit(ctx, tx, events.InstanceDecided, "instance", inst.ID, opts.ActorID, payload); err != nil {
			return err
		}
		if domain.IsTerminal(next.Status) {
			completed = true
			if err := e.emit(ctx, tx, events.InstanceCompleted, "instance", inst.ID, opts.ActorID, events.EventPayload{"status": next.Status}); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return out, commutative, err
	}
	metrics.Decisions.WithLabelValues(opts.Action).Inc()
	if completed {
		metrics.InstancesCompleted.WithLabelValues(out.Status).Inc()
	}
	e.Log.Info().Str("instance_id", out.ID).Str("actor", opts.ActorID).Str("action", opts.Action).Str("status", out.Status).Int("step", out.CurrentStep).Msg("Decision recorded")
	return out, commutative, nil
}

// approver is the authority a decision is made with.
type approver struct {
	// identity counts toward quorum: the actor, or the delegator it acts for.
	identity string
	role     string
	actor    string
}

func (a approver) onBehalfOf() *string {
	if a.identity == a.actor {
		return nil
	}
	id := a.identity
	return &id
}

func approvePermission(step domain.TemplateStep) (auth.Permission, auth.ResourceContext, error) {
	c, err := auth.ParseContext(step.ApproverContext)
	if err != nil {
		return auth.Permission{}, auth.ResourceContext{}, invalid(ErrInvalidTemplateDefinition, "step %d: %v", step.StepNumber, err)
	}
	return auth.Permission{Resource: "workflow", Action: "approve", Context: c}, auth.ResourceContext{Context: c}, nil
}

// stepRoles returns the roles that may decide the step in the instance's state.
func stepRoles(inst domain.WorkflowInstance, step domain.TemplateStep) map[string]bool {
	roles := map[string]bool{step.ApproverRole: true}
	if inst.Status == domain.StatusEscalated && step.EscalateToRole != "" {
		roles[step.EscalateToRole] = true
	}
	return roles
}

// approverFor finds the authority under which actorID may decide the current
// step: its own role first, then each active delegation for the instance's
// resource type. A source whose identity has already approved the step is
// passed over while another eligible source has not.
func (e Engine) approverFor(ctx context.Context, tx *sql.Tx, actorID string, inst domain.WorkflowInstance, step domain.TemplateStep) (approver, error) {
	perm, rc, err := approvePermission(step)
	if err != nil {
		return approver{}, err
	}
	rc.ResourceType = inst.ResourceType
	rc.OwnerID = inst.CreatedBy
	rc.UnitPath = inst.UnitPath
	sources, err := e.resolver(tx).Sources(ctx, actorID, inst.ResourceType, e.now())
	if err != nil {
		return approver{}, err
	}
	roles := stepRoles(inst, step)
	latest := latestDecisions(inst.Decisions, inst.CurrentStep)
	var found *approver
	for _, src := range sources {
		if !roles[src.Role.Code] || !auth.Permits(src, perm, rc) {
			continue
		}
		a := approver{identity: src.Principal.ID, role: src.Role.Code, actor: actorID}
		if latest[a.identity] != domain.ActionApprove {
			return a, nil
		}
		if found == nil {
			found = &a
		}
	}
	if found != nil {
		return *found, nil
	}
	return approver{}, notAuthorized(actorID, perm.String(), "not an eligible approver for step "+strconv.Itoa(step.StepNumber))
}

// eligibleIdentities lists principals whose own role lets them decide the step.
func (e Engine) eligibleIdentities(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, step domain.TemplateStep) (map[string]bool, error) {
	perm, rc, err := approvePermission(step)
	if err != nil {
		return nil, err
	}
	rc.ResourceType = inst.ResourceType
	rc.OwnerID = inst.CreatedBy
	rc.UnitPath = inst.UnitPath
	role, err := e.Repo.GetRole(ctx, tx, step.ApproverRole)
	if errors.Is(err, repo.ErrNotFound) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	perms, err := auth.RolePermissions(role)
	if err != nil {
		return nil, err
	}
	principals, err := e.Repo.ListPrincipals(ctx, tx, role.Code)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, p := range principals {
		if auth.Permits(auth.Source{Principal: p, Role: role, Permissions: perms}, perm, rc) {
			out[p.ID] = true
		}
	}
	return out, nil
}

// quorumReached reports whether every eligible identity's latest decision on
// step is an approval.
func quorumReached(log []domain.DecisionEntry, step int, eligible map[string]bool) bool {
	latest := latestDecisions(log, step)
	for id := range eligible {
		if latest[id] != domain.ActionApprove {
			return false
		}
	}
	return len(eligible) > 0
}

// latestDecisions maps each deciding identity to its last action on step.
// A request_changes entry replaces the identity's earlier approval.
func latestDecisions(log []domain.DecisionEntry, step int) map[string]string {
	out := map[string]string{}
	for _, d := range log {
		if d.StepNumber != step || d.Action == domain.ActionCancel {
			continue
		}
		id := d.ActorID
		if d.OnBehalfOf != nil {
			id = *d.OnBehalfOf
		}
		out[id] = d.Action
	}
	return out
}

// CancelInstance moves a non-terminal instance to cancelled. The creator may
// always cancel; anyone else needs workflow.cancel.organization over the
// resource type.
func (e Engine) CancelInstance(ctx context.Context, instanceID, actorID, comments string) (domain.WorkflowInstance, error) {
	var out domain.WorkflowInstance
	err := e.inTx(ctx, "cancel_instance", func(ctx context.Context, tx *sql.Tx) error {
		inst, err := e.Repo.GetInstance(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		out = inst
		if domain.IsTerminal(inst.Status) {
			return invalid(ErrInstanceClosed, "instance %s is %s", inst.ID, inst.Status)
		}
		if actorID != inst.CreatedBy {
			rc := auth.ResourceContext{ResourceType: inst.ResourceType, OwnerID: inst.CreatedBy, UnitPath: inst.UnitPath}
			if err := e.require(ctx, tx, actorID, "workflow.cancel.organization", rc); err != nil {
				return err
			}
		}
		now := formatTime(e.now())
		next := inst
		next.Status = domain.StatusCancelled
		next.CompletedAt = &now
		ok, err := e.Repo.UpdateInstanceState(ctx, tx, next, inst.Version)
		if err != nil {
			return err
		}
		if !ok {
			return invalid(ErrStaleInstanceState, "instance %s changed concurrently", inst.ID)
		}
		entry := domain.DecisionEntry{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			StepNumber: inst.CurrentStep,
			Action:     domain.ActionCancel,
			ActorID:    actorID,
			Comments:   comments,
			CreatedAt:  now,
		}
		if err := e.Repo.AppendDecision(ctx, tx, entry); err != nil {
			return err
		}
		next.Version = inst.Version + 1
		next.Decisions = append(append([]domain.DecisionEntry{}, inst.Decisions...), entry)
		out = next
		return e.emit(ctx, tx, events.InstanceCompleted, "instance", inst.ID, actorID, events.EventPayload{"status": domain.StatusCancelled, "step_number": inst.CurrentStep})
	})
	if err != nil {
		return out, err
	}
	metrics.InstancesCompleted.WithLabelValues(domain.StatusCancelled).Inc()
	e.Log.Info().Str("instance_id", out.ID).Str("actor", actorID).Msg("Workflow cancelled")
	return out, nil
}

func (e Engine) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	err := e.withStore(ctx, "get_instance", func(ctx context.Context) error {
		var err error
		inst, err = e.Repo.GetInstance(ctx, nil, id)
		return err
	})
	return inst, err
}

func (e Engine) ListInstances(ctx context.Context, f repo.InstanceFilters) ([]domain.WorkflowInstance, error) {
	var res []domain.WorkflowInstance
	err := e.withStore(ctx, "list_instances", func(ctx context.Context) error {
		var err error
		res, err = e.Repo.ListInstances(ctx, nil, f, true)
		return err
	})
	return res, err
}

// ListAwaiting returns the open instances whose current step approverID can
// decide, directly or through a delegation, and has not yet approved.
func (e Engine) ListAwaiting(ctx context.Context, approverID string) ([]domain.WorkflowInstance, error) {
	var res []domain.WorkflowInstance
	err := e.withStore(ctx, "list_awaiting", func(ctx context.Context) error {
		open, err := e.Repo.ListInstances(ctx, nil, repo.InstanceFilters{OpenOnly: true}, true)
		if err != nil {
			return err
		}
		res = res[:0]
		for _, inst := range open {
			step, ok := inst.Step(inst.CurrentStep)
			if !ok {
				continue
			}
			a, err := e.approverFor(ctx, nil, approverID, inst, step)
			if errors.Is(err, ErrNotAuthorized) {
				continue
			}
			if err != nil {
				return err
			}
			if latestDecisions(inst.Decisions, inst.CurrentStep)[a.identity] == domain.ActionApprove {
				continue
			}
			res = append(res, inst)
		}
		return nil
	})
	return res, err
}
