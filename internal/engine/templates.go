package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/repo"
)

const managePermission = "workflow.manage.organization"

// CreateTemplateOptions are parameters for creating a workflow template.
type CreateTemplateOptions struct {
	ID           string
	Name         string
	ResourceType string
	Steps        []domain.TemplateStep
	// ActorID is empty only for configuration seeding.
	ActorID string
}

func (e Engine) CreateTemplate(ctx context.Context, opts CreateTemplateOptions) (domain.WorkflowTemplate, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	opts.ResourceType = strings.TrimSpace(opts.ResourceType)
	if opts.Name == "" {
		opts.Name = opts.ResourceType
	}
	if opts.ResourceType == "" {
		return domain.WorkflowTemplate{}, invalid(ErrInvalidTemplateDefinition, "resource_type is required")
	}
	var out domain.WorkflowTemplate
	err := e.inTx(ctx, "create_template", func(ctx context.Context, tx *sql.Tx) error {
		if opts.ActorID != "" {
			if err := e.require(ctx, tx, opts.ActorID, managePermission, auth.ResourceContext{ResourceType: opts.ResourceType}); err != nil {
				return err
			}
		}
		steps, err := e.validateSteps(ctx, tx, opts.Steps)
		if err != nil {
			return err
		}
		id := opts.ID
		if id == "" {
			id = uuid.NewString()
		}
		now := formatTime(e.now())
		actor := opts.ActorID
		if actor == "" {
			actor = SystemActor
		}
		out = domain.WorkflowTemplate{
			ID:           id,
			Name:         opts.Name,
			ResourceType: opts.ResourceType,
			Version:      1,
			Active:       true,
			Steps:        steps,
			CreatedBy:    actor,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertTemplate(ctx, tx, out); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.TemplateCreated, "template", out.ID, actor, events.EventPayload{
			"name": out.Name, "resource_type": out.ResourceType, "version": out.Version, "steps": len(out.Steps),
		})
	})
	return out, err
}

// UpdateTemplateOptions are parameters for publishing a new template version.
type UpdateTemplateOptions struct {
	ID      string
	Name    string
	Steps   []domain.TemplateStep
	ActorID string
}

// UpdateTemplate publishes a new version of the template's steps. Earlier
// versions stay stored; running instances keep their snapshot.
func (e Engine) UpdateTemplate(ctx context.Context, opts UpdateTemplateOptions) (domain.WorkflowTemplate, error) {
	var out domain.WorkflowTemplate
	err := e.inTx(ctx, "update_template", func(ctx context.Context, tx *sql.Tx) error {
		current, err := e.Repo.GetTemplate(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		if err := e.require(ctx, tx, opts.ActorID, managePermission, auth.ResourceContext{ResourceType: current.ResourceType}); err != nil {
			return err
		}
		steps, err := e.validateSteps(ctx, tx, opts.Steps)
		if err != nil {
			return err
		}
		out = current
		out.Version = current.Version + 1
		out.Steps = steps
		out.UpdatedAt = formatTime(e.now())
		if name := strings.TrimSpace(opts.Name); name != "" {
			out.Name = name
		}
		if err := e.Repo.InsertTemplateSteps(ctx, tx, out.ID, out.Version, out.Steps); err != nil {
			return err
		}
		if err := e.Repo.UpdateTemplateHeader(ctx, tx, out); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.TemplateUpdated, "template", out.ID, opts.ActorID, events.EventPayload{
			"version": out.Version, "previous_version": current.Version, "steps": len(out.Steps),
		})
	})
	return out, err
}

// DeactivateTemplate soft-deletes a template. It fails with ErrTemplateInUse
// only while open instances depend on the template for their step definitions.
func (e Engine) DeactivateTemplate(ctx context.Context, id, actorID string) (domain.WorkflowTemplate, error) {
	return e.setTemplateActive(ctx, id, actorID, false)
}

// ActivateTemplate reverses DeactivateTemplate.
func (e Engine) ActivateTemplate(ctx context.Context, id, actorID string) (domain.WorkflowTemplate, error) {
	return e.setTemplateActive(ctx, id, actorID, true)
}

func (e Engine) setTemplateActive(ctx context.Context, id, actorID string, active bool) (domain.WorkflowTemplate, error) {
	var out domain.WorkflowTemplate
	op := "deactivate_template"
	if active {
		op = "activate_template"
	}
	err := e.inTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		t, err := e.Repo.GetTemplate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.require(ctx, tx, actorID, managePermission, auth.ResourceContext{ResourceType: t.ResourceType}); err != nil {
			return err
		}
		out = t
		if t.Active == active {
			return nil
		}
		if !active {
			n, err := e.Repo.CountOpenInstancesWithoutSnapshot(ctx, tx, id)
			if err != nil {
				return err
			}
			if n > 0 {
				return invalid(ErrTemplateInUse, "%d open instance(s) of %s have no step snapshot", n, id)
			}
		}
		out.Active = active
		out.UpdatedAt = formatTime(e.now())
		if err := e.Repo.SetTemplateActive(ctx, tx, id, active, out.UpdatedAt); err != nil {
			return err
		}
		if active {
			return e.emit(ctx, tx, events.TemplateUpdated, "template", id, actorID, events.EventPayload{"active": true})
		}
		return e.emit(ctx, tx, events.TemplateDeactivated, "template", id, actorID, events.EventPayload{"version": t.Version})
	})
	return out, err
}

func (e Engine) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	err := e.withStore(ctx, "get_template", func(ctx context.Context) error {
		var err error
		t, err = e.Repo.GetTemplate(ctx, nil, id)
		return err
	})
	return t, err
}

func (e Engine) ListTemplates(ctx context.Context, f repo.TemplateFilters) ([]domain.WorkflowTemplate, error) {
	var res []domain.WorkflowTemplate
	err := e.withStore(ctx, "list_templates", func(ctx context.Context) error {
		var err error
		res, err = e.Repo.ListTemplates(ctx, nil, f)
		return err
	})
	return res, err
}

// validateSteps checks a step list and returns it ordered by step number.
func (e Engine) validateSteps(ctx context.Context, tx *sql.Tx, in []domain.TemplateStep) ([]domain.TemplateStep, error) {
	if len(in) == 0 {
		return nil, invalid(ErrInvalidTemplateDefinition, "at least one step is required")
	}
	steps := make([]domain.TemplateStep, len(in))
	copy(steps, in)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	knownRole := func(code string) (bool, error) {
		_, err := e.Repo.GetRole(ctx, tx, code)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	for i := range steps {
		s := &steps[i]
		if s.StepNumber != i+1 {
			return nil, invalid(ErrInvalidTemplateDefinition, "step numbers must be contiguous from 1 without duplicates (found %d at position %d)", s.StepNumber, i+1)
		}
		ok, err := knownRole(s.ApproverRole)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, invalid(ErrInvalidTemplateDefinition, "step %d: unknown approver role %q", s.StepNumber, s.ApproverRole)
		}
		if _, err := auth.ParseContext(s.ApproverContext); err != nil {
			return nil, invalid(ErrInvalidTemplateDefinition, "step %d: %v", s.StepNumber, err)
		}
		if s.ApprovalType == "" {
			s.ApprovalType = domain.ApprovalAny
		}
		if s.ApprovalType != domain.ApprovalAny && s.ApprovalType != domain.ApprovalAll {
			return nil, invalid(ErrInvalidTemplateDefinition, "step %d: approval_type must be any or all", s.StepNumber)
		}
		if s.TimeoutHours < 0 {
			return nil, invalid(ErrInvalidTemplateDefinition, "step %d: timeout_hours must be >= 0", s.StepNumber)
		}
		if s.EscalateToRole != "" {
			if s.EscalateToRole == s.ApproverRole {
				return nil, invalid(ErrInvalidTemplateDefinition, "step %d: escalate_to_role must differ from approver_role", s.StepNumber)
			}
			ok, err := knownRole(s.EscalateToRole)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, invalid(ErrInvalidTemplateDefinition, "step %d: unknown escalate_to_role %q", s.StepNumber, s.EscalateToRole)
			}
		}
	}
	return steps, nil
}
