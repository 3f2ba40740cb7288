package engine

import (
	"context"
	"errors"
	"sort"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/repo"
)

// SeedFromConfig loads the role catalog, principals and templates declared in
// cfg. Roles and principals are upserted on every call; templates are created
// only when no template with the same id exists, so edits made through the
// API survive restarts.
func (e Engine) SeedFromConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	codes := make([]string, 0, len(cfg.Roles))
	for code := range cfg.Roles {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	roles := make([]domain.Role, 0, len(codes))
	for _, code := range codes {
		spec := cfg.Roles[code]
		roles = append(roles, domain.Role{
			Code:        code,
			Level:       spec.Level,
			Ceiling:     spec.Ceiling,
			Description: spec.Description,
			Permissions: spec.Permissions,
		})
	}
	if err := e.SeedRoles(ctx, roles); err != nil {
		return err
	}
	for _, p := range cfg.Principals {
		if _, err := e.PutPrincipal(ctx, PutPrincipalOptions{
			ID:          p.ID,
			RoleCode:    p.Role,
			UnitPath:    p.UnitPath,
			DisplayName: p.DisplayName,
		}); err != nil {
			return err
		}
	}
	for _, t := range cfg.Templates {
		if t.ID != "" {
			if _, err := e.GetTemplate(ctx, t.ID); err == nil {
				continue
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
		if _, err := e.CreateTemplate(ctx, CreateTemplateOptions{
			ID:           t.ID,
			Name:         t.Name,
			ResourceType: t.ResourceType,
			Steps:        StepsFromConfig(t.Steps),
		}); err != nil {
			return err
		}
	}
	e.Log.Debug().Int("roles", len(roles)).Int("principals", len(cfg.Principals)).Int("templates", len(cfg.Templates)).Msg("Configuration seeded")
	return nil
}

// StepsFromConfig converts configured steps to template steps.
func StepsFromConfig(specs []config.StepSpec) []domain.TemplateStep {
	steps := make([]domain.TemplateStep, 0, len(specs))
	for _, s := range specs {
		steps = append(steps, domain.TemplateStep{
			StepNumber:      s.StepNumber,
			ApproverRole:    s.ApproverRole,
			ApproverContext: s.ApproverContext,
			ApprovalType:    s.ApprovalType,
			TimeoutHours:    s.TimeoutHours,
			EscalateToRole:  s.EscalateToRole,
		})
	}
	return steps
}
