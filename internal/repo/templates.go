package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

const templateColumns = `id, name, resource_type, version, active, created_by, created_at, updated_at`

// InsertTemplate stores a template header and the steps of its current version.
func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	_, err := r.exec(ctx, tx, `INSERT INTO workflow_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.ResourceType, t.Version, boolInt(t.Active), t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	return r.InsertTemplateSteps(ctx, tx, t.ID, t.Version, t.Steps)
}

// UpdateTemplateHeader points the template at a new version. Steps of earlier
// versions stay in place.
func (r Repo) UpdateTemplateHeader(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	res, err := r.exec(ctx, tx, `UPDATE workflow_templates SET name=?, version=?, updated_at=? WHERE id=?`, t.Name, t.Version, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTemplateSteps(ctx context.Context, tx *sql.Tx, templateID string, version int, steps []domain.TemplateStep) error {
	for _, s := range steps {
		_, err := r.exec(ctx, tx, `INSERT INTO template_steps(template_id, version, step_number, approver_role, approver_context, approval_type, timeout_hours, escalate_to_role)
VALUES (?,?,?,?,?,?,?,?)`,
			templateID, version, s.StepNumber, s.ApproverRole, s.ApproverContext, s.ApprovalType, s.TimeoutHours, nullable(s.EscalateToRole))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetTemplateActive(ctx context.Context, tx *sql.Tx, id string, active bool, updatedAt string) error {
	res, err := r.exec(ctx, tx, `UPDATE workflow_templates SET active=?, updated_at=? WHERE id=?`, boolInt(active), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTemplate returns the template with the steps of its current version.
func (r Repo) GetTemplate(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowTemplate, error) {
	t, err := scanTemplate(r.queryRow(ctx, tx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Steps, err = r.TemplateSteps(ctx, tx, t.ID, t.Version)
	return t, err
}

// TemplateSteps returns the steps of one template version ordered by step number.
func (r Repo) TemplateSteps(ctx context.Context, tx *sql.Tx, templateID string, version int) ([]domain.TemplateStep, error) {
	rows, err := r.query(ctx, tx, `SELECT step_number, approver_role, approver_context, approval_type, timeout_hours, COALESCE(escalate_to_role,'')
FROM template_steps WHERE template_id=? AND version=? ORDER BY step_number`, templateID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.TemplateStep
	for rows.Next() {
		var s domain.TemplateStep
		if err := rows.Scan(&s.StepNumber, &s.ApproverRole, &s.ApproverContext, &s.ApprovalType, &s.TimeoutHours, &s.EscalateToRole); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// TemplateFilters narrows ListTemplates.
type TemplateFilters struct {
	ResourceType    string
	IncludeInactive bool
}

func (r Repo) ListTemplates(ctx context.Context, tx *sql.Tx, f TemplateFilters) ([]domain.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE 1=1`
	var args []any
	if f.ResourceType != "" {
		query += ` AND resource_type=?`
		args = append(args, f.ResourceType)
	}
	if !f.IncludeInactive {
		query += ` AND active=1`
	}
	query += ` ORDER BY name, id`
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		steps, err := r.TemplateSteps(ctx, tx, res[i].ID, res[i].Version)
		if err != nil {
			return nil, err
		}
		res[i].Steps = steps
	}
	return res, nil
}

// CountOpenInstancesWithoutSnapshot counts non-terminal instances of a
// template that still read their steps from the template itself.
func (r Repo) CountOpenInstancesWithoutSnapshot(ctx context.Context, tx *sql.Tx, templateID string) (int, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM workflow_instances WHERE template_id=? AND status IN (?,?) AND steps_json IS NULL`,
		append([]any{templateID}, openStatuses...)...).Scan(&n)
	return n, err
}

func scanTemplate(s scanner) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	var active int
	err := s.Scan(&t.ID, &t.Name, &t.ResourceType, &t.Version, &active, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	t.Active = active != 0
	return t, err
}
