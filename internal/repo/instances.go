package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"signoff/internal/domain"
)

const instanceColumns = `id, template_id, template_version, resource_id, resource_type, created_by, unit_path_json, status, current_step, started_at, step_started_at, due_at, completed_at, version, steps_json, overdue_notified_step`

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	path, err := encodeList(inst.UnitPath)
	if err != nil {
		return err
	}
	var steps any
	if inst.Steps != nil {
		data, err := json.Marshal(inst.Steps)
		if err != nil {
			return fmt.Errorf("encode steps snapshot: %w", err)
		}
		steps = string(data)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.ResourceID, inst.ResourceType, inst.CreatedBy, path,
		inst.Status, inst.CurrentStep, inst.StartedAt, inst.StepStartedAt, nullableStringPtr(inst.DueAt), nullableStringPtr(inst.CompletedAt),
		inst.Version, steps, inst.OverdueNotifiedStep)
	return err
}

// GetInstance loads an instance with its steps and decision log.
func (r Repo) GetInstance(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	inst, err := r.scanInstance(ctx, tx, r.queryRow(ctx, tx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	inst.Decisions, err = r.ListDecisions(ctx, tx, inst.ID)
	return inst, err
}

// UpdateInstanceState writes the mutable instance fields and bumps the version,
// provided the stored version still equals expectedVersion.
func (r Repo) UpdateInstanceState(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, expectedVersion int) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE workflow_instances SET status=?, current_step=?, step_started_at=?, due_at=?, completed_at=?, overdue_notified_step=?, version=version+1
WHERE id=? AND version=?`,
		inst.Status, inst.CurrentStep, inst.StepStartedAt, nullableStringPtr(inst.DueAt), nullableStringPtr(inst.CompletedAt), inst.OverdueNotifiedStep,
		inst.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendDecision appends one entry to the instance's decision log.
func (r Repo) AppendDecision(ctx context.Context, tx *sql.Tx, d domain.DecisionEntry) error {
	var seq int
	if err := r.queryRow(ctx, tx, `SELECT COALESCE(MAX(seq),0)+1 FROM instance_decisions WHERE instance_id=?`, d.InstanceID).Scan(&seq); err != nil {
		return err
	}
	_, err := r.exec(ctx, tx, `INSERT INTO instance_decisions(id, instance_id, seq, step_number, action, actor_id, on_behalf_of, comments, created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.InstanceID, seq, d.StepNumber, d.Action, d.ActorID, nullableStringPtr(d.OnBehalfOf), nullable(d.Comments), d.CreatedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.DecisionEntry, error) {
	rows, err := r.query(ctx, tx, `SELECT id, instance_id, step_number, action, actor_id, on_behalf_of, COALESCE(comments,''), created_at
FROM instance_decisions WHERE instance_id=? ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DecisionEntry{}
	for rows.Next() {
		var d domain.DecisionEntry
		var onBehalf sql.NullString
		if err := rows.Scan(&d.ID, &d.InstanceID, &d.StepNumber, &d.Action, &d.ActorID, &onBehalf, &d.Comments, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.OnBehalfOf = stringPtr(onBehalf)
		res = append(res, d)
	}
	return res, rows.Err()
}

// InstanceFilters narrows ListInstances. Zero values match everything.
type InstanceFilters struct {
	OpenOnly     bool
	Status       string
	ResourceType string
	TemplateID   string
	CreatedBy    string
	// DueBefore selects instances whose due_at is set and earlier than the value.
	DueBefore string
	Limit     int
}

// ListInstances returns instances ordered by start time, oldest first.
// Decision logs are loaded only when withDecisions is set.
func (r Repo) ListInstances(ctx context.Context, tx *sql.Tx, f InstanceFilters, withDecisions bool) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE 1=1`
	var args []any
	if f.OpenOnly {
		query += ` AND status IN (?,?)`
		args = append(args, openStatuses...)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.ResourceType != "" {
		query += ` AND resource_type=?`
		args = append(args, f.ResourceType)
	}
	if f.TemplateID != "" {
		query += ` AND template_id=?`
		args = append(args, f.TemplateID)
	}
	if f.CreatedBy != "" {
		query += ` AND created_by=?`
		args = append(args, f.CreatedBy)
	}
	if f.DueBefore != "" {
		query += ` AND due_at IS NOT NULL AND due_at < ?`
		args = append(args, f.DueBefore)
	}
	query += ` ORDER BY started_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	type raw struct {
		inst  domain.WorkflowInstance
		steps sql.NullString
	}
	var raws []raw
	for rows.Next() {
		var rw raw
		if err := scanInstanceRow(rows, &rw.inst, &rw.steps); err != nil {
			rows.Close()
			return nil, err
		}
		raws = append(raws, rw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	res := make([]domain.WorkflowInstance, 0, len(raws))
	for _, rw := range raws {
		inst := rw.inst
		if err := r.resolveSteps(ctx, tx, &inst, rw.steps); err != nil {
			return nil, err
		}
		if withDecisions {
			if inst.Decisions, err = r.ListDecisions(ctx, tx, inst.ID); err != nil {
				return nil, err
			}
		}
		res = append(res, inst)
	}
	return res, nil
}

func (r Repo) scanInstance(ctx context.Context, tx *sql.Tx, s scanner) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	var steps sql.NullString
	if err := scanInstanceRow(s, &inst, &steps); err != nil {
		return inst, err
	}
	return inst, r.resolveSteps(ctx, tx, &inst, steps)
}

func scanInstanceRow(s scanner, inst *domain.WorkflowInstance, steps *sql.NullString) error {
	var path string
	var dueAt, completedAt sql.NullString
	if err := s.Scan(&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.ResourceID, &inst.ResourceType, &inst.CreatedBy, &path,
		&inst.Status, &inst.CurrentStep, &inst.StartedAt, &inst.StepStartedAt, &dueAt, &completedAt, &inst.Version, steps, &inst.OverdueNotifiedStep); err != nil {
		return err
	}
	units, err := decodeList(path)
	if err != nil {
		return err
	}
	inst.UnitPath = units
	inst.DueAt = stringPtr(dueAt)
	inst.CompletedAt = stringPtr(completedAt)
	return nil
}

// resolveSteps fills the step list from the snapshot, or from the template
// version rows for instances stored without one.
func (r Repo) resolveSteps(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance, snapshot sql.NullString) error {
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &inst.Steps); err != nil {
			return fmt.Errorf("decode steps snapshot for %s: %w", inst.ID, err)
		}
		return nil
	}
	steps, err := r.TemplateSteps(ctx, tx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		return err
	}
	inst.Steps = steps
	return nil
}
