package engine

import (
	"context"
	"database/sql"
	"time"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/metrics"
	"signoff/internal/repo"
)

// EscalationReport lists the instances a scheduler tick acted on.
type EscalationReport struct {
	Escalated []string `json:"escalated"`
	Overdue   []string `json:"overdue"`
}

// EscalateOverdue scans open instances past their step deadline. Steps with
// an escalation role move the instance to escalated; steps without one get a
// single overdue notification. Instances already handled are left alone.
func (e Engine) EscalateOverdue(ctx context.Context) (EscalationReport, error) {
	report := EscalationReport{Escalated: []string{}, Overdue: []string{}}
	now := e.now()
	var due []domain.WorkflowInstance
	err := e.withStore(ctx, "scan_overdue", func(ctx context.Context) error {
		var err error
		due, err = e.Repo.ListInstances(ctx, nil, repo.InstanceFilters{OpenOnly: true, DueBefore: formatTime(now)}, false)
		return err
	})
	if err != nil {
		return report, err
	}
	for _, candidate := range due {
		kind, err := e.escalateOne(ctx, candidate.ID, now)
		if err != nil {
			return report, err
		}
		switch kind {
		case "escalated":
			report.Escalated = append(report.Escalated, candidate.ID)
		case "overdue":
			report.Overdue = append(report.Overdue, candidate.ID)
		default:
			continue
		}
		metrics.Escalations.WithLabelValues(kind).Inc()
	}
	if len(report.Escalated)+len(report.Overdue) > 0 {
		e.Log.Info().Int("escalated", len(report.Escalated)).Int("overdue", len(report.Overdue)).Msg("Escalation scan finished")
	}
	return report, nil
}

func (e Engine) escalateOne(ctx context.Context, id string, now time.Time) (string, error) {
	var kind string
	err := e.inTx(ctx, "escalate_instance", func(ctx context.Context, tx *sql.Tx) error {
		kind = ""
		inst, err := e.Repo.GetInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if domain.IsTerminal(inst.Status) || inst.DueAt == nil {
			return nil
		}
		step, ok := inst.Step(inst.CurrentStep)
		if !ok || step.TimeoutHours <= 0 {
			return nil
		}
		due, err := time.Parse(time.RFC3339, *inst.DueAt)
		if err != nil || !now.After(due) {
			return err
		}
		next := inst
		var evt string
		payload := events.EventPayload{"step_number": inst.CurrentStep, "due_at": *inst.DueAt}
		if step.EscalateToRole != "" {
			if inst.Status == domain.StatusEscalated {
				return nil
			}
			next.Status = domain.StatusEscalated
			evt, kind = events.InstanceEscalated, "escalated"
			payload["escalate_to_role"] = step.EscalateToRole
			payload["approver_role"] = step.ApproverRole
		} else {
			if inst.OverdueNotifiedStep == inst.CurrentStep {
				return nil
			}
			next.OverdueNotifiedStep = inst.CurrentStep
			evt, kind = events.InstanceOverdue, "overdue"
		}
		ok, err = e.Repo.UpdateInstanceState(ctx, tx, next, inst.Version)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent decision moved the instance; the next tick re-evaluates it.
			kind = ""
			return nil
		}
		return e.emit(ctx, tx, evt, "instance", inst.ID, SystemActor, payload)
	})
	return kind, err
}
