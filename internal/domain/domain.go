package domain

import "time"

const (
	StatusInProgress = "in_progress"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusCancelled  = "cancelled"
	StatusEscalated  = "escalated"
)

const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
	ActionCancel         = "cancel"
)

const (
	ApprovalAny = "any"
	ApprovalAll = "all"
)

// IsTerminal reports whether an instance in the given status accepts no further changes.
func IsTerminal(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

type Role struct {
	Code        string   `json:"code"`
	Level       int      `json:"level"`
	Ceiling     string   `json:"ceiling" enum:"own,team,branch,region,organization"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type Principal struct {
	ID          string   `json:"id"`
	RoleCode    string   `json:"role_code"`
	UnitPath    []string `json:"unit_path"`
	DisplayName string   `json:"display_name,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Delegation struct {
	ID          string   `json:"id"`
	DelegatorID string   `json:"delegator_id"`
	DelegateID  string   `json:"delegate_id"`
	Filters     []string `json:"filters,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	ValidFrom   string   `json:"valid_from" format:"date-time"`
	ValidUntil  string   `json:"valid_until" format:"date-time"`
	Revoked     bool     `json:"revoked"`
	RevokedAt   *string  `json:"revoked_at,omitempty" format:"date-time"`
	RevokedBy   *string  `json:"revoked_by,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// ActiveAt reports whether the delegation grants authority at asOf.
// Both bounds are inclusive.
func (d Delegation) ActiveAt(asOf time.Time) bool {
	if d.Revoked {
		return false
	}
	from, err := time.Parse(time.RFC3339, d.ValidFrom)
	if err != nil {
		return false
	}
	until, err := time.Parse(time.RFC3339, d.ValidUntil)
	if err != nil {
		return false
	}
	return !asOf.Before(from) && !asOf.After(until)
}

// Covers reports whether the delegation applies to the given resource type.
// An empty filter list matches every type.
func (d Delegation) Covers(resourceType string) bool {
	if len(d.Filters) == 0 {
		return true
	}
	for _, f := range d.Filters {
		if f == resourceType {
			return true
		}
	}
	return false
}

type TemplateStep struct {
	StepNumber      int    `json:"step_number"`
	ApproverRole    string `json:"approver_role"`
	ApproverContext string `json:"approver_context" enum:"own,team,branch,region,organization"`
	ApprovalType    string `json:"approval_type" enum:"any,all"`
	TimeoutHours    int    `json:"timeout_hours"`
	EscalateToRole  string `json:"escalate_to_role,omitempty"`
}

type WorkflowTemplate struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ResourceType string         `json:"resource_type"`
	Version      int            `json:"version"`
	Active       bool           `json:"active"`
	Steps        []TemplateStep `json:"steps"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

type DecisionEntry struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	StepNumber int     `json:"step_number"`
	Action     string  `json:"action" enum:"approve,reject,request_changes,cancel"`
	ActorID    string  `json:"actor_id"`
	OnBehalfOf *string `json:"on_behalf_of,omitempty"`
	Comments   string  `json:"comments,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type WorkflowInstance struct {
	ID                  string          `json:"id"`
	TemplateID          string          `json:"template_id"`
	TemplateVersion     int             `json:"template_version"`
	ResourceID          string          `json:"resource_id"`
	ResourceType        string          `json:"resource_type"`
	CreatedBy           string          `json:"created_by"`
	UnitPath            []string        `json:"unit_path,omitempty"`
	Status              string          `json:"status" enum:"in_progress,approved,rejected,cancelled,escalated"`
	CurrentStep         int             `json:"current_step"`
	StartedAt           string          `json:"started_at" format:"date-time"`
	StepStartedAt       string          `json:"step_started_at" format:"date-time"`
	DueAt               *string         `json:"due_at,omitempty" format:"date-time"`
	CompletedAt         *string         `json:"completed_at,omitempty" format:"date-time"`
	Version             int             `json:"version"`
	Steps               []TemplateStep  `json:"steps,omitempty"`
	OverdueNotifiedStep int             `json:"overdue_notified_step,omitempty"`
	Decisions           []DecisionEntry `json:"steps_completed"`
}

// Step returns the snapshot entry for the given step number.
func (i WorkflowInstance) Step(n int) (TemplateStep, bool) {
	for _, s := range i.Steps {
		if s.StepNumber == n {
			return s, true
		}
	}
	return TemplateStep{}, false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Name        string `json:"name,omitempty"`
	KeyHash     string `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
