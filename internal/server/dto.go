package server

import (
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
)

// Request payloads

type ResourceContextRequest struct {
	Context      string   `json:"context,omitempty" enum:"own,team,branch,region,organization"`
	ResourceType string   `json:"resource_type,omitempty"`
	OwnerID      string   `json:"owner_id,omitempty"`
	UnitPath     []string `json:"unit_path,omitempty"`
}

type AuthorizeRequest struct {
	Principal       string                 `json:"principal"`
	PermissionCode  string                 `json:"permission_code" example:"workflow.approve.team"`
	ResourceContext ResourceContextRequest `json:"resource_context,omitempty"`
}

type CreateDelegationRequest struct {
	ID          string   `json:"id,omitempty"`
	DelegatorID string   `json:"delegator_id"`
	DelegateID  string   `json:"delegate_id"`
	Filters     []string `json:"filters,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	ValidFrom   string   `json:"valid_from" format:"date-time"`
	ValidUntil  string   `json:"valid_until" format:"date-time"`
	Reason      string   `json:"reason,omitempty"`
}

type StepRequest struct {
	StepNumber      int    `json:"step_number" minimum:"1"`
	ApproverRole    string `json:"approver_role"`
	ApproverContext string `json:"approver_context" enum:"own,team,branch,region,organization"`
	ApprovalType    string `json:"approval_type,omitempty" enum:"any,all"`
	TimeoutHours    int    `json:"timeout_hours,omitempty" minimum:"0"`
	EscalateToRole  string `json:"escalate_to_role,omitempty"`
}

type CreateTemplateRequest struct {
	ID           string        `json:"id,omitempty"`
	Name         string        `json:"name"`
	ResourceType string        `json:"resource_type"`
	Steps        []StepRequest `json:"steps"`
}

type UpdateTemplateRequest struct {
	Name  string        `json:"name,omitempty"`
	Steps []StepRequest `json:"steps"`
}

type StartInstanceRequest struct {
	ID         string `json:"id,omitempty"`
	TemplateID string `json:"template_id"`
	ResourceID string `json:"resource_id"`
	// ActorID must match the authenticated principal when set.
	ActorID  string   `json:"actor_id,omitempty"`
	UnitPath []string `json:"unit_path,omitempty"`
}

type DecideRequest struct {
	ActorID         string `json:"actor_id,omitempty"`
	Action          string `json:"action" enum:"approve,reject,request_changes"`
	Comments        string `json:"comments,omitempty"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
}

type CancelRequest struct {
	ActorID  string `json:"actor_id,omitempty"`
	Comments string `json:"comments,omitempty"`
}

type PutPrincipalRequest struct {
	RoleCode    string   `json:"role_code"`
	UnitPath    []string `json:"unit_path,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
}

// Response payloads

type AuthorizeResponse struct {
	Allow  bool   `json:"allow"`
	Via    string `json:"via,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type MeResponse struct {
	Principal domain.Principal    `json:"principal"`
	Role      domain.Role         `json:"role"`
	Source    string              `json:"source" enum:"jwt,api_key"`
	Acting    []domain.Delegation `json:"acting_under"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func toSteps(in []StepRequest) []domain.TemplateStep {
	out := make([]domain.TemplateStep, 0, len(in))
	for _, s := range in {
		out = append(out, domain.TemplateStep{
			StepNumber:      s.StepNumber,
			ApproverRole:    s.ApproverRole,
			ApproverContext: s.ApproverContext,
			ApprovalType:    s.ApprovalType,
			TimeoutHours:    s.TimeoutHours,
			EscalateToRole:  s.EscalateToRole,
		})
	}
	return out
}

func toResourceContext(in ResourceContextRequest) (auth.ResourceContext, error) {
	rc := auth.ResourceContext{
		ResourceType: in.ResourceType,
		OwnerID:      in.OwnerID,
		UnitPath:     in.UnitPath,
	}
	if in.Context != "" {
		c, err := auth.ParseContext(in.Context)
		if err != nil {
			return rc, err
		}
		rc.Context = c
	}
	return rc, nil
}

func instanceResponse(inst domain.WorkflowInstance) domain.WorkflowInstance {
	if inst.Decisions == nil {
		inst.Decisions = []domain.DecisionEntry{}
	}
	if inst.Steps == nil {
		inst.Steps = []domain.TemplateStep{}
	}
	return inst
}

func mapInstances(items []domain.WorkflowInstance) []domain.WorkflowInstance {
	res := make([]domain.WorkflowInstance, 0, len(items))
	for _, inst := range items {
		res = append(res, instanceResponse(inst))
	}
	return res
}

func templateResponse(t domain.WorkflowTemplate) domain.WorkflowTemplate {
	if t.Steps == nil {
		t.Steps = []domain.TemplateStep{}
	}
	return t
}

func mapTemplates(items []domain.WorkflowTemplate) []domain.WorkflowTemplate {
	res := make([]domain.WorkflowTemplate, 0, len(items))
	for _, t := range items {
		res = append(res, templateResponse(t))
	}
	return res
}

func principalResponse(p domain.Principal) domain.Principal {
	if p.UnitPath == nil {
		p.UnitPath = []string{}
	}
	return p
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func decisionOptions(instanceID, actorID string, req DecideRequest) engine.DecisionOptions {
	return engine.DecisionOptions{
		InstanceID:      instanceID,
		ActorID:         actorID,
		Action:          req.Action,
		Comments:        req.Comments,
		ExpectedVersion: req.ExpectedVersion,
	}
}
