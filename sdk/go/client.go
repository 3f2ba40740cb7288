package signoffsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Signoff HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Step is one stage of a workflow template.
type Step struct {
	StepNumber      int    `json:"step_number"`
	ApproverRole    string `json:"approver_role"`
	ApproverContext string `json:"approver_context"`
	ApprovalType    string `json:"approval_type,omitempty"`
	TimeoutHours    int    `json:"timeout_hours,omitempty"`
	EscalateToRole  string `json:"escalate_to_role,omitempty"`
}

// Template represents a workflow template version.
type Template struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	Version      int    `json:"version"`
	Active       bool   `json:"active"`
	Steps        []Step `json:"steps"`
}

// Decision is one entry of an instance's decision log.
type Decision struct {
	StepNumber int     `json:"step_number"`
	ActorID    string  `json:"actor_id"`
	Action     string  `json:"action"`
	Comments   string  `json:"comments,omitempty"`
	OnBehalfOf *string `json:"on_behalf_of,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// Instance represents a running or closed approval.
type Instance struct {
	ID              string     `json:"id"`
	TemplateID      string     `json:"template_id"`
	TemplateVersion int        `json:"template_version"`
	ResourceType    string     `json:"resource_type"`
	ResourceID      string     `json:"resource_id"`
	Status          string     `json:"status"`
	CurrentStep     int        `json:"current_step"`
	Version         int        `json:"version"`
	Decisions       []Decision `json:"steps_completed"`
}

// Delegation grants a delegate the delegator's authority for a window.
type Delegation struct {
	ID          string   `json:"id"`
	DelegatorID string   `json:"delegator_id"`
	DelegateID  string   `json:"delegate_id"`
	Filters     []string `json:"filters"`
	Permissions []string `json:"permissions"`
	ValidFrom   string   `json:"valid_from"`
	ValidUntil  string   `json:"valid_until"`
	Revoked     bool     `json:"revoked"`
}

// ResourceContext describes the resource an authorization check targets.
type ResourceContext struct {
	Context      string   `json:"context,omitempty"`
	ResourceType string   `json:"resource_type,omitempty"`
	OwnerID      string   `json:"owner_id,omitempty"`
	UnitPath     []string `json:"unit_path,omitempty"`
}

// AuthorizeResult is the outcome of an authorization check.
type AuthorizeResult struct {
	Allow  bool   `json:"allow"`
	Via    string `json:"via,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Authorize asks whether principal holds code on rc.
func (c *Client) Authorize(ctx context.Context, principal, code string, rc ResourceContext) (AuthorizeResult, error) {
	body := map[string]any{
		"principal":        principal,
		"permission_code":  code,
		"resource_context": rc,
	}
	var resp AuthorizeResult
	err := c.do(ctx, http.MethodPost, "permissions/authorize", body, &resp)
	return resp, err
}

// CreateTemplate registers version 1 of a template.
func (c *Client) CreateTemplate(ctx context.Context, name, resourceType string, steps []Step) (Template, error) {
	body := map[string]any{
		"name":          name,
		"resource_type": resourceType,
		"steps":         steps,
	}
	var resp Template
	err := c.do(ctx, http.MethodPost, "workflow-templates", body, &resp)
	return resp, err
}

// UpdateTemplate publishes a new template version.
func (c *Client) UpdateTemplate(ctx context.Context, id string, steps []Step) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPut, "workflow-templates/"+url.PathEscape(id), map[string]any{"steps": steps}, &resp)
	return resp, err
}

// StartInstance opens an approval for a resource.
func (c *Client) StartInstance(ctx context.Context, templateID, resourceID string) (Instance, error) {
	body := map[string]any{
		"template_id": templateID,
		"resource_id": resourceID,
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "workflow-instances", body, &resp)
	return resp, err
}

// GetInstance fetches an instance with its decision log.
func (c *Client) GetInstance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "workflow-instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Decide records approve, reject or request_changes on the current step.
// expectedVersion of zero skips the optimistic check.
func (c *Client) Decide(ctx context.Context, instanceID, action, comments string, expectedVersion int) (Instance, error) {
	body := map[string]any{
		"action":   action,
		"comments": comments,
	}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflow-instances/%s/decide", url.PathEscape(instanceID)), body, &resp)
	return resp, err
}

// Cancel closes an open instance.
func (c *Client) Cancel(ctx context.Context, instanceID, comments string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflow-instances/%s/cancel", url.PathEscape(instanceID)), map[string]any{"comments": comments}, &resp)
	return resp, err
}

// Awaiting lists open instances the approver may decide now.
func (c *Client) Awaiting(ctx context.Context, approver string) ([]Instance, error) {
	var resp []Instance
	err := c.do(ctx, http.MethodGet, "workflow-instances?approver="+url.QueryEscape(approver), nil, &resp)
	return resp, err
}

// CreateDelegation delegates authority for the window [from, until].
func (c *Client) CreateDelegation(ctx context.Context, delegator, delegate string, filters []string, from, until time.Time, reason string) (Delegation, error) {
	body := map[string]any{
		"delegator_id": delegator,
		"delegate_id":  delegate,
		"filters":      filters,
		"valid_from":   from.UTC().Format(time.RFC3339),
		"valid_until":  until.UTC().Format(time.RFC3339),
		"reason":       reason,
	}
	var resp Delegation
	err := c.do(ctx, http.MethodPost, "delegations", body, &resp)
	return resp, err
}

// RevokeDelegation ends a delegation immediately.
func (c *Client) RevokeDelegation(ctx context.Context, id string) (Delegation, error) {
	var resp Delegation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("delegations/%s/revoke", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// EventsPage returns audit events older than cursor, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
