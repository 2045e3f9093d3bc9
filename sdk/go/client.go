package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Workflow is the workflow state of a project with its next stages.
type Workflow struct {
	ProjectID            string         `json:"project_id"`
	TemplateID           string         `json:"template_id"`
	CurrentStage         string         `json:"current_stage"`
	CompletedStages      []string       `json:"completed_stages"`
	GateStatus           string         `json:"gate_status"`
	StageData            map[string]any `json:"stage_data,omitempty"`
	Version              int64          `json:"version"`
	AvailableTransitions []string       `json:"available_transitions"`
}

// Gate represents a project gate (partial).
type Gate struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	GateKey   string `json:"gate_key"`
	StageID   string `json:"stage_id"`
	Status    string `json:"status"`
	Version   int64  `json:"version"`
}

// GateCheck reports whether a gate can be approved now.
type GateCheck struct {
	Gate            Gate     `json:"gate"`
	DependenciesMet bool     `json:"dependencies_met"`
	BlockingKeys    []string `json:"blocking_gate_keys"`
	SequenceOK      bool     `json:"sequence_ok"`
	SequenceMessage string   `json:"sequence_message"`
	CanApprove      bool     `json:"can_approve"`
}

// Event represents an audit entry.
type Event struct {
	ID        int64          `json:"id"`
	ProjectID string         `json:"project_id"`
	EventType string         `json:"event_type"`
	FromStage *string        `json:"from_stage,omitempty"`
	ToStage   string         `json:"to_stage"`
	ActorID   string         `json:"actor_id"`
	Metadata  map[string]any `json:"metadata"`
	TS        string         `json:"ts"`
}

type Reviewer struct {
	GateID    string `json:"gate_id"`
	ContactID string `json:"contact_id"`
	Role      string `json:"role"`
}

type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Active bool   `json:"active"`
}

// History is one page of audit events, most recent first.
type History struct {
	Events   []Event `json:"events"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// from the response envelope when one was returned.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project; an empty template selects the server default.
func (c *Client) CreateProject(ctx context.Context, id, template, description string) (Workflow, []Gate, error) {
	body := map[string]any{"id": id, "template": template, "description": description}
	var resp struct {
		Project struct {
			ID       string `json:"id"`
			Workflow struct {
				TemplateID      string   `json:"template_id"`
				CurrentStage    string   `json:"current_stage"`
				CompletedStages []string `json:"completed_stages"`
				GateStatus      string   `json:"gate_status"`
				Version         int64    `json:"version"`
			} `json:"workflow"`
		} `json:"project"`
		Gates []Gate `json:"gates"`
	}
	if err := c.do(ctx, http.MethodPost, "projects", body, &resp); err != nil {
		return Workflow{}, nil, err
	}
	wf := resp.Project.Workflow
	return Workflow{
		ProjectID:       resp.Project.ID,
		TemplateID:      wf.TemplateID,
		CurrentStage:    wf.CurrentStage,
		CompletedStages: wf.CompletedStages,
		GateStatus:      wf.GateStatus,
		Version:         wf.Version,
	}, resp.Gates, nil
}

// Workflow returns the workflow state of a project.
func (c *Client) Workflow(ctx context.Context, projectID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "workflow"), nil, &resp)
	return resp, err
}

// Advance moves a project to target.
func (c *Client) Advance(ctx context.Context, projectID, target, notes string, stageData map[string]any) (Workflow, Event, error) {
	body := map[string]any{"target_stage": target, "notes": notes}
	if len(stageData) > 0 {
		body["stage_data"] = stageData
	}
	return c.projectMutation(ctx, projectPath(projectID, "workflow/advance"), body)
}

// ApproveStageGate approves the current stage's gate flag.
func (c *Client) ApproveStageGate(ctx context.Context, projectID, feedback string) (Workflow, Event, error) {
	return c.projectMutation(ctx, projectPath(projectID, "workflow/gate/approve"), map[string]any{"feedback": feedback})
}

// RejectStageGate rejects the current stage's gate flag.
func (c *Client) RejectStageGate(ctx context.Context, projectID, feedback string) (Workflow, Event, error) {
	return c.projectMutation(ctx, projectPath(projectID, "workflow/gate/reject"), map[string]any{"feedback": feedback})
}

// Override moves a project to any stage of its template.
func (c *Client) Override(ctx context.Context, projectID, target, reason string) (Workflow, Event, error) {
	body := map[string]any{"target_stage": target, "reason": reason}
	return c.projectMutation(ctx, projectPath(projectID, "workflow/override"), body)
}

func (c *Client) projectMutation(ctx context.Context, endpoint string, body any) (Workflow, Event, error) {
	var resp struct {
		Workflow Workflow `json:"workflow"`
		Event    Event    `json:"event"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Workflow, resp.Event, err
}

// Gates lists the gates of a project, optionally limited to one stage.
func (c *Client) Gates(ctx context.Context, projectID, stage string) ([]Gate, error) {
	endpoint := projectPath(projectID, "gates")
	if stage != "" {
		endpoint += "?stage=" + url.QueryEscape(stage)
	}
	var resp []Gate
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckGate returns a gate with its dependency and sequence status.
func (c *Client) CheckGate(ctx context.Context, gateID string) (GateCheck, error) {
	var resp GateCheck
	err := c.do(ctx, http.MethodGet, gatePath(gateID, ""), nil, &resp)
	return resp, err
}

// ApproveGate approves a gate.
func (c *Client) ApproveGate(ctx context.Context, gateID, comment string, metadata map[string]any) (Gate, Event, error) {
	body := map[string]any{"comment": comment}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	return c.gateMutation(ctx, gatePath(gateID, "approve"), body)
}

// RejectGate rejects a gate. The server requires a reason of at least ten characters.
func (c *Client) RejectGate(ctx context.Context, gateID, reason, recommendations string) (Gate, Event, error) {
	body := map[string]any{"reason": reason, "recommendations": recommendations}
	return c.gateMutation(ctx, gatePath(gateID, "reject"), body)
}

// ResetGate returns a decided gate to pending.
func (c *Client) ResetGate(ctx context.Context, gateID string) (Gate, Event, error) {
	return c.gateMutation(ctx, gatePath(gateID, "reset"), nil)
}

func (c *Client) gateMutation(ctx context.Context, endpoint string, body any) (Gate, Event, error) {
	var resp struct {
		Gate  Gate  `json:"gate"`
		Event Event `json:"event"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Gate, resp.Event, err
}

// CreateContact adds a reviewer to the directory.
func (c *Client) CreateContact(ctx context.Context, id, name, email string) (Contact, error) {
	var resp Contact
	err := c.do(ctx, http.MethodPost, "contacts", map[string]any{"id": id, "name": name, "email": email}, &resp)
	return resp, err
}

// AssignReviewer assigns a contact to a gate.
func (c *Client) AssignReviewer(ctx context.Context, gateID, contactID, role string) (Reviewer, Event, error) {
	var resp struct {
		Reviewer Reviewer `json:"reviewer"`
		Event    Event    `json:"event"`
	}
	body := map[string]any{"contact_id": contactID, "role": role}
	err := c.do(ctx, http.MethodPost, gatePath(gateID, "reviewers"), body, &resp)
	return resp.Reviewer, resp.Event, err
}

// RemoveReviewer unassigns a contact from a gate.
func (c *Client) RemoveReviewer(ctx context.Context, gateID, contactID string) error {
	return c.do(ctx, http.MethodDelete, gatePath(gateID, "reviewers/"+url.PathEscape(contactID)), nil, nil)
}

// History returns one page of a project's audit trail. An empty eventType
// returns every type.
func (c *Client) History(ctx context.Context, projectID, eventType string, page, pageSize int) (History, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("event_type", eventType)
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if pageSize > 0 {
		q.Set("page_size", fmt.Sprint(pageSize))
	}
	endpoint := projectPath(projectID, "workflow/history")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp History
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func gatePath(gateID, p string) string {
	if p == "" {
		return "gates/" + url.PathEscape(gateID)
	}
	return fmt.Sprintf("gates/%s/%s", url.PathEscape(gateID), p)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
