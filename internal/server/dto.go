package server

import (
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/template"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id" minLength:"1"`
	Template    string `json:"template,omitempty" doc:"Template id or id@version; defaults to the configured default template"`
	Description string `json:"description,omitempty"`
}

type AdvanceRequest struct {
	TargetStage string         `json:"target_stage" minLength:"1"`
	Notes       string         `json:"notes,omitempty"`
	StageData   map[string]any `json:"stage_data,omitempty"`
}

type StageGateRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type OverrideRequest struct {
	TargetStage string `json:"target_stage" minLength:"1"`
	Reason      string `json:"reason" minLength:"1"`
}

type ApproveGateRequest struct {
	Comment  string         `json:"comment,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RejectGateRequest struct {
	Reason          string `json:"reason"`
	Recommendations string `json:"recommendations,omitempty"`
}

type AssignReviewerRequest struct {
	ContactID string `json:"contact_id" minLength:"1"`
	Role      string `json:"role,omitempty"`
}

type CreateContactRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name" minLength:"1"`
	Email string `json:"email,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"project_id"`
	EventType string  `json:"event_type"`
	FromStage *string `json:"from_stage,omitempty"`
	ToStage   string  `json:"to_stage"`
	ActorID   string  `json:"actor_id"`
	Metadata  any     `json:"metadata,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
}

type WorkflowResponse struct {
	ProjectID            string                 `json:"project_id"`
	TemplateID           string                 `json:"template_id"`
	TemplateName         string                 `json:"template_name"`
	CurrentStage         string                 `json:"current_stage"`
	CurrentStageName     string                 `json:"current_stage_name"`
	CompletedStages      []string               `json:"completed_stages"`
	GateStatus           domain.StageGateStatus `json:"gate_status"`
	StageData            map[string]any         `json:"stage_data,omitempty"`
	LastTransitionAt     *string                `json:"last_transition_at,omitempty"`
	Version              int64                  `json:"version"`
	AvailableTransitions []string               `json:"available_transitions"`
}

type StageResponse struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	GateRequired bool     `json:"gate_required"`
	Next         []string `json:"next"`
}

type TransitionsResponse struct {
	CurrentStage string          `json:"current_stage"`
	GateStatus   string          `json:"gate_status"`
	Transitions  []StageResponse `json:"transitions"`
}

type ProjectResponse struct {
	Project domain.Project `json:"project"`
	Gates   []domain.Gate  `json:"gates"`
}

type ProjectMutationResponse struct {
	Workflow WorkflowResponse `json:"workflow"`
	Event    EventResponse    `json:"event"`
}

type GateMutationResponse struct {
	Gate  domain.Gate   `json:"gate"`
	Event EventResponse `json:"event"`
}

type ReviewerMutationResponse struct {
	Reviewer domain.GateReviewer `json:"reviewer"`
	Event    EventResponse       `json:"event"`
}

type HistoryResponse struct {
	Events   []EventResponse `json:"events"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type GateDefinitionResponse struct {
	Key              string   `json:"key"`
	DisplayName      string   `json:"display_name"`
	StageID          string   `json:"stage_id"`
	RequiredGateKeys []string `json:"required_gate_keys,omitempty"`
	SequenceNumber   *int     `json:"sequence_number,omitempty"`
}

type TemplateResponse struct {
	ID          string                   `json:"id"`
	Ref         string                   `json:"ref"`
	DisplayName string                   `json:"display_name"`
	Version     string                   `json:"version"`
	EntryStage  string                   `json:"entry_stage"`
	Stages      []StageResponse          `json:"stages"`
	Gates       []GateDefinitionResponse `json:"gates"`
}

func eventResponse(evt domain.WorkflowEvent) EventResponse {
	return EventResponse{
		ID:        evt.ID,
		ProjectID: evt.ProjectID,
		EventType: string(evt.Type),
		FromStage: evt.FromStage,
		ToStage:   evt.ToStage,
		ActorID:   evt.ActorID,
		Metadata:  evt.Metadata,
		TS:        evt.TS,
	}
}

func historyResponse(page engine.HistoryPage) HistoryResponse {
	resp := HistoryResponse{Events: make([]EventResponse, 0, len(page.Events)), Total: page.Total, Page: page.Page, PageSize: page.PageSize}
	for _, evt := range page.Events {
		resp.Events = append(resp.Events, eventResponse(evt))
	}
	return resp
}

func workflowResponse(view engine.WorkflowView) WorkflowResponse {
	wf := view.Project.Workflow
	return WorkflowResponse{
		ProjectID:            view.Project.ID,
		TemplateID:           wf.TemplateID,
		TemplateName:         view.Template.DisplayName,
		CurrentStage:         wf.CurrentStage,
		CurrentStageName:     view.Current.DisplayName,
		CompletedStages:      nonNilSlice(wf.CompletedStages),
		GateStatus:           wf.GateStatus,
		StageData:            wf.StageData,
		LastTransitionAt:     wf.LastTransitionAt,
		Version:              wf.Version,
		AvailableTransitions: nonNilSlice(view.Transitions),
	}
}

func stageResponse(s template.StageDefinition) StageResponse {
	return StageResponse{ID: s.ID, DisplayName: s.DisplayName, GateRequired: s.GateRequired, Next: nonNilSlice(s.NextStageIDs)}
}

func templateResponse(t *template.WorkflowTemplate) TemplateResponse {
	resp := TemplateResponse{
		ID:          t.ID,
		Ref:         t.Ref(),
		DisplayName: t.DisplayName,
		Version:     t.Version.String(),
		EntryStage:  t.EntryStage,
		Stages:      []StageResponse{},
		Gates:       []GateDefinitionResponse{},
	}
	for _, s := range t.OrderedStages() {
		resp.Stages = append(resp.Stages, stageResponse(s))
	}
	for _, g := range t.Gates {
		resp.Gates = append(resp.Gates, GateDefinitionResponse{
			Key:              g.Key,
			DisplayName:      g.DisplayName,
			StageID:          g.StageID,
			RequiredGateKeys: g.RequiredGateKeys,
			SequenceNumber:   g.SequenceNumber,
		})
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
