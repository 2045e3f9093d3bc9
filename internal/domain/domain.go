package domain

import "slices"

// StageGateStatus is the single gate flag carried by a project's workflow state.
type StageGateStatus string

const (
	StageGatePending     StageGateStatus = "pending"
	StageGateApproved    StageGateStatus = "approved"
	StageGateRejected    StageGateStatus = "rejected"
	StageGateNotRequired StageGateStatus = "not_required"
)

// GateStatus is the status of a persisted multi-reviewer gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
	GateBlocked  GateStatus = "blocked"
)

// StageDataTemplateKey is the stage data entry naming the template a project follows.
const StageDataTemplateKey = "template_id"

type Project struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Description string        `json:"description,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	Workflow    WorkflowState `json:"workflow"`
}

// WorkflowState is embedded in the owning project row and mutated in place.
type WorkflowState struct {
	TemplateID       string          `json:"template_id"`
	CurrentStage     string          `json:"current_stage"`
	CompletedStages  []string        `json:"completed_stages"`
	StageData        map[string]any  `json:"stage_data,omitempty"`
	LastTransitionAt *string         `json:"last_transition_at,omitempty" format:"date-time"`
	GateStatus       StageGateStatus `json:"gate_status" enum:"pending,approved,rejected,not_required"`
	Version          int64           `json:"version"`
}

// HasCompleted reports whether stageID was already visited.
func (s WorkflowState) HasCompleted(stageID string) bool {
	return slices.Contains(s.CompletedStages, stageID)
}

type Gate struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	TemplateID  string       `json:"template_id"`
	GateKey     string       `json:"gate_key"`
	DisplayName string       `json:"display_name"`
	StageID     string       `json:"stage_id"`
	Criteria    GateCriteria `json:"criteria"`
	Status      GateStatus   `json:"status" enum:"pending,approved,rejected,blocked"`
	Version     int64        `json:"version"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
}

// GateCriteria holds the typed requirements of a gate plus the last recorded decision.
type GateCriteria struct {
	RequiredGateKeys []string      `json:"required_gate_keys,omitempty"`
	SequenceNumber   *int          `json:"sequence_number,omitempty"`
	Description      string        `json:"description,omitempty"`
	Checklist        []string      `json:"checklist,omitempty"`
	Decision         *GateDecision `json:"decision,omitempty"`
}

type GateDecision struct {
	Outcome         GateStatus     `json:"outcome"`
	ActorID         string         `json:"actor_id"`
	At              string         `json:"at" format:"date-time"`
	Comment         string         `json:"comment,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Recommendations string         `json:"recommendations,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type GateReviewer struct {
	ID         string `json:"id"`
	GateID     string `json:"gate_id"`
	ContactID  string `json:"contact_id"`
	Role       string `json:"role"`
	AssignedAt string `json:"assigned_at" format:"date-time"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

// GateMetrics summarises the gates of one project.
type GateMetrics struct {
	ProjectID      string         `json:"project_id"`
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByStage        map[string]int `json:"by_stage"`
	Reviewers      int            `json:"reviewers"`
	Unreviewed     int            `json:"unreviewed"`
	ApprovalRatio  float64        `json:"approval_ratio"`
	CurrentStage   string         `json:"current_stage"`
	CurrentPending int            `json:"current_stage_pending"`
}
