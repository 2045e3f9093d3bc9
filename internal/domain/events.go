package domain

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventStageAdvance     EventType = "stage_advance"
	EventGateApproved     EventType = "gate_approved"
	EventGateRejected     EventType = "gate_rejected"
	EventGateReset        EventType = "gate_reset"
	EventReviewerAssigned EventType = "reviewer_assigned"
	EventManualOverride   EventType = "manual_override"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStageAdvance, EventGateApproved, EventGateRejected, EventGateReset, EventReviewerAssigned, EventManualOverride:
		return true
	}
	return false
}

// WorkflowEvent is an immutable audit record. ProjectID always names the owning project.
type WorkflowEvent struct {
	ID        int64         `json:"id"`
	ProjectID string        `json:"project_id"`
	Type      EventType     `json:"event_type"`
	FromStage *string       `json:"from_stage,omitempty"`
	ToStage   string        `json:"to_stage"`
	ActorID   string        `json:"actor_id"`
	Metadata  EventMetadata `json:"metadata"`
	TS        string        `json:"ts" format:"date-time"`
}

// EventMetadata is the closed set of payloads an event may carry.
// The scope tag separates project-level gate decisions from gate-entity decisions.
type EventMetadata interface {
	allows(EventType) bool
}

const (
	ScopeStage = "stage"
	ScopeGate  = "gate"
)

type StageAdvanceMetadata struct {
	Notes     string         `json:"notes,omitempty"`
	StageData map[string]any `json:"stage_data,omitempty"`
}

func (StageAdvanceMetadata) allows(t EventType) bool { return t == EventStageAdvance }

// StageGateMetadata records a single-actor decision on the current stage's gate flag.
type StageGateMetadata struct {
	Scope    string `json:"scope"`
	Feedback string `json:"feedback,omitempty"`
}

func (StageGateMetadata) allows(t EventType) bool {
	return t == EventGateApproved || t == EventGateRejected
}

// GateDecisionMetadata records an approve or reject on a persisted gate.
type GateDecisionMetadata struct {
	Scope           string         `json:"scope"`
	GateID          string         `json:"gate_id"`
	GateKey         string         `json:"gate_key"`
	GateName        string         `json:"gate_name"`
	Comment         string         `json:"comment,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Recommendations string         `json:"recommendations,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

func (GateDecisionMetadata) allows(t EventType) bool {
	return t == EventGateApproved || t == EventGateRejected
}

type GateResetMetadata struct {
	GateID         string     `json:"gate_id"`
	GateKey        string     `json:"gate_key"`
	GateName       string     `json:"gate_name"`
	PreviousStatus GateStatus `json:"previous_status"`
}

func (GateResetMetadata) allows(t EventType) bool { return t == EventGateReset }

type ReviewerAssignedMetadata struct {
	GateID     string `json:"gate_id"`
	GateKey    string `json:"gate_key"`
	ReviewerID string `json:"reviewer_id"`
	ContactID  string `json:"contact_id"`
	Role       string `json:"role"`
}

func (ReviewerAssignedMetadata) allows(t EventType) bool { return t == EventReviewerAssigned }

type ManualOverrideMetadata struct {
	Reason          string   `json:"reason"`
	PreviousGate    string   `json:"previous_gate_status"`
	RewoundStages   []string `json:"rewound_stages,omitempty"`
	CompletedBefore []string `json:"completed_before,omitempty"`
}

func (ManualOverrideMetadata) allows(t EventType) bool { return t == EventManualOverride }

// CheckMetadata ensures the metadata variant matches the event type.
func CheckMetadata(t EventType, md EventMetadata) error {
	if !t.Valid() {
		return fmt.Errorf("unknown event type %q", t)
	}
	if md == nil {
		return fmt.Errorf("event %s requires metadata", t)
	}
	if !md.allows(t) {
		return fmt.Errorf("metadata %T not allowed for event %s", md, t)
	}
	return nil
}

// DecodeMetadata restores the typed metadata stored for an event of type t.
func DecodeMetadata(t EventType, raw []byte) (EventMetadata, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		md  EventMetadata
		err error
	)
	switch t {
	case EventStageAdvance:
		var m StageAdvanceMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case EventGateApproved, EventGateRejected:
		var probe struct {
			Scope  string `json:"scope"`
			GateID string `json:"gate_id"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, err
		}
		if probe.Scope == ScopeGate || probe.GateID != "" {
			var m GateDecisionMetadata
			err = json.Unmarshal(raw, &m)
			md = m
		} else {
			var m StageGateMetadata
			err = json.Unmarshal(raw, &m)
			md = m
		}
	case EventGateReset:
		var m GateResetMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case EventReviewerAssigned:
		var m ReviewerAssignedMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case EventManualOverride:
		var m ManualOverrideMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", t, err)
	}
	return md, nil
}

// MetadataGateID returns the gate id recorded in md, if any.
func MetadataGateID(md EventMetadata) string {
	switch m := md.(type) {
	case GateDecisionMetadata:
		return m.GateID
	case GateResetMetadata:
		return m.GateID
	case ReviewerAssignedMetadata:
		return m.GateID
	}
	return ""
}
