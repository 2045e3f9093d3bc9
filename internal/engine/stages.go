package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/template"
)

type InitOptions struct {
	ProjectID   string
	Template    string
	Description string
	ActorID     string
}

// InitProject creates a project at the template's entry stage and
// instantiates the template's gates for it.
func (e Engine) InitProject(ctx context.Context, opts InitOptions) (p domain.Project, gates []domain.Gate, err error) {
	ctx, span := e.startSpan(ctx, "engine.InitProject", attribute.String("project.id", opts.ProjectID))
	defer func() { finishSpan(span, err) }()

	if strings.TrimSpace(opts.ProjectID) == "" {
		return p, nil, newError(KindInvalidInput, nil, "project id is required")
	}
	if e.Templates == nil {
		return p, nil, newError(KindConfiguration, nil, "no template registry configured")
	}
	tpl, err := e.Templates.Load(opts.Template)
	if err != nil {
		return p, nil, err
	}
	now := e.timestamp()
	p = domain.Project{
		ID:          opts.ProjectID,
		Status:      "active",
		Description: opts.Description,
		CreatedAt:   now,
		Workflow: domain.WorkflowState{
			TemplateID:      tpl.Ref(),
			CurrentStage:    tpl.EntryStage,
			CompletedStages: []string{},
			StageData:       map[string]any{domain.StageDataTemplateKey: tpl.Ref()},
			GateStatus:      gateStatusFor(tpl, tpl.EntryStage),
			Version:         1,
		},
	}
	for _, def := range tpl.Gates {
		gates = append(gates, domain.Gate{
			ID:          uuid.NewString(),
			ProjectID:   p.ID,
			TemplateID:  tpl.Ref(),
			GateKey:     def.Key,
			DisplayName: def.DisplayName,
			StageID:     def.StageID,
			Criteria: domain.GateCriteria{
				RequiredGateKeys: def.RequiredGateKeys,
				SequenceNumber:   def.SequenceNumber,
				Description:      def.Description,
				Checklist:        def.Checklist,
			},
			Status:    domain.GatePending,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	for i := range gates {
		if ok, _ := ValidateDependencies(gates[i], gates); !ok {
			gates[i].Status = domain.GateBlocked
		}
	}

	unlock := e.lock(projectLockKey(p.ID))
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return p, nil, fmt.Errorf("project %s already exists: %w", p.ID, repo.ErrDuplicate)
		}
		return p, nil, fmt.Errorf("insert project: %w", err)
	}
	for _, g := range gates {
		if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
			return p, nil, fmt.Errorf("insert gate %s: %w", g.GateKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return p, nil, err
	}
	e.Logger.Info().Str("project_id", p.ID).Str("template", tpl.Ref()).Int("gates", len(gates)).Msg("project initialized")
	return p, gates, nil
}

func gateStatusFor(tpl *template.WorkflowTemplate, stageID string) domain.StageGateStatus {
	if s, ok := tpl.GetStage(stageID); ok && s.GateRequired {
		return domain.StageGatePending
	}
	return domain.StageGateNotRequired
}

// WorkflowView is a project's state together with its resolved template.
type WorkflowView struct {
	Project     domain.Project
	Template    *template.WorkflowTemplate
	Current     template.StageDefinition
	Transitions []string
}

func (e Engine) GetWorkflow(ctx context.Context, projectID string) (WorkflowView, error) {
	p, err := e.loadProject(ctx, nil, projectID)
	if err != nil {
		return WorkflowView{}, err
	}
	tpl, err := e.templateFor(p)
	if err != nil {
		return WorkflowView{}, err
	}
	cur, _ := tpl.GetStage(p.Workflow.CurrentStage)
	return WorkflowView{
		Project:     p,
		Template:    tpl,
		Current:     cur,
		Transitions: AvailableTransitions(p.Workflow, tpl),
	}, nil
}

// AvailableTransitions lists the stages reachable from the current stage, in
// template order. It is empty at a terminal or unknown stage.
func AvailableTransitions(state domain.WorkflowState, tpl *template.WorkflowTemplate) []string {
	cur, ok := tpl.GetStage(state.CurrentStage)
	if !ok {
		return []string{}
	}
	return slices.Clone(cur.NextStageIDs)
}

// ValidateTransition applies the advance preconditions in order: current
// stage known, target known, target reachable and not yet completed, gate
// approved.
func ValidateTransition(state domain.WorkflowState, tpl *template.WorkflowTemplate, target string) error {
	cur, ok := tpl.GetStage(state.CurrentStage)
	if !ok {
		return newError(KindInvalidCurrentStage, map[string]any{"current_stage": state.CurrentStage},
			"current stage %s is not part of template %s", state.CurrentStage, tpl.Ref())
	}
	if _, ok := tpl.GetStage(target); !ok {
		return newError(KindInvalidTargetStage, map[string]any{"target_stage": target},
			"target stage %s is not part of template %s", target, tpl.Ref())
	}
	if !slices.Contains(cur.NextStageIDs, target) {
		legal := "none"
		if len(cur.NextStageIDs) > 0 {
			legal = strings.Join(cur.NextStageIDs, ", ")
		}
		return newError(KindIllegalTransition, map[string]any{"from": cur.ID, "to": target, "allowed": cur.NextStageIDs},
			"cannot move from %s to %s; allowed: %s", cur.ID, target, legal)
	}
	if state.HasCompleted(target) {
		return newError(KindIllegalTransition, map[string]any{"from": cur.ID, "to": target, "completed_stages": state.CompletedStages},
			"stage %s is already completed", target)
	}
	if cur.GateRequired && state.GateStatus != domain.StageGateApproved {
		return newError(KindGateNotApproved, map[string]any{"stage": cur.ID, "gate_status": state.GateStatus},
			"stage %s requires gate approval (status %s)", cur.ID, state.GateStatus)
	}
	return nil
}

type AdvanceOptions struct {
	ProjectID   string
	TargetStage string
	ActorID     string
	Notes       string
	StageData   map[string]any
}

// AdvanceStage moves a project to an adjacent stage.
func (e Engine) AdvanceStage(ctx context.Context, opts AdvanceOptions) (p domain.Project, evt domain.WorkflowEvent, err error) {
	ctx, span := e.startSpan(ctx, "engine.AdvanceStage",
		attribute.String("project.id", opts.ProjectID), attribute.String("stage.target", opts.TargetStage))
	defer func() {
		e.Metrics.RecordTransition("advance", resultLabel(err))
		finishSpan(span, err)
	}()
	if err := requireActor(opts.ActorID); err != nil {
		return p, evt, err
	}

	unlock := e.lock(projectLockKey(opts.ProjectID))
	p, evt, err = e.advanceLocked(ctx, opts)
	unlock()
	if err == nil {
		e.dispatch(ctx, evt)
	}
	return p, evt, err
}

func (e Engine) advanceLocked(ctx context.Context, opts AdvanceOptions) (domain.Project, domain.WorkflowEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()

	p, err := e.loadProject(ctx, tx, opts.ProjectID)
	if err != nil {
		return p, domain.WorkflowEvent{}, err
	}
	tpl, err := e.templateFor(p)
	if err != nil {
		return p, domain.WorkflowEvent{}, err
	}
	if err := ValidateTransition(p.Workflow, tpl, opts.TargetStage); err != nil {
		return p, domain.WorkflowEvent{}, err
	}

	prev := p.Workflow
	next := prev
	next.CompletedStages = append(slices.Clone(prev.CompletedStages), prev.CurrentStage)
	next.CurrentStage = opts.TargetStage
	now := e.timestamp()
	next.LastTransitionAt = &now
	next.StageData = mergeStageData(prev.StageData, opts.StageData)
	next.GateStatus = gateStatusFor(tpl, opts.TargetStage)

	if err := e.Repo.UpdateWorkflowState(ctx, tx, p.ID, next, prev.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return p, domain.WorkflowEvent{}, e.conflict("project", p.ID)
		}
		return p, domain.WorkflowEvent{}, err
	}
	from := prev.CurrentStage
	evt, err := e.appendEvent(ctx, tx, domain.WorkflowEvent{
		ProjectID: p.ID,
		Type:      domain.EventStageAdvance,
		FromStage: &from,
		ToStage:   opts.TargetStage,
		ActorID:   opts.ActorID,
		Metadata:  domain.StageAdvanceMetadata{Notes: opts.Notes, StageData: opts.StageData},
	})
	if err != nil {
		return p, evt, err
	}
	if err := tx.Commit(); err != nil {
		return p, evt, err
	}
	next.Version = prev.Version + 1
	p.Workflow = next
	return p, evt, nil
}

// mergeStageData overlays extra onto base. The template id entry is never overwritten.
func mergeStageData(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	maps.Copy(out, base)
	for k, v := range extra {
		if k == domain.StageDataTemplateKey {
			continue
		}
		out[k] = v
	}
	return out
}

// ApproveStageGate records a single-actor approval of the current stage's gate.
func (e Engine) ApproveStageGate(ctx context.Context, projectID, actorID, feedback string) (domain.Project, domain.WorkflowEvent, error) {
	return e.decideStageGate(ctx, projectID, actorID, feedback, domain.StageGateApproved)
}

// RejectStageGate records a single-actor rejection of the current stage's gate.
func (e Engine) RejectStageGate(ctx context.Context, projectID, actorID, feedback string) (domain.Project, domain.WorkflowEvent, error) {
	return e.decideStageGate(ctx, projectID, actorID, feedback, domain.StageGateRejected)
}

func (e Engine) decideStageGate(ctx context.Context, projectID, actorID, feedback string, outcome domain.StageGateStatus) (p domain.Project, evt domain.WorkflowEvent, err error) {
	action := "stage_approve"
	evtType := domain.EventGateApproved
	if outcome == domain.StageGateRejected {
		action = "stage_reject"
		evtType = domain.EventGateRejected
	}
	ctx, span := e.startSpan(ctx, "engine.DecideStageGate",
		attribute.String("project.id", projectID), attribute.String("gate.outcome", string(outcome)))
	defer func() {
		e.Metrics.RecordGateDecision(action, resultLabel(err))
		finishSpan(span, err)
	}()
	if err := requireActor(actorID); err != nil {
		return p, evt, err
	}

	unlock := e.lock(projectLockKey(projectID))
	p, evt, err = e.decideStageGateLocked(ctx, projectID, actorID, feedback, outcome, evtType)
	unlock()
	if err == nil {
		e.dispatch(ctx, evt)
	}
	return p, evt, err
}

func (e Engine) decideStageGateLocked(ctx context.Context, projectID, actorID, feedback string, outcome domain.StageGateStatus, evtType domain.EventType) (domain.Project, domain.WorkflowEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()

	p, err := e.loadProject(ctx, tx, projectID)
	if err != nil {
		return p, domain.WorkflowEvent{}, err
	}
	tpl, err := e.templateFor(p)
	if err != nil {
		return p, domain.WorkflowEvent{}, err
	}
	cur, ok := tpl.GetStage(p.Workflow.CurrentStage)
	if !ok {
		return p, domain.WorkflowEvent{}, newError(KindInvalidCurrentStage, map[string]any{"current_stage": p.Workflow.CurrentStage},
			"current stage %s is not part of template %s", p.Workflow.CurrentStage, tpl.Ref())
	}
	if !cur.GateRequired {
		return p, domain.WorkflowEvent{}, newError(KindGateNotRequired, map[string]any{"stage": cur.ID},
			"stage %s does not require a gate", cur.ID)
	}
	prev := p.Workflow
	next := prev
	next.GateStatus = outcome
	if err := e.Repo.UpdateWorkflowState(ctx, tx, p.ID, next, prev.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return p, domain.WorkflowEvent{}, e.conflict("project", p.ID)
		}
		return p, domain.WorkflowEvent{}, err
	}
	evt, err := e.appendEvent(ctx, tx, domain.WorkflowEvent{
		ProjectID: p.ID,
		Type:      evtType,
		ToStage:   cur.ID,
		ActorID:   actorID,
		Metadata:  domain.StageGateMetadata{Scope: domain.ScopeStage, Feedback: feedback},
	})
	if err != nil {
		return p, evt, err
	}
	if err := tx.Commit(); err != nil {
		return p, evt, err
	}
	next.Version = prev.Version + 1
	p.Workflow = next
	return p, evt, nil
}

type OverrideOptions struct {
	ProjectID   string
	TargetStage string
	ActorID     string
	Reason      string
}

// OverrideStage jumps to any stage of the template, bypassing graph and gate
// checks. Jumping back to a completed stage rewinds the completed list to
// just before it.
func (e Engine) OverrideStage(ctx context.Context, opts OverrideOptions) (p domain.Project, evt domain.WorkflowEvent, err error) {
	ctx, span := e.startSpan(ctx, "engine.OverrideStage",
		attribute.String("project.id", opts.ProjectID), attribute.String("stage.target", opts.TargetStage))
	defer func() {
		e.Metrics.RecordTransition("override", resultLabel(err))
		finishSpan(span, err)
	}()
	if err := requireActor(opts.ActorID); err != nil {
		return p, evt, err
	}
	if strings.TrimSpace(opts.Reason) == "" {
		return p, evt, newError(KindInvalidInput, nil, "override requires a reason")
	}

	unlock := e.lock(projectLockKey(opts.ProjectID))
	p, evt, err = e.overrideLocked(ctx, opts)
	unlock()
	if err == nil {
		e.Logger.Warn().Str("project_id", p.ID).Str("actor_id", opts.ActorID).Str("to", opts.TargetStage).Msg("manual stage override")
		e.dispatch(ctx, evt)
	}
	return p, evt, err
}

func (e Engine) overrideLocked(ctx context.Context, opts OverrideOptions) (domain.Project, domain.WorkflowEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()

	p, err := e.loadProject(ctx, tx, opts.ProjectID)
	if err != nil {
		return p, domain.WorkflowEvent{}, err
	}
	tpl, err := e.templateFor(p)
	if err != nil {
		return p, domain.WorkflowEvent{}, err
	}
	if _, ok := tpl.GetStage(opts.TargetStage); !ok {
		return p, domain.WorkflowEvent{}, newError(KindInvalidTargetStage, map[string]any{"target_stage": opts.TargetStage},
			"target stage %s is not part of template %s", opts.TargetStage, tpl.Ref())
	}

	prev := p.Workflow
	next := prev
	completed, rewound := overrideCompleted(tpl, prev, opts.TargetStage)
	next.CompletedStages = completed
	next.CurrentStage = opts.TargetStage
	now := e.timestamp()
	next.LastTransitionAt = &now
	next.GateStatus = gateStatusFor(tpl, opts.TargetStage)

	if err := e.Repo.UpdateWorkflowState(ctx, tx, p.ID, next, prev.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return p, domain.WorkflowEvent{}, e.conflict("project", p.ID)
		}
		return p, domain.WorkflowEvent{}, err
	}
	from := prev.CurrentStage
	evt, err := e.appendEvent(ctx, tx, domain.WorkflowEvent{
		ProjectID: p.ID,
		Type:      domain.EventManualOverride,
		FromStage: &from,
		ToStage:   opts.TargetStage,
		ActorID:   opts.ActorID,
		Metadata: domain.ManualOverrideMetadata{
			Reason:          strings.TrimSpace(opts.Reason),
			PreviousGate:    string(prev.GateStatus),
			RewoundStages:   rewound,
			CompletedBefore: prev.CompletedStages,
		},
	})
	if err != nil {
		return p, evt, err
	}
	if err := tx.Commit(); err != nil {
		return p, evt, err
	}
	next.Version = prev.Version + 1
	p.Workflow = next
	return p, evt, nil
}

// overrideCompleted computes completed stages after jumping to target. The
// target and every stage reachable from it are dropped from the completed
// list. The current stage is recorded as completed unless it is dropped the
// same way or the jump rewinds past it.
func overrideCompleted(tpl *template.WorkflowTemplate, s domain.WorkflowState, target string) (completed, rewound []string) {
	downstream := tpl.Downstream(target)
	drop := func(id string) bool { return id == target || slices.Contains(downstream, id) }
	completed = []string{}
	for _, id := range s.CompletedStages {
		if drop(id) {
			rewound = append(rewound, id)
		} else {
			completed = append(completed, id)
		}
	}
	if s.CurrentStage == target {
		return completed, rewound
	}
	if s.HasCompleted(target) || drop(s.CurrentStage) {
		rewound = append(rewound, s.CurrentStage)
	} else if !slices.Contains(completed, s.CurrentStage) {
		completed = append(completed, s.CurrentStage)
	}
	return completed, rewound
}
