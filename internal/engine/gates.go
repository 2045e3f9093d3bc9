package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// MinRejectReasonRunes is the shortest accepted rejection reason after trimming.
const MinRejectReasonRunes = 10

// ValidateDependencies reports whether every gate key g requires is approved
// among its siblings. Missing siblings block. Blocking keys keep the order
// they are listed in.
func ValidateDependencies(g domain.Gate, siblings []domain.Gate) (bool, []string) {
	if len(g.Criteria.RequiredGateKeys) == 0 {
		return true, nil
	}
	byKey := make(map[string]domain.Gate, len(siblings))
	for _, s := range siblings {
		if s.ProjectID == g.ProjectID && s.TemplateID == g.TemplateID {
			byKey[s.GateKey] = s
		}
	}
	var blocking []string
	for _, key := range g.Criteria.RequiredGateKeys {
		dep, ok := byKey[key]
		if !ok || dep.Status != domain.GateApproved {
			blocking = append(blocking, key)
		}
	}
	return len(blocking) == 0, blocking
}

// ValidateSequence checks that every sibling in the same stage with a lower
// sequence number is approved. The first offender is the lowest sequence
// number, ties broken by gate key.
func ValidateSequence(g domain.Gate, siblings []domain.Gate) (bool, string) {
	if g.Criteria.SequenceNumber == nil {
		return true, ""
	}
	seq := *g.Criteria.SequenceNumber
	var earlier []domain.Gate
	for _, s := range siblings {
		if s.ID == g.ID || s.ProjectID != g.ProjectID || s.TemplateID != g.TemplateID || s.StageID != g.StageID {
			continue
		}
		if s.Criteria.SequenceNumber != nil && *s.Criteria.SequenceNumber < seq {
			earlier = append(earlier, s)
		}
	}
	sort.Slice(earlier, func(i, j int) bool {
		si, sj := *earlier[i].Criteria.SequenceNumber, *earlier[j].Criteria.SequenceNumber
		if si != sj {
			return si < sj
		}
		return earlier[i].GateKey < earlier[j].GateKey
	})
	for _, s := range earlier {
		if s.Status != domain.GateApproved {
			return false, fmt.Sprintf("gate %s (sequence %d) must be approved before %s (sequence %d)",
				s.GateKey, *s.Criteria.SequenceNumber, g.GateKey, seq)
		}
	}
	return true, ""
}

// GateCheck is the read-only evaluation of whether a gate could be approved now.
type GateCheck struct {
	Gate            domain.Gate `json:"gate"`
	DependenciesMet bool        `json:"dependencies_met"`
	BlockingKeys    []string    `json:"blocking_gate_keys,omitempty"`
	SequenceOK      bool        `json:"sequence_ok"`
	SequenceMessage string      `json:"sequence_message,omitempty"`
	CanApprove      bool        `json:"can_approve"`
}

func (e Engine) CheckGate(ctx context.Context, gateID string) (GateCheck, error) {
	g, err := e.loadGate(ctx, nil, gateID)
	if err != nil {
		return GateCheck{}, err
	}
	siblings, err := e.Repo.ListSiblingGates(ctx, nil, g.ProjectID, g.TemplateID)
	if err != nil {
		return GateCheck{}, err
	}
	depsOK, blocking := ValidateDependencies(g, siblings)
	seqOK, msg := ValidateSequence(g, siblings)
	return GateCheck{
		Gate:            g,
		DependenciesMet: depsOK,
		BlockingKeys:    blocking,
		SequenceOK:      seqOK,
		SequenceMessage: msg,
		CanApprove:      depsOK && seqOK && g.Status != domain.GateApproved,
	}, nil
}

func (e Engine) GetGate(ctx context.Context, gateID string) (domain.Gate, error) {
	return e.loadGate(ctx, nil, gateID)
}

// ListGates returns a project's gates, optionally restricted to one stage.
func (e Engine) ListGates(ctx context.Context, projectID, stageID string) ([]domain.Gate, error) {
	if _, err := e.loadProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListGates(ctx, nil, projectID, stageID)
}

type ApproveOptions struct {
	GateID   string
	ActorID  string
	Comment  string
	Metadata map[string]any
}

// ApproveGate approves a persisted gate once its dependencies and sequence
// allow it. At most one of several concurrent approvals succeeds.
//
// A gate that is already approved is refused with GateAlreadyApproved even
// when its dependencies and sequence pass, so a repeated approval never
// overwrites the recorded decision or writes a second gate_approved event.
// The dependency and sequence checks run first and take precedence.
func (e Engine) ApproveGate(ctx context.Context, opts ApproveOptions) (g domain.Gate, evt domain.WorkflowEvent, err error) {
	ctx, span := e.startSpan(ctx, "engine.ApproveGate", attribute.String("gate.id", opts.GateID))
	defer func() {
		e.Metrics.RecordGateDecision("approve", resultLabel(err))
		finishSpan(span, err)
	}()
	if err := requireActor(opts.ActorID); err != nil {
		return g, evt, err
	}
	unlock, err := e.lockGateProject(ctx, opts.GateID)
	if err != nil {
		return g, evt, err
	}
	g, evt, err = e.approveLocked(ctx, opts)
	unlock()
	if err == nil {
		span.SetAttributes(attribute.String("project.id", g.ProjectID), attribute.String("gate.key", g.GateKey))
		e.dispatch(ctx, evt)
	}
	return g, evt, err
}

// lockGateProject resolves the gate's project and takes its gate lock. The
// gate is re-read inside the transaction afterwards.
func (e Engine) lockGateProject(ctx context.Context, gateID string) (func(), error) {
	g, err := e.loadGate(ctx, nil, gateID)
	if err != nil {
		return nil, err
	}
	return e.lock(gateLockKey(g.ProjectID)), nil
}

func (e Engine) approveLocked(ctx context.Context, opts ApproveOptions) (domain.Gate, domain.WorkflowEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gate{}, domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()

	g, err := e.loadGate(ctx, tx, opts.GateID)
	if err != nil {
		return g, domain.WorkflowEvent{}, err
	}
	siblings, err := e.Repo.ListSiblingGates(ctx, tx, g.ProjectID, g.TemplateID)
	if err != nil {
		return g, domain.WorkflowEvent{}, err
	}
	if ok, blocking := ValidateDependencies(g, siblings); !ok {
		return g, domain.WorkflowEvent{}, newError(KindGateDependenciesUnmet,
			map[string]any{"gate_id": g.ID, "blocking_gate_keys": blocking},
			"gate %s is blocked by unapproved gates: %s", g.GateKey, strings.Join(blocking, ", "))
	}
	if ok, msg := ValidateSequence(g, siblings); !ok {
		return g, domain.WorkflowEvent{}, newError(KindGateSequenceViolation, map[string]any{"gate_id": g.ID}, "%s", msg)
	}
	if g.Status == domain.GateApproved {
		return g, domain.WorkflowEvent{}, newError(KindGateAlreadyApproved, map[string]any{"gate_id": g.ID},
			"gate %s is already approved", g.GateKey)
	}

	now := e.timestamp()
	g.Status = domain.GateApproved
	g.Criteria.Decision = &domain.GateDecision{
		Outcome:  domain.GateApproved,
		ActorID:  opts.ActorID,
		At:       now,
		Comment:  opts.Comment,
		Metadata: opts.Metadata,
	}
	evt, err := e.writeGateDecision(ctx, tx, g, now, siblings, domain.WorkflowEvent{
		Type:    domain.EventGateApproved,
		ActorID: opts.ActorID,
		Metadata: domain.GateDecisionMetadata{
			Scope:    domain.ScopeGate,
			GateID:   g.ID,
			GateKey:  g.GateKey,
			GateName: g.DisplayName,
			Comment:  opts.Comment,
			Extra:    opts.Metadata,
		},
	})
	if err != nil {
		return g, evt, err
	}
	if err := tx.Commit(); err != nil {
		return g, evt, err
	}
	g.Version++
	g.UpdatedAt = now
	return g, evt, nil
}

type RejectOptions struct {
	GateID          string
	ActorID         string
	Reason          string
	Recommendations string
}

// RejectGate rejects a gate. Rejection skips dependency and sequence checks.
func (e Engine) RejectGate(ctx context.Context, opts RejectOptions) (g domain.Gate, evt domain.WorkflowEvent, err error) {
	ctx, span := e.startSpan(ctx, "engine.RejectGate", attribute.String("gate.id", opts.GateID))
	defer func() {
		e.Metrics.RecordGateDecision("reject", resultLabel(err))
		finishSpan(span, err)
	}()
	if err := requireActor(opts.ActorID); err != nil {
		return g, evt, err
	}
	reason := strings.TrimSpace(opts.Reason)
	if n := utf8.RuneCountInString(reason); n < MinRejectReasonRunes {
		return g, evt, newError(KindReasonTooShort, map[string]any{"min_length": MinRejectReasonRunes, "length": n},
			"rejection reason must be at least %d characters", MinRejectReasonRunes)
	}
	unlock, err := e.lockGateProject(ctx, opts.GateID)
	if err != nil {
		return g, evt, err
	}
	g, evt, err = e.rejectLocked(ctx, opts.GateID, opts.ActorID, reason, strings.TrimSpace(opts.Recommendations))
	unlock()
	if err == nil {
		e.dispatch(ctx, evt)
	}
	return g, evt, err
}

func (e Engine) rejectLocked(ctx context.Context, gateID, actorID, reason, recommendations string) (domain.Gate, domain.WorkflowEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gate{}, domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()

	g, err := e.loadGate(ctx, tx, gateID)
	if err != nil {
		return g, domain.WorkflowEvent{}, err
	}
	siblings, err := e.Repo.ListSiblingGates(ctx, tx, g.ProjectID, g.TemplateID)
	if err != nil {
		return g, domain.WorkflowEvent{}, err
	}
	now := e.timestamp()
	g.Status = domain.GateRejected
	g.Criteria.Decision = &domain.GateDecision{
		Outcome:         domain.GateRejected,
		ActorID:         actorID,
		At:              now,
		Reason:          reason,
		Recommendations: recommendations,
	}
	evt, err := e.writeGateDecision(ctx, tx, g, now, siblings, domain.WorkflowEvent{
		Type:    domain.EventGateRejected,
		ActorID: actorID,
		Metadata: domain.GateDecisionMetadata{
			Scope:           domain.ScopeGate,
			GateID:          g.ID,
			GateKey:         g.GateKey,
			GateName:        g.DisplayName,
			Reason:          reason,
			Recommendations: recommendations,
		},
	})
	if err != nil {
		return g, evt, err
	}
	if err := tx.Commit(); err != nil {
		return g, evt, err
	}
	g.Version++
	g.UpdatedAt = now
	return g, evt, nil
}

// ResetGate returns a gate to pending and clears its stored decision.
func (e Engine) ResetGate(ctx context.Context, gateID, actorID string) (g domain.Gate, evt domain.WorkflowEvent, err error) {
	ctx, span := e.startSpan(ctx, "engine.ResetGate", attribute.String("gate.id", gateID))
	defer func() {
		e.Metrics.RecordGateDecision("reset", resultLabel(err))
		finishSpan(span, err)
	}()
	if err := requireActor(actorID); err != nil {
		return g, evt, err
	}
	unlock, err := e.lockGateProject(ctx, gateID)
	if err != nil {
		return g, evt, err
	}
	g, evt, err = e.resetLocked(ctx, gateID, actorID)
	unlock()
	if err == nil {
		e.dispatch(ctx, evt)
	}
	return g, evt, err
}

func (e Engine) resetLocked(ctx context.Context, gateID, actorID string) (domain.Gate, domain.WorkflowEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gate{}, domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()

	g, err := e.loadGate(ctx, tx, gateID)
	if err != nil {
		return g, domain.WorkflowEvent{}, err
	}
	siblings, err := e.Repo.ListSiblingGates(ctx, tx, g.ProjectID, g.TemplateID)
	if err != nil {
		return g, domain.WorkflowEvent{}, err
	}
	previous := g.Status
	now := e.timestamp()
	g.Status = domain.GatePending
	if ok, _ := ValidateDependencies(g, siblings); !ok {
		g.Status = domain.GateBlocked
	}
	g.Criteria.Decision = nil
	evt, err := e.writeGateDecision(ctx, tx, g, now, siblings, domain.WorkflowEvent{
		Type:    domain.EventGateReset,
		ActorID: actorID,
		Metadata: domain.GateResetMetadata{
			GateID:         g.ID,
			GateKey:        g.GateKey,
			GateName:       g.DisplayName,
			PreviousStatus: previous,
		},
	})
	if err != nil {
		return g, evt, err
	}
	if err := tx.Commit(); err != nil {
		return g, evt, err
	}
	g.Version++
	g.UpdatedAt = now
	return g, evt, nil
}

// writeGateDecision persists g, recomputes sibling blocked flags and appends
// evt, all inside tx. Events are attributed to the gate's owning project.
func (e Engine) writeGateDecision(ctx context.Context, tx *sql.Tx, g domain.Gate, now string, siblings []domain.Gate, evt domain.WorkflowEvent) (domain.WorkflowEvent, error) {
	g.UpdatedAt = now
	if err := e.Repo.UpdateGate(ctx, tx, g, g.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return evt, e.conflict("gate", g.ID)
		}
		return evt, err
	}
	for i := range siblings {
		if siblings[i].ID == g.ID {
			siblings[i] = g
		}
	}
	if _, err := e.refreshBlocked(ctx, tx, siblings, now); err != nil {
		return evt, err
	}
	evt.ProjectID = g.ProjectID
	evt.ToStage = g.StageID
	return e.appendEvent(ctx, tx, evt)
}

// RefreshBlocked recomputes blocked/pending for a project's undecided gates.
func (e Engine) RefreshBlocked(ctx context.Context, projectID string) ([]domain.Gate, error) {
	unlock := e.lock(gateLockKey(projectID))
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.loadProject(ctx, tx, projectID); err != nil {
		return nil, err
	}
	gates, err := e.Repo.ListGates(ctx, tx, projectID, "")
	if err != nil {
		return nil, err
	}
	changed, err := e.refreshBlocked(ctx, tx, gates, e.timestamp())
	if err != nil {
		return nil, err
	}
	return changed, tx.Commit()
}

func (e Engine) refreshBlocked(ctx context.Context, tx *sql.Tx, gates []domain.Gate, now string) ([]domain.Gate, error) {
	var changed []domain.Gate
	for _, g := range gates {
		if g.Status != domain.GatePending && g.Status != domain.GateBlocked {
			continue
		}
		want := domain.GatePending
		if ok, _ := ValidateDependencies(g, gates); !ok {
			want = domain.GateBlocked
		}
		if want == g.Status {
			continue
		}
		g.Status = want
		g.UpdatedAt = now
		if err := e.Repo.UpdateGate(ctx, tx, g, g.Version); err != nil {
			if errors.Is(err, repo.ErrVersionConflict) {
				return nil, e.conflict("gate", g.ID)
			}
			return nil, err
		}
		g.Version++
		changed = append(changed, g)
	}
	return changed, nil
}

// GateMetrics summarises gate progress for a project.
func (e Engine) GateMetrics(ctx context.Context, projectID string) (domain.GateMetrics, error) {
	p, err := e.loadProject(ctx, nil, projectID)
	if err != nil {
		return domain.GateMetrics{}, err
	}
	gates, err := e.Repo.ListGates(ctx, nil, projectID, "")
	if err != nil {
		return domain.GateMetrics{}, err
	}
	counts, err := e.Repo.ReviewerCounts(ctx, projectID)
	if err != nil {
		return domain.GateMetrics{}, err
	}
	m := domain.GateMetrics{
		ProjectID:    projectID,
		Total:        len(gates),
		ByStatus:     map[string]int{},
		ByStage:      map[string]int{},
		CurrentStage: p.Workflow.CurrentStage,
	}
	approved := 0
	for _, g := range gates {
		m.ByStatus[string(g.Status)]++
		m.ByStage[g.StageID]++
		if g.Status == domain.GateApproved {
			approved++
		}
		if n := counts[g.ID]; n > 0 {
			m.Reviewers += n
		} else {
			m.Unreviewed++
		}
		if g.StageID == p.Workflow.CurrentStage && g.Status != domain.GateApproved {
			m.CurrentPending++
		}
	}
	if len(gates) > 0 {
		m.ApprovalRatio = float64(approved) / float64(len(gates))
	}
	return m, nil
}
