package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/metrics"
	"stageline/internal/migrate"
	"stageline/internal/notify"
	"stageline/internal/repo"
	"stageline/internal/template"
)

const actor = "tester"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func seqNo(n int) *int { return &n }

// linear is A -> B -> C with a gate on B.
func linear() template.Definition {
	return template.Definition{
		ID:      "linear",
		Version: "1.0.0",
		Stages: []template.StageSpec{
			{ID: "A", Next: []string{"B"}},
			{ID: "B", GateRequired: true, Next: []string{"C"}},
			{ID: "C"},
		},
		Gates: []template.GateDefinition{
			{Key: "G1", DisplayName: "Design review", StageID: "B", SequenceNumber: seqNo(1)},
			{Key: "G2", DisplayName: "Security review", StageID: "B", SequenceNumber: seqNo(2), RequiredGateKeys: []string{"G1"}},
			{Key: "G3", DisplayName: "Release", StageID: "C"},
		},
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, template.NewRegistry(linear()))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, _, err := eng.InitProject(ctx, engine.InitOptions{ProjectID: "proj-1", Template: "linear", ActorID: actor}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) gate(t *testing.T, key string) domain.Gate {
	t.Helper()
	g, err := env.Engine.Repo.GetGateByKey(env.Ctx, nil, "proj-1", key)
	if err != nil {
		t.Fatalf("gate %s: %v", key, err)
	}
	return g
}

func expectKind(t *testing.T, err error, kind engine.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if !engine.IsKind(err, kind) {
		t.Fatalf("expected %s, got %v (%s)", kind, err, engine.KindOf(err))
	}
}

func TestInitProject(t *testing.T) {
	env := newTestEnv(t)
	view, err := env.Engine.GetWorkflow(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	wf := view.Project.Workflow
	if wf.CurrentStage != "A" || len(wf.CompletedStages) != 0 {
		t.Fatalf("unexpected initial state: %+v", wf)
	}
	if wf.TemplateID != "linear@1.0.0" || wf.StageData[domain.StageDataTemplateKey] != "linear@1.0.0" {
		t.Fatalf("template not recorded: %+v", wf)
	}
	if wf.GateStatus != domain.StageGateNotRequired {
		t.Fatalf("entry stage is not gated, got %s", wf.GateStatus)
	}
	if len(view.Transitions) != 1 || view.Transitions[0] != "B" {
		t.Fatalf("transitions: %v", view.Transitions)
	}
	if g := env.gate(t, "G2"); g.Status != domain.GateBlocked {
		t.Fatalf("G2 should start blocked, got %s", g.Status)
	}
	if g := env.gate(t, "G1"); g.Status != domain.GatePending {
		t.Fatalf("G1 should start pending, got %s", g.Status)
	}

	_, _, err = env.Engine.InitProject(env.Ctx, engine.InitOptions{ProjectID: "proj-1", Template: "linear", ActorID: actor})
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate project, got %v", err)
	}
	_, _, err = env.Engine.InitProject(env.Ctx, engine.InitOptions{ProjectID: "proj-2", Template: "nope", ActorID: actor})
	expectKind(t, err, engine.KindConfiguration)
}

func TestAdvanceThroughGatedStage(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine

	p, evt, err := e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "B", ActorID: actor, Notes: "kickoff"})
	if err != nil {
		t.Fatalf("advance to B: %v", err)
	}
	if p.Workflow.GateStatus != domain.StageGatePending {
		t.Fatalf("gate status after entering B: %s", p.Workflow.GateStatus)
	}
	if evt.Type != domain.EventStageAdvance || evt.FromStage == nil || *evt.FromStage != "A" || evt.ToStage != "B" {
		t.Fatalf("unexpected advance event: %+v", evt)
	}

	_, _, err = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "C", ActorID: actor})
	expectKind(t, err, engine.KindGateNotApproved)

	p, evt, err = e.ApproveStageGate(env.Ctx, "proj-1", actor, "looks good")
	if err != nil {
		t.Fatalf("approve stage gate: %v", err)
	}
	if p.Workflow.GateStatus != domain.StageGateApproved || evt.ToStage != "B" {
		t.Fatalf("approve result: %+v %+v", p.Workflow, evt)
	}

	p, _, err = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "C", ActorID: actor})
	if err != nil {
		t.Fatalf("advance to C: %v", err)
	}
	if got := strings.Join(p.Workflow.CompletedStages, ","); got != "A,B" {
		t.Fatalf("completed stages: %s", got)
	}
	if p.Workflow.GateStatus != domain.StageGateNotRequired {
		t.Fatalf("C is not gated, got %s", p.Workflow.GateStatus)
	}

	stored, err := e.Repo.GetProject(env.Ctx, nil, "proj-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Workflow.CurrentStage != "C" || stored.Workflow.Version != p.Workflow.Version {
		t.Fatalf("stored state differs: %+v vs %+v", stored.Workflow, p.Workflow)
	}

	hist, err := e.History(env.Ctx, "proj-1", engine.HistoryQuery{EventType: domain.EventStageAdvance})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.Total != 2 || hist.Events[0].ToStage != "C" {
		t.Fatalf("expected two advance events, newest first: %+v", hist)
	}
}

func TestAdvanceErrors(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine

	_, _, err := e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "C", ActorID: actor})
	expectKind(t, err, engine.KindIllegalTransition)
	_, _, err = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "Z", ActorID: actor})
	expectKind(t, err, engine.KindInvalidTargetStage)
	_, _, err = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "missing", TargetStage: "B", ActorID: actor})
	expectKind(t, err, engine.KindProjectNotFound)
	_, _, err = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "B"})
	expectKind(t, err, engine.KindInvalidInput)
	_, _, err = e.ApproveStageGate(env.Ctx, "proj-1", actor, "")
	expectKind(t, err, engine.KindGateNotRequired)

	// failures leave state untouched
	p, err := e.Repo.GetProject(env.Ctx, nil, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Workflow.CurrentStage != "A" || p.Workflow.Version != 1 {
		t.Fatalf("state changed after failures: %+v", p.Workflow)
	}
	hist, err := e.History(env.Ctx, "proj-1", engine.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if hist.Total != 0 {
		t.Fatalf("failed operations must not write events, got %d", hist.Total)
	}
}

func TestValidateTransitionInvalidCurrentStage(t *testing.T) {
	tpl, err := template.New(linear())
	if err != nil {
		t.Fatal(err)
	}
	err = engine.ValidateTransition(domain.WorkflowState{CurrentStage: "gone"}, tpl, "B")
	expectKind(t, err, engine.KindInvalidCurrentStage)
	if got := engine.AvailableTransitions(domain.WorkflowState{CurrentStage: "gone"}, tpl); len(got) != 0 {
		t.Fatalf("unknown stage should have no transitions: %v", got)
	}
	if got := engine.AvailableTransitions(domain.WorkflowState{CurrentStage: "C"}, tpl); len(got) != 0 {
		t.Fatalf("terminal stage should have no transitions: %v", got)
	}
}

func TestRejectStageGateBlocksAdvance(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	if _, _, err := e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "B", ActorID: actor}); err != nil {
		t.Fatal(err)
	}
	p, evt, err := e.RejectStageGate(env.Ctx, "proj-1", actor, "needs rework")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.Workflow.GateStatus != domain.StageGateRejected || evt.Type != domain.EventGateRejected {
		t.Fatalf("reject result: %+v %+v", p.Workflow, evt)
	}
	md, ok := evt.Metadata.(domain.StageGateMetadata)
	if !ok || md.Scope != domain.ScopeStage || md.Feedback != "needs rework" {
		t.Fatalf("metadata: %#v", evt.Metadata)
	}
	_, _, err = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "C", ActorID: actor})
	expectKind(t, err, engine.KindGateNotApproved)
}

func TestStageDataKeepsTemplateID(t *testing.T) {
	env := newTestEnv(t)
	p, _, err := env.Engine.AdvanceStage(env.Ctx, engine.AdvanceOptions{
		ProjectID:   "proj-1",
		TargetStage: "B",
		ActorID:     actor,
		StageData:   map[string]any{"ticket": "OPS-1", domain.StageDataTemplateKey: "other@9.9.9"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Workflow.StageData["ticket"] != "OPS-1" || p.Workflow.StageData[domain.StageDataTemplateKey] != "linear@1.0.0" {
		t.Fatalf("stage data: %v", p.Workflow.StageData)
	}
}

func TestGateDependencies(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	g1, g2 := env.gate(t, "G1"), env.gate(t, "G2")

	_, _, err := e.ApproveGate(env.Ctx, engine.ApproveOptions{GateID: g2.ID, ActorID: actor})
	expectKind(t, err, engine.KindGateDependenciesUnmet)
	var werr *engine.Error
	if !errors.As(err, &werr) {
		t.Fatalf("expected *engine.Error, got %T", err)
	}
	blocking, _ := werr.Details["blocking_gate_keys"].([]string)
	if len(blocking) != 1 || blocking[0] != "G1" {
		t.Fatalf("blocking keys: %v", werr.Details)
	}

	approved, evt, err := e.ApproveGate(env.Ctx, engine.ApproveOptions{GateID: g1.ID, ActorID: actor, Comment: "ok"})
	if err != nil {
		t.Fatalf("approve G1: %v", err)
	}
	if approved.Status != domain.GateApproved || approved.Criteria.Decision == nil || approved.Criteria.Decision.ActorID != actor {
		t.Fatalf("G1 after approve: %+v", approved)
	}
	if evt.ProjectID != "proj-1" || evt.ToStage != "B" || evt.FromStage != nil {
		t.Fatalf("gate event must belong to the owning project: %+v", evt)
	}
	if got := env.gate(t, "G2"); got.Status != domain.GatePending {
		t.Fatalf("G2 should be unblocked, got %s", got.Status)
	}

	if _, _, err := e.ApproveGate(env.Ctx, engine.ApproveOptions{GateID: g2.ID, ActorID: actor}); err != nil {
		t.Fatalf("approve G2: %v", err)
	}
	_, _, err = e.ApproveGate(env.Ctx, engine.ApproveOptions{GateID: g2.ID, ActorID: actor})
	expectKind(t, err, engine.KindGateAlreadyApproved)

	// decided gates keep their status when a dependency is reset
	if _, _, err := e.ResetGate(env.Ctx, g1.ID, actor); err != nil {
		t.Fatalf("reset G1: %v", err)
	}
	if got := env.gate(t, "G2"); got.Status != domain.GateApproved {
		t.Fatalf("decided gates are not re-blocked, got %s", got.Status)
	}
	if _, _, err := e.ResetGate(env.Ctx, g2.ID, actor); err != nil {
		t.Fatalf("reset G2: %v", err)
	}
	got := env.gate(t, "G2")
	if got.Status != domain.GateBlocked || got.Criteria.Decision != nil {
		t.Fatalf("G2 after reset: %+v", got)
	}
}

func TestGateSequence(t *testing.T) {
	env := newTestEnv(t)
	seq := []domain.Gate{
		{ID: "s1", ProjectID: "p", TemplateID: "t", GateKey: "first", StageID: "B", Status: domain.GatePending, Criteria: domain.GateCriteria{SequenceNumber: seqNo(1)}},
		{ID: "s2", ProjectID: "p", TemplateID: "t", GateKey: "second", StageID: "B", Status: domain.GatePending, Criteria: domain.GateCriteria{SequenceNumber: seqNo(2)}},
		{ID: "s3", ProjectID: "p", TemplateID: "t", GateKey: "other", StageID: "C", Status: domain.GatePending, Criteria: domain.GateCriteria{SequenceNumber: seqNo(1)}},
	}
	ok, msg := engine.ValidateSequence(seq[1], seq)
	if ok || !strings.Contains(msg, "first") {
		t.Fatalf("expected violation naming first gate, got %v %q", ok, msg)
	}
	if ok, _ := engine.ValidateSequence(seq[2], seq); !ok {
		t.Fatalf("gates in other stages do not constrain sequence")
	}
	seq[0].Status = domain.GateApproved
	if ok, _ := engine.ValidateSequence(seq[1], seq); !ok {
		t.Fatalf("sequence should pass once first is approved")
	}

	e := env.Engine
	g1 := env.gate(t, "G1")
	if _, _, err := e.ApproveGate(env.Ctx, engine.ApproveOptions{GateID: g1.ID, ActorID: actor}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.ResetGate(env.Ctx, g1.ID, actor); err != nil {
		t.Fatal(err)
	}
	check, err := e.CheckGate(env.Ctx, env.gate(t, "G2").ID)
	if err != nil {
		t.Fatal(err)
	}
	if check.CanApprove || check.DependenciesMet {
		t.Fatalf("G2 check: %+v", check)
	}
}

func TestGateSequenceViolation(t *testing.T) {
	env := newTestEnv(t)
	conn := env.Engine.DB
	// drop G2's dependency so only the sequence constraint applies
	if _, err := conn.Exec(`UPDATE gates SET criteria_json=json_remove(criteria_json,'$.required_gate_keys'), status='pending' WHERE gate_key='G2'`); err != nil {
		t.Fatalf("patch gate: %v", err)
	}
	_, _, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveOptions{GateID: env.gate(t, "G2").ID, ActorID: actor})
	expectKind(t, err, engine.KindGateSequenceViolation)
	if !strings.Contains(err.Error(), "G1") {
		t.Fatalf("violation should name G1: %v", err)
	}
}

func TestRejectGateReasonLength(t *testing.T) {
	env := newTestEnv(t)
	g := env.gate(t, "G2")

	_, _, err := env.Engine.RejectGate(env.Ctx, engine.RejectOptions{GateID: g.ID, ActorID: actor, Reason: "  too short  "})
	expectKind(t, err, engine.KindReasonTooShort)
	_, _, err = env.Engine.RejectGate(env.Ctx, engine.RejectOptions{GateID: "nope", ActorID: actor, Reason: "a long enough reason"})
	expectKind(t, err, engine.KindGateNotFound)

	// rejection ignores dependencies
	rejected, evt, err := env.Engine.RejectGate(env.Ctx, engine.RejectOptions{GateID: g.ID, ActorID: actor, Reason: "threat model missing", Recommendations: "add STRIDE"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.GateRejected || rejected.Criteria.Decision.Reason != "threat model missing" {
		t.Fatalf("rejected gate: %+v", rejected)
	}
	md, ok := evt.Metadata.(domain.GateDecisionMetadata)
	if !ok || md.GateID != g.ID || md.Recommendations != "add STRIDE" {
		t.Fatalf("metadata: %#v", evt.Metadata)
	}

	hist, err := env.Engine.HistoryForGate(env.Ctx, g.ID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if hist.Total != 1 || hist.Events[0].Type != domain.EventGateRejected {
		t.Fatalf("gate history: %+v", hist)
	}
}

func TestConcurrentAdvanceSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	// a second engine value shares the database but not the in-process locks
	other := engine.New(env.Engine.DB, env.Engine.Templates)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, e := range []engine.Engine{env.Engine, other} {
		wg.Add(1)
		go func(i int, e engine.Engine) {
			defer wg.Done()
			_, _, errs[i] = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "B", ActorID: actor})
		}(i, e)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case engine.IsKind(err, engine.KindIllegalTransition), engine.IsKind(err, engine.KindConcurrentModification):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one success, got %d (%v)", wins, errs)
	}
	hist, err := env.Engine.History(env.Ctx, "proj-1", engine.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if hist.Total != 1 {
		t.Fatalf("expected one advance event, got %d", hist.Total)
	}
}

func TestConcurrentAdvanceSameEngine(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.Engine.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "B", ActorID: actor})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !engine.IsKind(err, engine.KindIllegalTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one success, got %d", wins)
	}
}

func TestOverrideRewinds(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	if _, _, err := e.OverrideStage(env.Ctx, engine.OverrideOptions{ProjectID: "proj-1", TargetStage: "C", ActorID: actor}); !engine.IsKind(err, engine.KindInvalidInput) {
		t.Fatalf("override without reason: %v", err)
	}
	p, _, err := e.OverrideStage(env.Ctx, engine.OverrideOptions{ProjectID: "proj-1", TargetStage: "C", ActorID: actor, Reason: "skip ahead"})
	if err != nil {
		t.Fatalf("override forward: %v", err)
	}
	if p.Workflow.CurrentStage != "C" || strings.Join(p.Workflow.CompletedStages, ",") != "A" {
		t.Fatalf("after forward override: %+v", p.Workflow)
	}

	p, evt, err := e.OverrideStage(env.Ctx, engine.OverrideOptions{ProjectID: "proj-1", TargetStage: "A", ActorID: actor, Reason: "start over"})
	if err != nil {
		t.Fatalf("override back: %v", err)
	}
	if p.Workflow.CurrentStage != "A" || len(p.Workflow.CompletedStages) != 0 {
		t.Fatalf("after rewind: %+v", p.Workflow)
	}
	md, ok := evt.Metadata.(domain.ManualOverrideMetadata)
	if !ok || strings.Join(md.RewoundStages, ",") != "A,C" || md.Reason != "start over" {
		t.Fatalf("override metadata: %#v", evt.Metadata)
	}
	_, _, err = e.OverrideStage(env.Ctx, engine.OverrideOptions{ProjectID: "proj-1", TargetStage: "Z", ActorID: actor, Reason: "bad"})
	expectKind(t, err, engine.KindInvalidTargetStage)
}

// branching is A -> {B, C} with B -> C.
func branching() template.Definition {
	return template.Definition{
		ID:      "branching",
		Version: "1.0.0",
		Stages: []template.StageSpec{
			{ID: "A", Next: []string{"B", "C"}},
			{ID: "B", Next: []string{"C"}},
			{ID: "C"},
		},
	}
}

func TestOverrideDropsDownstreamStages(t *testing.T) {
	env := newTestEnv(t)
	e := engine.New(env.Engine.DB, template.NewRegistry(branching()))
	if _, _, err := e.InitProject(env.Ctx, engine.InitOptions{ProjectID: "proj-b", Template: "branching", ActorID: actor}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, _, err := e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-b", TargetStage: "C", ActorID: actor}); err != nil {
		t.Fatalf("advance to C: %v", err)
	}

	p, evt, err := e.OverrideStage(env.Ctx, engine.OverrideOptions{ProjectID: "proj-b", TargetStage: "B", ActorID: actor, Reason: "take the long way"})
	if err != nil {
		t.Fatalf("override to B: %v", err)
	}
	if p.Workflow.CurrentStage != "B" || strings.Join(p.Workflow.CompletedStages, ",") != "A" {
		t.Fatalf("after override: %+v", p.Workflow)
	}
	md, ok := evt.Metadata.(domain.ManualOverrideMetadata)
	if !ok || strings.Join(md.RewoundStages, ",") != "C" {
		t.Fatalf("override metadata: %#v", evt.Metadata)
	}

	p, _, err = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-b", TargetStage: "C", ActorID: actor})
	if err != nil {
		t.Fatalf("advance B to C: %v", err)
	}
	if p.Workflow.CurrentStage != "C" || strings.Join(p.Workflow.CompletedStages, ",") != "A,B" {
		t.Fatalf("after advance: %+v", p.Workflow)
	}
	if p.Workflow.HasCompleted(p.Workflow.CurrentStage) {
		t.Fatalf("current stage %s listed as completed: %v", p.Workflow.CurrentStage, p.Workflow.CompletedStages)
	}
}

func TestValidateTransitionRefusesCompletedTarget(t *testing.T) {
	tpl, err := template.New(branching())
	if err != nil {
		t.Fatal(err)
	}
	state := domain.WorkflowState{CurrentStage: "B", CompletedStages: []string{"A", "C"}, GateStatus: domain.StageGateNotRequired}
	expectKind(t, engine.ValidateTransition(state, tpl, "C"), engine.KindIllegalTransition)
	state.CompletedStages = []string{"A"}
	if err := engine.ValidateTransition(state, tpl, "C"); err != nil {
		t.Fatalf("C is reachable and not completed: %v", err)
	}
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	// a second engine value shares the database but not the in-process locks
	other := engine.New(env.Engine.DB, env.Engine.Templates)
	g1 := env.gate(t, "G1")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 4)
	)
	engines := []engine.Engine{env.Engine, other, env.Engine, other}
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e engine.Engine) {
			defer wg.Done()
			_, _, errs[i] = e.ApproveGate(env.Ctx, engine.ApproveOptions{GateID: g1.ID, ActorID: actor})
		}(i, e)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case engine.IsKind(err, engine.KindGateAlreadyApproved), engine.IsKind(err, engine.KindConcurrentModification):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one success, got %d (%v)", wins, errs)
	}
	hist, err := env.Engine.HistoryForGate(env.Ctx, g1.ID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if hist.Total != 1 || hist.Events[0].Type != domain.EventGateApproved {
		t.Fatalf("expected one gate_approved event, got %+v", hist)
	}
}

func TestReviewers(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	g := env.gate(t, "G1")

	ada, err := e.CreateContact(env.Ctx, engine.ContactInput{Name: "Ada", Email: "ada@example.test"})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := e.CreateContact(env.Ctx, engine.ContactInput{ID: "bob", Name: "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetContactActive(env.Ctx, bob.ID, false); err != nil {
		t.Fatal(err)
	}

	rv, evt, err := e.AssignReviewer(env.Ctx, g.ID, ada.ID, "lead", actor)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if evt.Type != domain.EventReviewerAssigned || evt.ProjectID != "proj-1" {
		t.Fatalf("assign event must belong to the project, not the contact: %+v", evt)
	}
	if md := evt.Metadata.(domain.ReviewerAssignedMetadata); md.ContactID != ada.ID || md.ReviewerID != rv.ID {
		t.Fatalf("assign metadata: %+v", md)
	}

	_, _, err = e.AssignReviewer(env.Ctx, g.ID, ada.ID, "lead", actor)
	expectKind(t, err, engine.KindDuplicateAssignment)
	_, _, err = e.AssignReviewer(env.Ctx, g.ID, bob.ID, "", actor)
	expectKind(t, err, engine.KindContactInactiveMissing)
	_, _, err = e.AssignReviewer(env.Ctx, g.ID, "ghost", "", actor)
	expectKind(t, err, engine.KindContactInactiveMissing)
	_, _, err = e.AssignReviewer(env.Ctx, "nope", ada.ID, "", actor)
	expectKind(t, err, engine.KindGateNotFound)

	list, err := e.ListReviewers(env.Ctx, g.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list reviewers: %v %v", list, err)
	}
	m, err := e.GateMetrics(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Total != 3 || m.Reviewers != 1 || m.Unreviewed != 2 || m.ByStatus["blocked"] != 1 {
		t.Fatalf("metrics: %+v", m)
	}

	if err := e.RemoveReviewer(env.Ctx, g.ID, ada.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	expectKind(t, e.RemoveReviewer(env.Ctx, g.ID, ada.ID), engine.KindInvalidInput)
}

type stubDirectory map[string]domain.Contact

func (s stubDirectory) GetContact(_ context.Context, id string) (domain.Contact, error) {
	c, ok := s[id]
	if !ok {
		return c, repo.ErrNotFound
	}
	return c, nil
}

func TestAssignReviewerUsesDirectory(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	e.Contacts = stubDirectory{"ext-1": {ID: "ext-1", Name: "Remote", Active: true}}
	if _, _, err := e.AssignReviewer(env.Ctx, env.gate(t, "G3").ID, "ext-1", "", actor); err != nil {
		t.Fatalf("assign via directory: %v", err)
	}
}

func TestHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	for _, target := range []string{"B", "A", "B", "C"} {
		if _, _, err := e.OverrideStage(env.Ctx, engine.OverrideOptions{ProjectID: "proj-1", TargetStage: target, ActorID: actor, Reason: "shuffle"}); err != nil {
			t.Fatalf("override to %s: %v", target, err)
		}
	}
	page, err := e.History(env.Ctx, "proj-1", engine.HistoryQuery{Page: 2, PageSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 4 || len(page.Events) != 1 || page.Events[0].ToStage != "B" {
		t.Fatalf("page 2: %+v", page)
	}
	capped, err := e.History(env.Ctx, "proj-1", engine.HistoryQuery{PageSize: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if capped.PageSize != engine.MaxPageSize {
		t.Fatalf("page size not capped: %d", capped.PageSize)
	}
	ranged, err := e.History(env.Ctx, "proj-1", engine.HistoryQuery{From: "2024-01-01T01:00:00+01:00", To: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if ranged.Total != 4 {
		t.Fatalf("offset timestamps should be normalized to UTC: %+v", ranged)
	}
	_, err = e.History(env.Ctx, "proj-1", engine.HistoryQuery{From: "yesterday"})
	expectKind(t, err, engine.KindInvalidInput)
	_, err = e.History(env.Ctx, "proj-1", engine.HistoryQuery{EventType: "bogus"})
	expectKind(t, err, engine.KindInvalidInput)
	_, err = e.History(env.Ctx, "missing", engine.HistoryQuery{})
	expectKind(t, err, engine.KindProjectNotFound)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.WorkflowEvent
}

func (r *recordingNotifier) Name() string { return "recorder" }

func (r *recordingNotifier) Notify(_ context.Context, evt domain.WorkflowEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func TestObservability(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	e.Tracer = tp.Tracer("test")
	e.Metrics = metrics.New()
	notes := &recordingNotifier{}
	e.Notify = notify.NewDispatcher(zerolog.Nop(), e.Metrics, notes)

	if _, _, err := e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "B", ActorID: actor}); err != nil {
		t.Fatal(err)
	}
	_, _, _ = e.AdvanceStage(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", TargetStage: "C", ActorID: actor})
	e.Notify.Wait()

	if got := testutil.ToFloat64(e.Metrics.TransitionsTotal.WithLabelValues("advance", "ok")); got != 1 {
		t.Fatalf("ok transitions: %v", got)
	}
	if got := testutil.ToFloat64(e.Metrics.TransitionsTotal.WithLabelValues("advance", string(engine.KindGateNotApproved))); got != 1 {
		t.Fatalf("failed transitions: %v", got)
	}
	if len(notes.events) != 1 || notes.events[0].ToStage != "B" {
		t.Fatalf("only committed changes are dispatched: %+v", notes.events)
	}
	spans := rec.Ended()
	if len(spans) != 2 || spans[0].Name() != "engine.AdvanceStage" {
		t.Fatalf("spans: %v", spans)
	}
	if spans[1].Status().Description == "" {
		t.Fatalf("failed span should carry an error status")
	}
}
