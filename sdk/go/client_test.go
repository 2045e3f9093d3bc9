package stagelinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	handler, err := server.New(server.Config{
		Engine:          engine.New(conn, cfg.Registry()),
		BasePath:        "/v0",
		DefaultTemplate: cfg.DefaultTemplateID(),
		Logger:          zerolog.Nop(),
		Auth:            server.AuthConfig{JWTSecret: "sdk-secret", Logger: zerolog.Nop()},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	token, err := server.MintToken("sdk-secret", "alice", "", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	c := New(srv.URL)
	c.BearerToken = token
	return c
}

func gateByKey(t *testing.T, gates []Gate, key string) Gate {
	t.Helper()
	for _, g := range gates {
		if g.GateKey == key {
			return g
		}
	}
	t.Fatalf("gate %s not found in %+v", key, gates)
	return Gate{}
}

func TestClientWorkflow(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	wf, gates, err := c.CreateProject(ctx, "apollo", "", "moon")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if wf.CurrentStage != "discovery" || len(gates) != 4 {
		t.Fatalf("unexpected project %+v with %d gates", wf, len(gates))
	}

	wf, evt, err := c.Advance(ctx, "apollo", "design", "kickoff done", map[string]any{"owner": "alice"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if wf.CurrentStage != "design" || wf.GateStatus != "pending" || evt.EventType != "stage_advance" || evt.ActorID != "alice" {
		t.Fatalf("unexpected advance result %+v %+v", wf, evt)
	}

	_, _, err = c.Advance(ctx, "apollo", "build", "", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "gate_not_approved" {
		t.Fatalf("expected gate_not_approved, got %v", err)
	}

	designGates, err := c.Gates(ctx, "apollo", "design")
	if err != nil {
		t.Fatalf("gates: %v", err)
	}
	review := gateByKey(t, designGates, "design_review")
	signoff := gateByKey(t, designGates, "architecture_signoff")

	check, err := c.CheckGate(ctx, signoff.ID)
	if err != nil {
		t.Fatalf("check gate: %v", err)
	}
	if check.CanApprove || check.DependenciesMet {
		t.Fatalf("signoff should wait on design review: %+v", check)
	}

	if _, _, err := c.RejectGate(ctx, review.ID, "too short", ""); !errors.As(err, &apiErr) || apiErr.Code != "reason_too_short" {
		t.Fatalf("expected reason_too_short, got %v", err)
	}
	g, evt, err := c.ApproveGate(ctx, review.ID, "looks good", nil)
	if err != nil {
		t.Fatalf("approve design review: %v", err)
	}
	if g.Status != "approved" || evt.EventType != "gate_approved" {
		t.Fatalf("unexpected approval %+v %+v", g, evt)
	}
	if _, _, err := c.ApproveGate(ctx, signoff.ID, "", map[string]any{"ticket": "ARCH-1"}); err != nil {
		t.Fatalf("approve signoff: %v", err)
	}

	if _, _, err := c.ApproveStageGate(ctx, "apollo", "ship it"); err != nil {
		t.Fatalf("approve stage gate: %v", err)
	}
	wf, _, err = c.Advance(ctx, "apollo", "build", "", nil)
	if err != nil {
		t.Fatalf("advance to build: %v", err)
	}
	if wf.CurrentStage != "build" || len(wf.CompletedStages) != 2 {
		t.Fatalf("unexpected workflow %+v", wf)
	}

	history, err := c.History(ctx, "apollo", "stage_advance", 1, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.Total != 2 || len(history.Events) != 2 || history.Events[0].ToStage != "build" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestClientReviewersAndReset(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, gates, err := c.CreateProject(ctx, "hermes", "hotfix", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	verification := gateByKey(t, gates, "verification")

	if _, err := c.CreateContact(ctx, "bob", "Bob", "bob@example.com"); err != nil {
		t.Fatalf("create contact: %v", err)
	}
	rv, evt, err := c.AssignReviewer(ctx, verification.ID, "bob", "qa")
	if err != nil {
		t.Fatalf("assign reviewer: %v", err)
	}
	if rv.ContactID != "bob" || rv.Role != "qa" || evt.EventType != "reviewer_assigned" {
		t.Fatalf("unexpected assignment %+v %+v", rv, evt)
	}
	var apiErr *APIError
	if _, _, err := c.AssignReviewer(ctx, verification.ID, "bob", "qa"); !errors.As(err, &apiErr) || apiErr.Code != "duplicate_assignment" {
		t.Fatalf("expected duplicate_assignment, got %v", err)
	}
	if err := c.RemoveReviewer(ctx, verification.ID, "bob"); err != nil {
		t.Fatalf("remove reviewer: %v", err)
	}

	if _, _, err := c.RejectGate(ctx, verification.ID, "regression found in checkout", "add a test"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	g, evt, err := c.ResetGate(ctx, verification.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if g.Status != "pending" || evt.EventType != "gate_reset" {
		t.Fatalf("unexpected reset %+v %+v", g, evt)
	}

	wf, evt, err := c.Override(ctx, "hermes", "ship", "customer outage")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if wf.CurrentStage != "ship" || evt.EventType != "manual_override" {
		t.Fatalf("unexpected override %+v %+v", wf, evt)
	}
}

func TestClientRequiresCredentials(t *testing.T) {
	c := newClient(t)
	c.BearerToken = ""
	_, err := c.Workflow(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
