package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Review project gates"}
	g.AddCommand(gateListCmd())
	g.AddCommand(gateShowCmd())
	g.AddCommand(gateApproveCmd())
	g.AddCommand(gateRejectCmd())
	g.AddCommand(gateResetCmd())
	g.AddCommand(gateMetricsCmd())
	return g
}

// resolveGate accepts a gate id or a gate key of the selected project.
func resolveGate(ctx context.Context, rt *app.Runtime, ref string) (domain.Gate, error) {
	g, err := rt.Engine.Repo.GetGate(ctx, nil, ref)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Gate{}, err
	}
	projectID, perr := app.ResolveProject(ctx, rt.Engine.Repo, viper.GetString("project"))
	if perr != nil {
		return domain.Gate{}, fmt.Errorf("gate %s not found", ref)
	}
	g, err = rt.Engine.Repo.GetGateByKey(ctx, nil, projectID, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Gate{}, fmt.Errorf("gate %s not found in project %s", ref, projectID)
	}
	return g, err
}

func withGate(ctx context.Context, ref string, fn func(context.Context, *app.Runtime, domain.Gate) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		g, err := resolveGate(ctx, rt, ref)
		if err != nil {
			return err
		}
		return fn(ctx, rt, g)
	})
}

func gateListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gates of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				gates, err := rt.Engine.ListGates(ctx, projectID, stage)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gates)
				}
				tw := newTable("Key", "Stage", "Seq", "Requires", "Status", "ID")
				for _, g := range gates {
					seq := ""
					if g.Criteria.SequenceNumber != nil {
						seq = fmt.Sprint(*g.Criteria.SequenceNumber)
					}
					tw.AppendRow([]any{g.GateKey, g.StageID, seq, strings.Join(g.Criteria.RequiredGateKeys, ","), g.Status, g.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only gates of this stage")
	return cmd
}

func gateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show <gate>",
		Aliases: []string{"check"},
		Short:   "Show a gate with its dependency and sequence check",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				check, err := rt.Engine.CheckGate(ctx, g.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(check)
				}
				fmt.Printf("%s (%s) stage=%s status=%s\n", g.GateKey, g.DisplayName, g.StageID, g.Status)
				if g.Criteria.Description != "" {
					fmt.Println(g.Criteria.Description)
				}
				for _, item := range g.Criteria.Checklist {
					fmt.Printf("  [ ] %s\n", item)
				}
				if !check.DependenciesMet {
					fmt.Printf("blocked by: %s\n", strings.Join(check.BlockingKeys, ", "))
				}
				if !check.SequenceOK {
					fmt.Println(check.SequenceMessage)
				}
				fmt.Printf("can approve: %t\n", check.CanApprove)
				if d := g.Criteria.Decision; d != nil {
					fmt.Printf("last decision: %s by %s at %s\n", d.Outcome, d.ActorID, d.At)
				}
				return nil
			})
		},
	}
}

func gateApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <gate>",
		Short: "Approve a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				g, evt, err := rt.Engine.ApproveGate(ctx, engine.ApproveOptions{
					GateID:  g.ID,
					ActorID: actorID(),
					Comment: comment,
				})
				if err != nil {
					return err
				}
				return printGateMutation(g, evt)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	return cmd
}

func gateRejectCmd() *cobra.Command {
	var reason, recommendations string
	cmd := &cobra.Command{
		Use:   "reject <gate>",
		Short: "Reject a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				g, evt, err := rt.Engine.RejectGate(ctx, engine.RejectOptions{
					GateID:          g.ID,
					ActorID:         actorID(),
					Reason:          reason,
					Recommendations: recommendations,
				})
				if err != nil {
					return err
				}
				return printGateMutation(g, evt)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", fmt.Sprintf("rejection reason (at least %d characters)", engine.MinRejectReasonRunes))
	cmd.Flags().StringVar(&recommendations, "recommendations", "", "what should change before the next review")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func gateResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <gate>",
		Short: "Reset a gate to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				g, evt, err := rt.Engine.ResetGate(ctx, g.ID, actorID())
				if err != nil {
					return err
				}
				return printGateMutation(g, evt)
			})
		},
	}
}

func gateMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Summarise gate progress of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				m, err := rt.Engine.GateMetrics(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := newTable("Status", "Gates")
				for _, status := range []domain.GateStatus{domain.GatePending, domain.GateBlocked, domain.GateApproved, domain.GateRejected} {
					tw.AppendRow([]any{status, m.ByStatus[string(status)]})
				}
				tw.AppendFooter([]any{"Total", m.Total})
				tw.Render()
				fmt.Printf("approval ratio %.0f%%, %d gates without reviewers, %d pending on %s\n",
					m.ApprovalRatio*100, m.Unreviewed, m.CurrentPending, m.CurrentStage)
				return nil
			})
		},
	}
}

func printGateMutation(g domain.Gate, evt domain.WorkflowEvent) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"gate": g, "event": evt})
	}
	fmt.Printf("%s: gate %s is %s\n", evt.Type, g.GateKey, g.Status)
	return nil
}
