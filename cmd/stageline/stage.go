package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Inspect and move a project through its stages"}
	st.AddCommand(stageShowCmd())
	st.AddCommand(stageTransitionsCmd())
	st.AddCommand(stageAdvanceCmd())
	st.AddCommand(stageDecisionCmd("approve", "Approve the current stage gate"))
	st.AddCommand(stageDecisionCmd("reject", "Reject the current stage gate"))
	st.AddCommand(stageOverrideCmd())
	return st
}

func stageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the workflow state of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				view, err := rt.Engine.GetWorkflow(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"workflow":    view.Project.Workflow,
						"current":     view.Current,
						"transitions": view.Transitions,
					})
				}
				printWorkflow(view)
				return nil
			})
		},
	}
}

func printWorkflow(view engine.WorkflowView) {
	wf := view.Project.Workflow
	tw := newTable("Stage", "Name", "Gate", "State")
	for _, s := range view.Template.OrderedStages() {
		state := ""
		switch {
		case s.ID == wf.CurrentStage:
			state = "current (" + string(wf.GateStatus) + ")"
		case wf.HasCompleted(s.ID):
			state = "completed"
		}
		gate := ""
		if s.GateRequired {
			gate = "required"
		}
		tw.AppendRow([]any{s.ID, s.DisplayName, gate, state})
	}
	fmt.Printf("Project %s on %s (version %d)\n", view.Project.ID, wf.TemplateID, wf.Version)
	tw.Render()
	if len(view.Transitions) > 0 {
		fmt.Printf("Next: %s\n", strings.Join(view.Transitions, ", "))
	}
}

func stageTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions",
		Short: "List stages the project can move to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				view, err := rt.Engine.GetWorkflow(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view.Transitions)
				}
				tw := newTable("Stage", "Name", "Gate")
				for _, id := range view.Transitions {
					s, _ := view.Template.GetStage(id)
					tw.AppendRow([]any{s.ID, s.DisplayName, s.GateRequired})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stageAdvanceCmd() *cobra.Command {
	var (
		notes string
		data  []string
	)
	cmd := &cobra.Command{
		Use:   "advance <target-stage>",
		Short: "Advance the project to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageData, err := parseStageData(data)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				p, evt, err := rt.Engine.AdvanceStage(ctx, engine.AdvanceOptions{
					ProjectID:   projectID,
					TargetStage: args[0],
					ActorID:     actorID(),
					Notes:       notes,
					StageData:   stageData,
				})
				if err != nil {
					return err
				}
				return printMutation(p, evt)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "transition notes")
	cmd.Flags().StringArrayVar(&data, "data", nil, "stage data entry key=value (repeatable)")
	return cmd
}

// parseStageData turns key=value pairs into a map. Numbers and booleans keep
// their JSON type.
func parseStageData(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --data %q; expected key=value", pair)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func stageDecisionCmd(action, short string) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				decide := rt.Engine.ApproveStageGate
				if action == "reject" {
					decide = rt.Engine.RejectStageGate
				}
				p, evt, err := decide(ctx, projectID, actorID(), feedback)
				if err != nil {
					return err
				}
				return printMutation(p, evt)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "decision feedback")
	return cmd
}

func stageOverrideCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <target-stage>",
		Short: "Move the project to any stage, bypassing transition rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				p, evt, err := rt.Engine.OverrideStage(ctx, engine.OverrideOptions{
					ProjectID:   projectID,
					TargetStage: args[0],
					ActorID:     actorID(),
					Reason:      reason,
				})
				if err != nil {
					return err
				}
				return printMutation(p, evt)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the override is needed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func printMutation(p domain.Project, evt domain.WorkflowEvent) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"workflow": p.Workflow, "event": evt})
	}
	wf := p.Workflow
	fmt.Printf("%s: %s now at %s (gate %s, version %d)\n", evt.Type, p.ID, wf.CurrentStage, wf.GateStatus, wf.Version)
	return nil
}
