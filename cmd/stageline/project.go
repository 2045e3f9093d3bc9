package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, tpl, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if tpl == "" {
					tpl = rt.Config.DefaultTemplateID()
				}
				p, gates, err := rt.Engine.InitProject(ctx, engine.InitOptions{
					ProjectID:   id,
					Template:    tpl,
					Description: desc,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "gates": gates})
				}
				fmt.Printf("Created project %s on %s at stage %s with %d gates\n", p.ID, p.Workflow.TemplateID, p.Workflow.CurrentStage, len(gates))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&tpl, "template", "", "template id or id@version (defaults to default_template)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				p, err := rt.Engine.Repo.GetProject(ctx, nil, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Template", "Stage", "Gate", "Completed", "Created")
				for _, p := range items {
					wf := p.Workflow
					tw.AppendRow([]any{p.ID, wf.TemplateID, wf.CurrentStage, wf.GateStatus, strings.Join(wf.CompletedStages, ","), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var status, desc string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update project status or description",
		RunE: func(cmd *cobra.Command, args []string) error {
			var description *string
			if cmd.Flags().Changed("description") {
				description = &desc
			}
			if status == "" && description == nil {
				return fmt.Errorf("nothing to update; pass --status or --description")
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				if err := rt.Engine.Repo.UpdateProject(ctx, projectID, status, description); err != nil {
					return err
				}
				fmt.Printf("Updated project %s\n", projectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "project status (active, archived)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project with its gates and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Repo.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s\n", args[0])
				return nil
			})
		},
	}
}
