package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
)

func templateCmd() *cobra.Command {
	t := &cobra.Command{Use: "template", Short: "Inspect workflow templates"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tpls := rt.Engine.Templates.List()
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(tpls))
					for _, tpl := range tpls {
						out = append(out, map[string]any{"id": tpl.ID, "ref": tpl.Ref(), "display_name": tpl.DisplayName, "entry_stage": tpl.EntryStage})
					}
					return printJSON(out)
				}
				tw := newTable("Ref", "Name", "Entry", "Stages", "Gates")
				for _, tpl := range tpls {
					tw.AppendRow([]any{tpl.Ref(), tpl.DisplayName, tpl.EntryStage, len(tpl.Stages), len(tpl.Gates)})
				}
				tw.Render()
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <template>",
		Short: "Show the stage graph of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tpl, err := rt.Engine.Templates.Load(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ref": tpl.Ref(), "entry_stage": tpl.EntryStage, "stages": tpl.OrderedStages(), "gates": tpl.Gates})
				}
				fmt.Printf("%s (%s), entry %s\n", tpl.Ref(), tpl.DisplayName, tpl.EntryStage)
				tw := newTable("Stage", "Name", "Gate", "Next", "Gates")
				for _, s := range tpl.OrderedStages() {
					var keys []string
					for _, g := range tpl.GatesForStage(s.ID) {
						keys = append(keys, g.Key)
					}
					tw.AppendRow([]any{s.ID, s.DisplayName, s.GateRequired, strings.Join(s.NextStageIDs, ","), strings.Join(keys, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate stageline.yml and every template graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			tpls, err := cfg.Registry().LoadAll()
			if err != nil {
				return err
			}
			for _, tpl := range tpls {
				fmt.Printf("ok %s (%d stages, %d gates)\n", tpl.Ref(), len(tpl.Stages), len(tpl.Gates))
			}
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace stageline.yml)")

	t.AddCommand(list, show, validate)
	return t
}
