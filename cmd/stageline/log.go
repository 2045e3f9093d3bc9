package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the audit trail"}

	var (
		n, page         int
		eventType, gate string
		from, to        string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				q := engine.HistoryQuery{
					EventType: domain.EventType(eventType),
					From:      from,
					To:        to,
					Page:      page,
					PageSize:  n,
				}
				if gate != "" {
					g, err := resolveGate(ctx, rt, gate)
					if err != nil {
						return err
					}
					q.GateID = g.ID
				}
				res, err := rt.Engine.History(ctx, projectID, q)
				if err != nil {
					return err
				}
				return printHistory(res)
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", engine.DefaultPageSize, "events per page")
	tail.Flags().IntVar(&page, "page", 1, "page number")
	tail.Flags().StringVar(&eventType, "type", "", "only events of this type")
	tail.Flags().StringVar(&gate, "gate", "", "only events about this gate (id or key)")
	tail.Flags().StringVar(&from, "from", "", "RFC3339 lower bound")
	tail.Flags().StringVar(&to, "to", "", "RFC3339 upper bound")

	var gatePage, gateSize int
	gateLog := &cobra.Command{
		Use:   "gate <gate>",
		Short: "Show the decision history of a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				res, err := rt.Engine.HistoryForGate(ctx, g.ID, gatePage, gateSize)
				if err != nil {
					return err
				}
				return printHistory(res)
			})
		},
	}
	gateLog.Flags().IntVar(&gatePage, "page", 1, "page number")
	gateLog.Flags().IntVarP(&gateSize, "n", "n", engine.DefaultPageSize, "events per page")

	l.AddCommand(tail, gateLog)
	return l
}

func printHistory(res engine.HistoryPage) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := newTable("ID", "Time", "Type", "From", "To", "Actor", "Metadata")
	for _, evt := range res.Events {
		md, _ := json.Marshal(evt.Metadata)
		tw.AppendRow([]any{evt.ID, evt.TS, evt.Type, derefOr(evt.FromStage, "-"), evt.ToStage, evt.ActorID, string(md)})
	}
	tw.Render()
	fmt.Printf("page %d, %d of %d events\n", res.Page, len(res.Events), res.Total)
	return nil
}
