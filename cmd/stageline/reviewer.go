package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

func reviewerCmd() *cobra.Command {
	rv := &cobra.Command{Use: "reviewer", Short: "Assign reviewers to gates"}

	var role string
	assign := &cobra.Command{
		Use:   "assign <gate> <contact-id>",
		Short: "Assign a contact as reviewer of a gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				r, evt, err := rt.Engine.AssignReviewer(ctx, g.ID, args[1], role, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"reviewer": r, "event": evt})
				}
				fmt.Printf("Assigned %s to %s as %s\n", r.ContactID, g.GateKey, r.Role)
				return nil
			})
		},
	}
	assign.Flags().StringVar(&role, "role", "reviewer", "reviewer role")

	remove := &cobra.Command{
		Use:   "remove <gate> <contact-id>",
		Short: "Remove a reviewer from a gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				if err := rt.Engine.RemoveReviewer(ctx, g.ID, args[1]); err != nil {
					return err
				}
				fmt.Printf("Removed %s from %s\n", args[1], g.GateKey)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <gate>",
		Short: "List reviewers of a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(cmd.Context(), args[0], func(ctx context.Context, rt *app.Runtime, g domain.Gate) error {
				items, err := rt.Engine.ListReviewers(ctx, g.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Contact", "Role", "Assigned")
				for _, r := range items {
					tw.AppendRow([]any{r.ContactID, r.Role, r.AssignedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	rv.AddCommand(assign, remove, list)
	return rv
}

func contactCmd() *cobra.Command {
	c := &cobra.Command{Use: "contact", Short: "Manage the reviewer directory"}

	var id, name, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ct, err := rt.Engine.CreateContact(ctx, engine.ContactInput{ID: id, Name: name, Email: email})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ct)
				}
				fmt.Printf("Added contact %s (%s)\n", ct.ID, ct.Name)
				return nil
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "contact id (generated when empty)")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&email, "email", "", "email address")
	_ = add.MarkFlagRequired("name")

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListContacts(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Email", "Active")
				for _, ct := range items {
					tw.AppendRow([]any{ct.ID, ct.Name, ct.Email, ct.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive contacts")

	c.AddCommand(add, list, contactActiveCmd("deactivate", false), contactActiveCmd("activate", true))
	return c
}

func contactActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <contact-id>",
		Short: fmt.Sprintf("Mark a contact %sd", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.SetContactActive(ctx, args[0], active); err != nil {
					return err
				}
				fmt.Printf("Contact %s %sd\n", args[0], use)
				return nil
			})
		},
	}
}
