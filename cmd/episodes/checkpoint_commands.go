package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
)

func newCheckpointCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"cp"},
		Short:   "Open and decide review checkpoints",
	}
	cmd.AddCommand(newCheckpointCreateCommand(ctx))
	cmd.AddCommand(newCheckpointDecisionCommand(ctx, "approve"))
	cmd.AddCommand(newCheckpointDecisionCommand(ctx, "reject"))
	cmd.AddCommand(newCheckpointBulkApproveCommand(ctx))
	cmd.AddCommand(newCheckpointPendingCommand(ctx))
	return cmd
}

func newCheckpointCreateCommand(ctx *commandContext) *cobra.Command {
	var stageName string
	var reviewers []string
	var quorum int
	var due time.Duration
	cmd := &cobra.Command{
		Use:   "create <pipeline-id>",
		Short: "Request review of a pipeline stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			req := api.CheckpointRequest{
				PipelineID:        args[0],
				Stage:             strings.TrimSpace(stageName),
				SubmittedBy:       actor,
				AssignedTo:        reviewers,
				RequiredApprovals: quorum,
			}
			if due > 0 {
				at := time.Now().Add(due).UTC()
				req.DueAt = &at
			}
			var cp api.Checkpoint
			if err := client.do(cmd.Context(), http.MethodPost, "/api/checkpoints", req, &cp); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, cp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Opened checkpoint %s on %s (%d of %d approvals needed from %s)\n",
				cp.ID, stageLabel(cp.Stage), cp.RequiredApprovals, len(cp.AssignedTo), strings.Join(cp.AssignedTo, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "Stage under review (defaults to the current stage)")
	cmd.Flags().StringSliceVarP(&reviewers, "reviewer", "r", nil, "Assigned reviewer (repeatable)")
	cmd.Flags().IntVarP(&quorum, "quorum", "q", 1, "Approvals required to pass")
	cmd.Flags().DurationVar(&due, "due", 0, "Review deadline from now (for example 48h)")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newCheckpointDecisionCommand(ctx *commandContext, decision string) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   decision + " <checkpoint-id>",
		Short: strings.ToUpper(decision[:1]) + decision[1:] + " a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision == "reject" && strings.TrimSpace(feedback) == "" {
				return fmt.Errorf("--feedback is required when rejecting")
			}
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			var res api.DecisionResponse
			path := "/api/checkpoints/" + url.PathEscape(args[0]) + "/" + decision
			req := api.DecisionRequest{Actor: actor, Feedback: feedback}
			if err := client.do(cmd.Context(), http.MethodPost, path, req, &res); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, res)
			}
			printDecision(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&feedback, "feedback", "m", "", "Reviewer feedback")
	return cmd
}

func printDecision(out io.Writer, res api.DecisionResponse) {
	cp := res.Checkpoint
	fmt.Fprintf(out, "Checkpoint %s is %s (%d/%d approvals)\n", cp.ID, cp.Status, cp.CurrentApprovals, cp.RequiredApprovals)
	if res.Advance != nil {
		printAdvance(out, *res.Advance)
	}
	if res.AdvanceError != "" {
		fmt.Fprintf(out, "  Pipeline did not advance: %s\n", res.AdvanceError)
	}
}

func newCheckpointBulkApproveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-approve <checkpoint-id>...",
		Short: "Approve several checkpoints at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			var res api.BulkResponse
			req := api.BulkApproveRequest{IDs: args, Actor: actor}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/checkpoints/bulk-approve", req, &res); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "Approved %d of %d checkpoints\n", len(res.Succeeded), len(args))
			for _, id := range res.Succeeded {
				fmt.Fprintln(out, renderStatusLine(id, statusOK, "", colorize))
			}
			for _, f := range res.Failed {
				fmt.Fprintln(out, renderStatusLine(f.ID, statusError, f.Error, colorize))
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d checkpoint(s) failed", len(res.Failed))
			}
			return nil
		},
	}
}

func newCheckpointPendingCommand(ctx *commandContext) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List checkpoints waiting on a reviewer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			reviewer := strings.TrimSpace(user)
			if reviewer == "" {
				if reviewer, err = ctx.actor(); err != nil {
					return err
				}
			}
			var list []api.Checkpoint
			if err := client.do(cmd.Context(), http.MethodGet, "/api/users/"+url.PathEscape(reviewer)+"/reviews", nil, &list); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, list)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintf(out, "Nothing waiting on %s\n", reviewer)
				return nil
			}
			rows := make([][]string, 0, len(list))
			for _, cp := range list {
				rows = append(rows, []string{
					cp.ID,
					cp.PipelineID,
					stageLabel(cp.Stage),
					fmt.Sprintf("%d/%d", cp.CurrentApprovals, cp.RequiredApprovals),
					dashIfEmpty(cp.SubmittedBy),
					formatTimestamp(cp.DueAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Checkpoint", "Pipeline", "Stage", "Approvals", "Submitted by", "Due"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			))
			fmt.Fprintf(out, "%d pending\n", len(list))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Reviewer (defaults to the actor)")
	return cmd
}
