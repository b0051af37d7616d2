package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
)

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Create, inspect, and move project pipelines",
	}
	cmd.AddCommand(newPipelineCreateCommand(ctx))
	cmd.AddCommand(newPipelineShowCommand(ctx))
	cmd.AddCommand(newPipelineAdvanceCommand(ctx))
	cmd.AddCommand(newPipelineRollbackCommand(ctx))
	cmd.AddCommand(newPipelineArtifactCommand(ctx))
	cmd.AddCommand(newPipelineHistoryCommand(ctx))
	cmd.AddCommand(newPipelinePerformanceCommand(ctx))
	cmd.AddCommand(newPipelineNotifyCommand(ctx))
	return cmd
}

func newPipelineCreateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "create <project-id>",
		Short: "Start a pipeline for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			var p api.Pipeline
			req := api.CreatePipelineRequest{ProjectID: args[0], Actor: actor}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/pipelines", req, &p); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created pipeline %s for project %s (stage %s)\n", p.ID, p.ProjectID, stageLabel(p.CurrentStage))
			return nil
		},
	}
}

func newPipelineShowCommand(ctx *commandContext) *cobra.Command {
	var byID bool
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project's pipeline stage by stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/api/projects/" + url.PathEscape(args[0]) + "/pipeline"
			if byID {
				path = "/api/pipelines/" + url.PathEscape(args[0])
			}
			var p api.Pipeline
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &p); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, p)
			}
			printPipeline(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&byID, "id", false, "Treat the argument as a pipeline id")
	return cmd
}

func printPipeline(out io.Writer, p api.Pipeline) {
	colorize := shouldColorize(out)
	fmt.Fprintf(out, "Pipeline %s\n", p.ID)
	fmt.Fprintf(out, "  Project:   %s\n", p.ProjectID)
	fmt.Fprintf(out, "  Stage:     %s\n", stageLabel(p.CurrentStage))
	fmt.Fprintf(out, "  Progress:  %s (%d completed, %d rollbacks)\n",
		formatPercent(p.Metrics.ProgressPercent), p.Metrics.CompletedStages, p.Metrics.Rollbacks)
	fmt.Fprintf(out, "  Created by %s at %s\n\n", dashIfEmpty(p.CreatedBy), formatTimestamp(p.CreatedAt))

	rows := make([][]string, 0, len(p.Stages))
	for _, rec := range p.Stages {
		rows = append(rows, []string{
			rec.Label,
			paint(rec.Status, statusKindColor(stageStatusKind(rec.Status)), colorize),
			formatTimestamp(rec.StartedAt),
			formatSeconds(rec.DurationSeconds),
			strconv.Itoa(len(rec.Artifacts)),
			dashIfEmpty(rec.CheckpointID),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Status", "Started", "Duration", "Artifacts", "Checkpoint"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}

func newPipelineAdvanceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <pipeline-id>",
		Short: "Complete the current stage and enter the next one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			var res api.AdvanceResponse
			path := "/api/pipelines/" + url.PathEscape(args[0]) + "/advance"
			if err := client.do(cmd.Context(), http.MethodPost, path, api.AdvanceRequest{Actor: actor}, &res); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, res)
			}
			printAdvance(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func printAdvance(out io.Writer, res api.AdvanceResponse) {
	fmt.Fprintf(out, "Advanced %s -> %s\n", stageLabel(res.From), stageLabel(res.To))
	if res.Checkpoint != nil {
		fmt.Fprintf(out, "  Checkpoint %s opened for %s\n", res.Checkpoint.ID, strings.Join(res.Checkpoint.AssignedTo, ", "))
	}
	if res.JobID != "" {
		fmt.Fprintf(out, "  Queued job %s\n", res.JobID)
	}
	if res.DispatchError != "" {
		fmt.Fprintf(out, "  Job dispatch failed: %s\n", res.DispatchError)
	}
	if res.Rules != nil {
		printRuleReport(out, *res.Rules)
	}
}

func newPipelineRollbackCommand(ctx *commandContext) *cobra.Command {
	var target string
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <pipeline-id>",
		Short: "Return a pipeline to an earlier stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			var p api.Pipeline
			req := api.RollbackRequest{Target: strings.TrimSpace(target), Actor: actor, Reason: reason}
			path := "/api/pipelines/" + url.PathEscape(args[0]) + "/rollback"
			if err := client.do(cmd.Context(), http.MethodPost, path, req, &p); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back pipeline %s to %s\n", p.ID, stageLabel(p.CurrentStage))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "Target stage (defaults to the previous stage)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the pipeline is going back")
	return cmd
}

func newPipelineArtifactCommand(ctx *commandContext) *cobra.Command {
	var artifactType string
	var artifactURL string
	var payload string
	cmd := &cobra.Command{
		Use:   "artifact <pipeline-id> <stage>",
		Short: "Attach an output to a pipeline stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			req := api.ArtifactRequest{Type: artifactType, URL: artifactURL, CreatedBy: actor}
			if strings.TrimSpace(payload) != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload must be valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			var artifact api.Artifact
			path := "/api/pipelines/" + url.PathEscape(args[0]) + "/stages/" + url.PathEscape(args[1]) + "/artifacts"
			if err := client.do(cmd.Context(), http.MethodPost, path, req, &artifact); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, artifact)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attached %s artifact %s to %s\n", artifact.Type, artifact.ID, stageLabel(artifact.Stage))
			return nil
		},
	}
	cmd.Flags().StringVar(&artifactType, "type", "", "Artifact type (script, storyboard, video, ...)")
	cmd.Flags().StringVar(&artifactURL, "url", "", "Location of the artifact")
	cmd.Flags().StringVar(&payload, "payload", "", "Inline JSON payload")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newPipelineHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show recent activity for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/api/projects/" + url.PathEscape(args[0]) + "/history"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var history []api.Activity
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &history); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, history)
			}
			out := cmd.OutOrStdout()
			if len(history) == 0 {
				fmt.Fprintln(out, "No activity recorded")
				return nil
			}
			rows := make([][]string, 0, len(history))
			for _, a := range history {
				rows = append(rows, []string{
					formatTimestamp(a.CreatedAt),
					a.Kind,
					dashIfEmpty(stageLabelOrEmpty(a.Stage)),
					dashIfEmpty(a.Actor),
					dashIfEmpty(a.Detail),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"When", "Event", "Stage", "Actor", "Detail"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum entries (defaults to the configured activity limit)")
	return cmd
}

func newPipelinePerformanceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "performance <project-id>",
		Short: "Show per-stage timing for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var rows []api.StagePerformance
			path := "/api/projects/" + url.PathEscape(args[0]) + "/performance"
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &rows); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, rows)
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				table = append(table, []string{
					r.Label,
					paint(r.Status, statusKindColor(stageStatusKind(r.Status)), colorize),
					dashIfEmpty(r.Elapsed),
					strconv.Itoa(r.Artifacts),
					dashIfEmpty(r.CheckpointID),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Stage", "Status", "Elapsed", "Artifacts", "Checkpoint"},
				table,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newPipelineNotifyCommand(ctx *commandContext) *cobra.Command {
	var inApp bool
	var push bool
	var muted []string
	cmd := &cobra.Command{
		Use:   "notify <pipeline-id>",
		Short: "Set notification preferences for a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			prefs := api.NotificationPrefs{InApp: inApp, Push: push, MutedKinds: muted}
			path := "/api/pipelines/" + url.PathEscape(args[0]) + "/notifications"
			if err := client.do(cmd.Context(), http.MethodPut, path, prefs, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notifications for %s: in-app %s, push %s\n", args[0], yesNo(inApp), yesNo(push))
			return nil
		},
	}
	cmd.Flags().BoolVar(&inApp, "in-app", true, "Deliver to the in-app inbox")
	cmd.Flags().BoolVar(&push, "push", false, "Send push notifications")
	cmd.Flags().StringSliceVar(&muted, "mute", nil, "Notification kinds to suppress")
	return cmd
}

func clientAndActor(ctx *commandContext) (*apiClient, string, error) {
	client, err := ctx.client()
	if err != nil {
		return nil, "", err
	}
	actor, err := ctx.actor()
	if err != nil {
		return nil, "", err
	}
	return client, actor, nil
}

func stageLabelOrEmpty(raw string) string {
	if raw == "" {
		return ""
	}
	return stageLabel(raw)
}
