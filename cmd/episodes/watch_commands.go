package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/tracking"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live project, dashboard, or notification views",
	}
	cmd.PersistentFlags().IntVarP(&count, "count", "n", 0, "Exit after this many updates (0 follows until interrupted)")

	cmd.AddCommand(&cobra.Command{
		Use:   "project <project-id>",
		Short: "Follow a project's pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, ctx, tracking.ProjectKey(args[0]), count, printProjectView)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dashboard [user]",
		Short: "Follow a user's pipeline dashboard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := userArg(ctx, args)
			if err != nil {
				return err
			}
			return runWatch(cmd, ctx, tracking.DashboardKey(user), count, printDashboardView)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "notifications [user]",
		Short: "Follow reviews and inbox messages for a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := userArg(ctx, args)
			if err != nil {
				return err
			}
			return runWatch(cmd, ctx, tracking.NotificationsKey(user), count, printNotificationsView)
		},
	})
	return cmd
}

func userArg(ctx *commandContext, args []string) (string, error) {
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	return ctx.actor()
}

func runWatch[T any](cmd *cobra.Command, ctx *commandContext, key string, count int, print func(io.Writer, T)) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	seen := 0
	return client.stream(cmd.Context(), key, func(data json.RawMessage) error {
		if ctx.jsonOutput() {
			fmt.Fprintln(out, string(data))
		} else {
			var view T
			if err := json.Unmarshal(data, &view); err != nil {
				return fmt.Errorf("decode view: %w", err)
			}
			print(out, view)
		}
		seen++
		if count > 0 && seen >= count {
			return errStopStream
		}
		return nil
	})
}

func clock() string {
	return time.Now().Format("15:04:05")
}

func printProjectView(out io.Writer, v api.ProjectView) {
	if v.Pipeline == nil {
		fmt.Fprintf(out, "[%s] %s: no pipeline yet\n", clock(), v.ProjectID)
		return
	}
	fmt.Fprintf(out, "[%s] %s: %s (%s)", clock(), v.ProjectID, stageLabel(v.Pipeline.CurrentStage), formatPercent(v.ProgressPercent))
	if n := len(v.ActiveCheckpoints); n > 0 {
		fmt.Fprintf(out, ", %d checkpoint(s) open", n)
	}
	fmt.Fprintln(out)
	if len(v.RecentActivity) > 0 {
		a := v.RecentActivity[0]
		fmt.Fprintf(out, "    last: %s %s by %s\n", a.Kind, stageLabelOrEmpty(a.Stage), dashIfEmpty(a.Actor))
	}
}

func printDashboardView(out io.Writer, v api.DashboardView) {
	fmt.Fprintf(out, "[%s] %s: %d pipeline(s), average %s, %d review(s) pending\n",
		clock(), v.UserID, len(v.Pipelines), formatPercent(v.AverageProgress), v.PendingReviews)
	stages := make([]string, 0, len(v.ByStage))
	for st := range v.ByStage {
		stages = append(stages, st)
	}
	slices.Sort(stages)
	for _, st := range stages {
		fmt.Fprintf(out, "    %-20s %d\n", stageLabel(st), v.ByStage[st])
	}
}

func printNotificationsView(out io.Writer, v api.NotificationsView) {
	fmt.Fprintf(out, "[%s] %s: %d review(s), %d unread\n", clock(), v.UserID, len(v.PendingReviews), len(v.Unread))
	for _, r := range v.PendingReviews {
		marker := ""
		if r.Overdue {
			marker = " (overdue)"
		}
		fmt.Fprintf(out, "    review %s on %s%s\n", r.CheckpointID, stageLabel(r.Stage), marker)
	}
	for _, n := range v.Unread {
		fmt.Fprintf(out, "    %s: %s\n", n.Title, n.Message)
	}
}
