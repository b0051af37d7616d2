package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
)

type windowFlags struct {
	days  int
	since string
	until string
}

func (f *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.days, "days", 0, "Window length ending now (defaults to the configured window)")
	cmd.Flags().StringVar(&f.since, "since", "", "Window start (RFC3339)")
	cmd.Flags().StringVar(&f.until, "until", "", "Window end (RFC3339)")
}

// query renders the window as since/until parameters. An empty query lets
// the daemon apply its default window.
func (f *windowFlags) query(now time.Time) (string, error) {
	values := url.Values{}
	if f.days > 0 {
		if f.since != "" {
			return "", fmt.Errorf("--days and --since are mutually exclusive")
		}
		values.Set("since", now.AddDate(0, 0, -f.days).UTC().Format(time.RFC3339))
	}
	for key, raw := range map[string]string{"since": f.since, "until": f.until} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			return "", fmt.Errorf("--%s %q: expected RFC3339", key, raw)
		}
		values.Set(key, raw)
	}
	if len(values) == 0 {
		return "", nil
	}
	return "?" + values.Encode(), nil
}

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Stage throughput and review analytics",
	}
	cmd.AddCommand(newMetricsStageCommand(ctx))
	cmd.AddCommand(newMetricsReportCommand(ctx))
	return cmd
}

func newMetricsStageCommand(ctx *commandContext) *cobra.Command {
	var window windowFlags
	cmd := &cobra.Command{
		Use:   "stage <stage>",
		Short: "Show metrics for one stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			query, err := window.query(time.Now())
			if err != nil {
				return err
			}
			var m api.StageMetrics
			if err := client.do(cmd.Context(), http.MethodGet, "/api/metrics/stages/"+url.PathEscape(args[0])+query, nil, &m); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, m)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", m.Label)
			fmt.Fprintf(out, "  Instances:          %d (%d completed, %s)\n", m.Instances, m.Completed, formatPercent(m.CompletionRate))
			fmt.Fprintf(out, "  Average duration:   %s\n", formatSeconds(m.AverageDurationSeconds))
			fmt.Fprintf(out, "  Checkpoints:        %d (%d rejected, revision rate %s)\n", m.Checkpoints, m.Rejected, formatPercent(m.RevisionRate))
			fmt.Fprintf(out, "  Average approval:   %s\n", formatSeconds(m.AverageApprovalTimeSeconds))
			if len(m.RecurringIssues) > 0 {
				fmt.Fprintf(out, "  Recurring issues:   %s\n", strings.Join(m.RecurringIssues, ", "))
			}
			return nil
		},
	}
	window.register(cmd)
	return cmd
}

func newMetricsReportCommand(ctx *commandContext) *cobra.Command {
	var window windowFlags
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize every stage with bottlenecks and recommendations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			query, err := window.query(time.Now())
			if err != nil {
				return err
			}
			var report api.PipelineReport
			if err := client.do(cmd.Context(), http.MethodGet, "/api/metrics/report"+query, nil, &report); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	window.register(cmd)
	return cmd
}

func printReport(out io.Writer, report api.PipelineReport) {
	colorize := shouldColorize(out)
	t := report.Totals
	fmt.Fprintf(out, "Pipeline report %s to %s\n", formatTimestamp(report.Since), formatTimestamp(report.Until))
	fmt.Fprintf(out, "  %d pipelines, %d published, %d checkpoints (%d rejected), %d rollbacks\n\n",
		t.Pipelines, t.Published, t.Checkpoints, t.Rejected, t.Rollbacks)

	rows := make([][]string, 0, len(report.Stages))
	for _, m := range report.Stages {
		rows = append(rows, []string{
			m.Label,
			strconv.Itoa(m.Instances),
			formatPercent(m.CompletionRate),
			formatSeconds(m.AverageDurationSeconds),
			formatPercent(m.RevisionRate),
			formatSeconds(m.AverageApprovalTimeSeconds),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Instances", "Completion", "Avg duration", "Revisions", "Avg approval"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	for _, b := range report.Bottlenecks {
		fmt.Fprintln(out, renderStatusLine("Bottleneck", statusWarn, b, colorize))
	}
	for _, r := range report.Recommendations {
		fmt.Fprintln(out, renderStatusLine("Recommendation", statusInfo, r, colorize))
	}
}
