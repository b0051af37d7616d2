package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect queued generation jobs",
	}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List generation jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/api/jobs"
			if s := strings.TrimSpace(status); s != "" {
				path += "?status=" + url.QueryEscape(s)
			}
			var jobs []api.Job
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &jobs); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, jobs)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					j.ID,
					j.Type,
					dashIfEmpty(j.PipelineID),
					dashIfEmpty(stageLabelOrEmpty(j.Stage)),
					strconv.Itoa(j.Priority),
					j.Status,
					formatTimestamp(j.CreatedAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Type", "Pipeline", "Stage", "Priority", "Status", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only jobs with this status (for example queued)")
	cmd.AddCommand(list)
	return cmd
}
