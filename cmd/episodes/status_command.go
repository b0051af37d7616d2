package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and preflight checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var status api.DaemonStatus
			if err := client.do(cmd.Context(), http.MethodGet, "/api/status", nil, &status); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			state := statusOK
			message := fmt.Sprintf("pid %d, up %s", status.PID, formatSeconds(status.UptimeSeconds))
			if !status.Running {
				state = statusWarn
				message = "not serving"
			}
			fmt.Fprintln(out, "Daemon")
			fmt.Fprintln(out, renderStatusLine("State", state, message, colorize))
			fmt.Fprintln(out, renderStatusLine("Address", statusInfo, dashIfEmpty(status.Address), colorize))
			fmt.Fprintln(out, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
			fmt.Fprintln(out, renderStatusLine("Live streams", statusInfo, fmt.Sprint(status.Subscriptions), colorize))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Checks")
			for _, c := range status.Checks {
				fmt.Fprintln(out, renderStatusLine(c.Name, checkKind(c.Passed, c.Optional), c.Detail, colorize))
			}
			return nil
		},
	}
}

func checkKind(passed, optional bool) statusKind {
	switch {
	case passed:
		return statusOK
	case optional:
		return statusWarn
	default:
		return statusError
	}
}
