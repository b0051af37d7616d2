package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/pipeline"
)

func newRulesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage stage automation rules",
	}
	cmd.AddCommand(newRulesAddCommand(ctx))
	cmd.AddCommand(newRulesImportCommand(ctx))
	cmd.AddCommand(newRulesEvaluateCommand(ctx))
	cmd.AddCommand(newRulesListCommand(ctx))
	return cmd
}

// operatorAliases lets conditions use comparison symbols.
var operatorAliases = map[string]pipeline.Operator{
	"=":  pipeline.OpEquals,
	"==": pipeline.OpEquals,
	"!=": pipeline.OpNotEquals,
	">":  pipeline.OpGreaterThan,
	"<":  pipeline.OpLessThan,
	"~":  pipeline.OpContains,
}

// parseCondition reads "field operator value"; the value may contain spaces.
func parseCondition(raw string) (api.Condition, error) {
	parts := strings.Fields(raw)
	if len(parts) < 3 {
		return api.Condition{}, fmt.Errorf("condition %q: expected \"field operator value\"", raw)
	}
	op := pipeline.Operator(parts[1])
	if alias, ok := operatorAliases[parts[1]]; ok {
		op = alias
	}
	return api.Condition{
		Field:    parts[0],
		Operator: string(op),
		Value:    strings.Join(parts[2:], " "),
	}, nil
}

type ruleActionFlags struct {
	autoApprove bool
	require     []string
	quorum      int
	notify      []string
	message     string
	assign      []string
	due         time.Duration
	raw         string
}

func (f *ruleActionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.autoApprove, "auto-approve", false, "Advance past the stage without review")
	cmd.Flags().StringSliceVar(&f.require, "require", nil, "Open a checkpoint for these reviewers")
	cmd.Flags().IntVar(&f.quorum, "quorum", 0, "Approvals required by --require (defaults to 1)")
	cmd.Flags().StringSliceVar(&f.notify, "notify", nil, "Notify these users")
	cmd.Flags().StringVar(&f.message, "message", "", "Message for --notify")
	cmd.Flags().StringSliceVar(&f.assign, "assign", nil, "Add reviewers to the pending checkpoint")
	cmd.Flags().DurationVar(&f.due, "due", 0, "Set the pending checkpoint's due date this far out")
	cmd.Flags().StringVar(&f.raw, "actions", "", "Actions as a JSON array (overrides the action flags)")
}

func (f *ruleActionFlags) build() (json.RawMessage, error) {
	if strings.TrimSpace(f.raw) != "" {
		if !json.Valid([]byte(f.raw)) {
			return nil, fmt.Errorf("--actions must be valid JSON")
		}
		return json.RawMessage(f.raw), nil
	}
	var actions []pipeline.Action
	if f.autoApprove {
		actions = append(actions, pipeline.Action{Type: pipeline.ActionAutoApprove})
	}
	if len(f.require) > 0 {
		actions = append(actions, pipeline.Action{
			Type:            pipeline.ActionRequireApproval,
			RequireApproval: &pipeline.RequireApprovalConfig{Reviewers: f.require, RequiredApprovals: f.quorum},
		})
	}
	if len(f.notify) > 0 {
		actions = append(actions, pipeline.Action{
			Type:   pipeline.ActionNotify,
			Notify: &pipeline.NotifyConfig{Recipients: f.notify, Message: f.message},
		})
	}
	if len(f.assign) > 0 {
		actions = append(actions, pipeline.Action{
			Type:           pipeline.ActionAssignReviewer,
			AssignReviewer: &pipeline.AssignReviewerConfig{Reviewers: f.assign},
		})
	}
	if f.due > 0 {
		actions = append(actions, pipeline.Action{
			Type:       pipeline.ActionSetDueDate,
			SetDueDate: &pipeline.SetDueDateConfig{After: pipeline.Duration(f.due)},
		})
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("no actions: use --auto-approve, --require, --notify, --assign, --due, or --actions")
	}
	return json.Marshal(actions)
}

func newRulesAddCommand(ctx *commandContext) *cobra.Command {
	var name string
	var stageName string
	var when []string
	var priority int
	var inactive bool
	var actions ruleActionFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an automation rule",
		Example: `  episodes rules add --stage script_approval --when "artifacts > 0" --auto-approve
  episodes rules add --stage video_qa --when "rollbacks > 1" --require lead,producer --quorum 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			req := api.RuleRequest{Name: name, Stage: stageName, Priority: priority, Owner: actor}
			for _, raw := range when {
				cond, err := parseCondition(raw)
				if err != nil {
					return err
				}
				req.Conditions = append(req.Conditions, cond)
			}
			if req.Actions, err = actions.build(); err != nil {
				return err
			}
			if inactive {
				active := false
				req.Active = &active
			}
			var rule api.Rule
			if err := client.do(cmd.Context(), http.MethodPost, "/api/rules", req, &rule); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, rule)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created rule %s for %s\n", rule.ID, stageLabel(rule.Stage))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Rule name")
	cmd.Flags().StringVar(&stageName, "stage", "", "Stage the rule applies to")
	cmd.Flags().StringArrayVarP(&when, "when", "w", nil, "Condition \"field operator value\" (repeatable, all must match)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Evaluation order, lowest first")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the rule disabled")
	actions.register(cmd)
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func newRulesImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <rules.yaml>",
		Short: "Create rules from a YAML document (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, actor, err := clientAndActor(ctx)
			if err != nil {
				return err
			}
			var body io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open rules file: %w", err)
				}
				defer file.Close()
				body = file
			}
			var res api.ImportResponse
			path := "/api/rules/import?owner=" + url.QueryEscape(actor)
			if err := client.send(cmd.Context(), http.MethodPost, path, body, "application/yaml", &res); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "Imported %d rule(s)\n", len(res.Created))
			for _, rule := range res.Created {
				fmt.Fprintln(out, renderStatusLine(dashIfEmpty(rule.Name), statusOK, rule.ID, colorize))
			}
			for _, f := range res.Failed {
				fmt.Fprintln(out, renderStatusLine(f.ID, statusError, f.Error, colorize))
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d rule(s) rejected", len(res.Failed))
			}
			return nil
		},
	}
}

func newRulesEvaluateCommand(ctx *commandContext) *cobra.Command {
	var stageName string
	var set []string
	cmd := &cobra.Command{
		Use:   "evaluate <pipeline-id>",
		Short: "Run the rules for a pipeline stage now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			req := api.EvaluateRequest{Stage: strings.TrimSpace(stageName)}
			if len(set) > 0 {
				req.Context = make(map[string]any, len(set))
				for _, pair := range set {
					key, value, ok := strings.Cut(pair, "=")
					if !ok || strings.TrimSpace(key) == "" {
						return fmt.Errorf("--set %q: expected key=value", pair)
					}
					req.Context[strings.TrimSpace(key)] = contextValue(value)
				}
			}
			var report api.RuleReport
			path := "/api/pipelines/" + url.PathEscape(args[0]) + "/rules/evaluate"
			if err := client.do(cmd.Context(), http.MethodPost, path, req, &report); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, report)
			}
			printRuleReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "Stage to evaluate (defaults to the current stage)")
	cmd.Flags().StringArrayVar(&set, "set", nil, "Extra condition field key=value (repeatable)")
	return cmd
}

// contextValue keeps numbers and booleans typed so numeric operators apply.
func contextValue(raw string) any {
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func printRuleReport(out io.Writer, report api.RuleReport) {
	colorize := shouldColorize(out)
	fmt.Fprintf(out, "Rules for %s: %d matched\n", stageLabel(report.Stage), len(report.Matched))
	for _, a := range report.Executed {
		fmt.Fprintln(out, renderStatusLine(a.Action, statusOK, a.Detail, colorize))
	}
	for _, a := range report.Failures {
		fmt.Fprintln(out, renderStatusLine(dashIfEmpty(a.Action), statusError, a.Error, colorize))
	}
}

func newRulesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var rules []api.Rule
			if err := client.do(cmd.Context(), http.MethodGet, "/api/rules", nil, &rules); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, rules)
			}
			out := cmd.OutOrStdout()
			if len(rules) == 0 {
				fmt.Fprintln(out, "No rules defined")
				return nil
			}
			rows := make([][]string, 0, len(rules))
			for _, r := range rules {
				rows = append(rows, []string{
					r.ID,
					dashIfEmpty(r.Name),
					stageLabel(r.Stage),
					strconv.Itoa(r.Priority),
					yesNo(r.Active),
					describeConditions(r.Conditions),
					describeActions(r.Actions),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Name", "Stage", "Priority", "Active", "When", "Then"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}

func describeConditions(conds []api.Condition) string {
	if len(conds) == 0 {
		return "always"
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value))
	}
	return strings.Join(parts, " and ")
}

func describeActions(raw json.RawMessage) string {
	var actions []pipeline.Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return string(raw)
	}
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, string(a.Type))
	}
	return strings.Join(names, ", ")
}
