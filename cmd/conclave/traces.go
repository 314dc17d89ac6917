package main

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	apihttp "github.com/fyrsmithlabs/conclave/internal/http"
)

func (c *cli) precedentsCmd() *cobra.Command {
	var (
		decisionType   string
		excludeProject string
		k              int
		threshold      float64
	)
	cmd := &cobra.Command{
		Use:   "precedents <query>",
		Short: "Search past decisions similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {strings.Join(args, " ")}}
			if decisionType != "" {
				q.Set("decision_type", decisionType)
			}
			if excludeProject != "" {
				q.Set("exclude_project", excludeProject)
			}
			if k > 0 {
				q.Set("k", strconv.Itoa(k))
			}
			if threshold > 0 {
				q.Set("threshold", strconv.FormatFloat(threshold, 'f', -1, 64))
			}

			var resp apihttp.PrecedentsResponse
			if err := c.get(cmd.Context(), "/api/v1/precedents", q, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			if resp.Degraded != "" {
				fmt.Fprintf(c.out, "Precedent search unavailable: %s\n", resp.Degraded)
				return nil
			}
			if len(resp.Precedents) == 0 {
				fmt.Fprintln(c.out, "No precedents found")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(c.out)
			tw.AppendHeader(table.Row{"Trace", "Similarity", "Project", "Decision", "Outcome", "Context"})
			for _, p := range resp.Precedents {
				tw.AppendRow(table.Row{
					p.Trace.TraceID,
					fmt.Sprintf("%.2f", p.Similarity),
					p.Trace.ProjectID,
					p.Trace.Decision,
					outcomeCell(p.Trace),
					p.Trace.Context,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&decisionType, "type", "", "only traces of this decision type")
	cmd.Flags().StringVar(&excludeProject, "exclude-project", "", "skip traces from this project")
	cmd.Flags().IntVarP(&k, "limit", "k", 0, "maximum precedents (server default when 0)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity")
	return cmd
}

func outcomeCell(t contextgraph.DecisionTrace) string {
	if t.Outcome == "" {
		return "-"
	}
	return fmt.Sprintf("%s (%+.2f)", t.Outcome, t.Score())
}

func (c *cli) outcomeCmd() *cobra.Command {
	var (
		req   apihttp.OutcomeRequest
		score float64
	)
	cmd := &cobra.Command{
		Use:   "outcome <trace-id> <success|partial_success|failure|unknown>",
		Short: "Record the real-world outcome of a decision",
		Long: `Record how a decision turned out. Outcomes are written once unless
--override is given, which also records a correction.

Examples:
  conclave outcome tr-123 success --score 0.8
  conclave outcome tr-123 failure --score -1 --override --reason "rollback"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("score") {
				return errors.New("--score is required")
			}
			req.Outcome = args[1]
			req.Score = &score

			var tr contextgraph.DecisionTrace
			path := "/api/v1/traces/" + url.PathEscape(args[0]) + "/outcome"
			if err := c.post(cmd.Context(), path, req, &tr); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(tr)
			}
			fmt.Fprintf(c.out, "Recorded %s for %s\n", outcomeCell(tr), tr.TraceID)
			return nil
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "outcome score in [-1, 1]")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "free-form notes")
	cmd.Flags().BoolVar(&req.Override, "override", false, "replace an existing outcome")
	cmd.Flags().StringVar(&req.Actor, "actor", "cli", "who is recording the outcome")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason for an override")
	return cmd
}

func (c *cli) patternsCmd() *cobra.Command {
	var (
		project, decisionType, decision, since string
		tags                                   []string
		limit                                  int
	)
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Summarize decisions and their outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{
				"project": project, "decision_type": decisionType, "decision": decision, "since": since,
			} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if len(tags) > 0 {
				q.Set("tags", strings.Join(tags, ","))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var s contextgraph.PatternSummary
			if err := c.get(cmd.Context(), "/api/v1/patterns", q, &s); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(s)
			}
			fmt.Fprintf(c.out, "Traces: %d\n", s.Total)
			fmt.Fprintf(c.out, "Approval rate: %.0f%%\n", s.ApprovalRate*100)
			fmt.Fprintf(c.out, "Scored: %d (average %+.2f)\n", s.Scored, s.AverageScore)
			fmt.Fprintf(c.out, "Outcomes: %d success, %d partial, %d failure, %d neutral\n",
				s.Distribution.Success, s.Distribution.Partial, s.Distribution.Failure, s.Distribution.Neutral)

			decisions := make([]string, 0, len(s.ByDecision))
			for d := range s.ByDecision {
				decisions = append(decisions, d)
			}
			sort.Strings(decisions)
			tw := table.NewWriter()
			tw.SetOutputMirror(c.out)
			tw.AppendHeader(table.Row{"Decision", "Count"})
			for _, d := range decisions {
				tw.AppendRow(table.Row{d, s.ByDecision[d]})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&decisionType, "type", "", "decision type")
	cmd.Flags().StringVar(&decision, "decision", "", "decision value")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "match any of these tags")
	cmd.Flags().IntVar(&limit, "limit", 0, "only the newest N traces")
	return cmd
}

func (c *cli) lessonsCmd() *cobra.Command {
	var gate string
	cmd := &cobra.Command{
		Use:   "lessons",
		Short: "List recurring review findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if gate != "" {
				q.Set("gate", gate)
			}
			var resp apihttp.LessonsResponse
			if err := c.get(cmd.Context(), "/api/v1/lessons", q, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			if len(resp.Lessons) == 0 {
				fmt.Fprintln(c.out, "No lessons yet")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(c.out)
			tw.AppendHeader(table.Row{"Lesson", "Pattern", "Seen", "Confidence", "Correction"})
			for _, l := range resp.Lessons {
				conf := strconv.Itoa(l.Confidence)
				if l.Rule {
					conf += " (rule)"
				}
				tw.AppendRow(table.Row{l.ID, l.Pattern, l.Occurrences, conf, l.Correction})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&gate, "gate", "", "only lessons from this gate")
	return cmd
}
