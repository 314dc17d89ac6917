package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	apihttp "github.com/fyrsmithlabs/conclave/internal/http"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
)

func (c *cli) projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Drive projects through the delivery pipeline",
	}

	var id string
	start := &cobra.Command{
		Use:   "start <feature description>",
		Short: "Start a project at the ideation phase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p orchestrator.Project
			req := apihttp.StartProjectRequest{ID: id, Feature: strings.Join(args, " ")}
			if err := c.post(cmd.Context(), "/api/v1/projects", req, &p); err != nil {
				return err
			}
			return c.printProject(p)
		},
	}
	start.Flags().StringVar(&id, "id", "", "project id (generated when empty)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp apihttp.ProjectsResponse
			if err := c.get(cmd.Context(), "/api/v1/projects", nil, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(c.out)
			tw.AppendHeader(table.Row{"ID", "Phase", "Status", "Progress", "Feature"})
			for _, p := range resp.Projects {
				status := string(p.Status)
				if p.BlockedIn != "" {
					status += " in " + string(p.BlockedIn)
				}
				tw.AppendRow(table.Row{p.ID, p.Phase, status, fmt.Sprintf("%d%%", p.Progress), p.Feature})
			}
			tw.Render()
			return nil
		},
	}

	cmd.AddCommand(start, list,
		c.projectAction("status", "Show a project", func(ctx context.Context, id string, p *orchestrator.Project) error {
			return c.get(ctx, "/api/v1/projects/"+url.PathEscape(id), nil, p)
		}),
		c.projectAction("advance", "Run the project's current phase", c.projectPost("advance")),
		c.projectAction("abort", "Abort a project", c.projectPost("abort")),
		c.projectAction("resume", "Resume a blocked or aborted project", c.projectPost("resume")),
		c.unblockCmd(),
	)
	return cmd
}

func (c *cli) unblockCmd() *cobra.Command {
	var req apihttp.UnblockRequest
	cmd := c.projectAction("unblock", "Retry a blocked project or approve a checkpoint",
		func(ctx context.Context, id string, p *orchestrator.Project) error {
			return c.post(ctx, "/api/v1/projects/"+url.PathEscape(id)+"/unblock", req, p)
		})
	cmd.Flags().StringVar(&req.Action, "action", string(orchestrator.ActionRetry), "retry or approve")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "who is deciding")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "why; required to approve a blocked gate")
	return cmd
}

func (c *cli) projectPost(action string) func(context.Context, string, *orchestrator.Project) error {
	return func(ctx context.Context, id string, p *orchestrator.Project) error {
		return c.post(ctx, "/api/v1/projects/"+url.PathEscape(id)+"/"+action, nil, p)
	}
}

func (c *cli) projectAction(use, short string, call func(context.Context, string, *orchestrator.Project) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p orchestrator.Project
			if err := call(cmd.Context(), args[0], &p); err != nil {
				return err
			}
			return c.printProject(p)
		},
	}
}

func (c *cli) printProject(p orchestrator.Project) error {
	if c.jsonOut {
		return c.printJSON(p)
	}
	progress := p.Phase.Progress()
	if p.BlockedIn != "" {
		progress = p.BlockedIn.Progress()
	}
	fmt.Fprintf(c.out, "Project:  %s\n", p.ID)
	fmt.Fprintf(c.out, "Feature:  %s\n", p.Feature)
	fmt.Fprintf(c.out, "Phase:    %s (%d%%)\n", p.Phase, progress)
	fmt.Fprintf(c.out, "Status:   %s\n", p.Status)
	if p.BlockedIn != "" {
		fmt.Fprintf(c.out, "Blocked:  %s: %s\n", p.BlockedIn, p.BlockedReason)
	}
	if p.Checkpoint != nil {
		fmt.Fprintf(c.out, "Waiting:  %s %s, approve to continue\n", p.Checkpoint.GateID, p.Checkpoint.Outcome)
	}
	if !p.Usage.Empty() {
		fmt.Fprintf(c.out, "Usage:    %d calls, %d in / %d out tokens, $%.2f\n",
			p.Usage.Calls, p.Usage.InputTokens, p.Usage.OutputTokens, p.Usage.CostUSD)
	}
	if len(p.Conditions) > 0 {
		fmt.Fprintln(c.out, "Conditions:")
		for _, cond := range p.Conditions {
			fmt.Fprintf(c.out, "  - %s\n", cond)
		}
	}
	if len(p.Tasks) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(c.out)
		tw.AppendHeader(table.Row{"Task", "Title", "Status", "Attempts"})
		for _, t := range p.Tasks {
			tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.AttemptCount})
		}
		tw.Render()
	}
	if len(p.Decisions) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(c.out)
		tw.AppendHeader(table.Row{"Gate", "Task", "Attempt", "Outcome", "Trace"})
		for _, d := range p.Decisions {
			tw.AppendRow(table.Row{d.GateID, d.TaskID, d.Attempt, d.Outcome, d.TraceID})
		}
		tw.Render()
	}
	return nil
}
