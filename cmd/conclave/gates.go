package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	apihttp "github.com/fyrsmithlabs/conclave/internal/http"
)

func (c *cli) gatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Inspect the gate catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured gates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp apihttp.GatesResponse
			if err := c.get(cmd.Context(), "/api/v1/gates", nil, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(c.out)
			tw.AppendHeader(table.Row{"ID", "Name", "Type", "Trigger", "Voters", "Quorum", "Retries"})
			for _, g := range resp.Gates {
				roles := make([]string, 0, len(g.Voters))
				for _, v := range g.Voters {
					role := v.Role
					if v.Blocking {
						role += "*"
					}
					roles = append(roles, role)
				}
				tw.AppendRow(table.Row{g.ID, g.Name, g.Type, g.Trigger, strings.Join(roles, ", "), g.MinQuorum, g.MaxRetries})
			}
			tw.Render()
			return nil
		},
	})
	return cmd
}

func (c *cli) evaluateCmd() *cobra.Command {
	var req apihttp.EvaluateRequest
	cmd := &cobra.Command{
		Use:   "evaluate <gate> [file|-]",
		Short: "Run a quality gate over an artifact",
		Long: `Run a quality gate over an artifact read from a file or stdin.

Examples:
  conclave evaluate code_review diff.patch
  git diff | conclave evaluate code_review --context-query "payments refactor"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := readInput(args[1:], cmd.InOrStdin())
			if err != nil {
				return err
			}
			req.Artifact = artifact

			var resp apihttp.EvaluateResponse
			path := "/api/v1/gates/" + url.PathEscape(args[0]) + "/evaluate"
			if err := c.post(cmd.Context(), path, req, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			fmt.Fprintln(c.out, resp.Summary)
			if !resp.Passed {
				return fmt.Errorf("gate %s rejected (decision %s)", args[0], resp.Decision.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Context, "context", "", "extra context passed to every voter")
	cmd.Flags().StringVar(&req.ContextQuery, "context-query", "", "precedent search text (defaults to the artifact)")
	return cmd
}
