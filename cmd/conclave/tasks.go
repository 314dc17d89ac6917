package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	apihttp "github.com/fyrsmithlabs/conclave/internal/http"
)

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Work with task plans",
	}
	var offline bool
	validate := &cobra.Command{
		Use:   "validate [file|-]",
		Short: "Validate a YAML task plan",
		Long: `Validate a YAML task plan: required fields, unknown dependencies and
cycles. Use --offline to validate without a server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			var resp apihttp.ValidatePlanResponse
			if offline {
				resp = apihttp.ValidatePlan(plan)
			} else if err := c.post(cmd.Context(), "/api/v1/tasks/validate", apihttp.ValidatePlanRequest{Plan: plan}, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				if err := c.printJSON(resp); err != nil {
					return err
				}
			} else {
				c.printPlan(resp)
			}
			if !resp.Valid {
				return errors.New("plan is invalid")
			}
			return nil
		},
	}
	validate.Flags().BoolVar(&offline, "offline", false, "validate locally")
	cmd.AddCommand(validate)
	return cmd
}

func (c *cli) printPlan(resp apihttp.ValidatePlanResponse) {
	for _, e := range resp.Errors {
		fmt.Fprintf(c.out, "error: %s\n", e)
	}
	if len(resp.Cycle) > 0 {
		fmt.Fprintf(c.out, "cycle: %s\n", strings.Join(resp.Cycle, " -> "))
	}
	for _, w := range resp.Warnings {
		fmt.Fprintf(c.out, "warning: %s\n", w)
	}
	if len(resp.Tasks) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(c.out)
		tw.AppendHeader(table.Row{"ID", "Title", "Category", "Size", "Depends On"})
		for _, t := range resp.Tasks {
			tw.AppendRow(table.Row{t.ID, t.Title, t.Category, t.Size, strings.Join(t.DependsOn, ", ")})
		}
		tw.Render()
	}
	if resp.Valid {
		fmt.Fprintf(c.out, "Plan is valid (%d tasks)\n", len(resp.Tasks))
	}
}
