// Package main implements the conclave CLI for operating a conclaved daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// cli carries the global flags and output for every command.
type cli struct {
	serverURL string
	jsonOut   bool
	out       io.Writer
	http      *http.Client
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, http: &http.Client{}}

	root := &cobra.Command{
		Use:   "conclave",
		Short: "CLI for the conclave delivery pipeline",
		Long: `conclave talks to a running conclaved daemon.

It runs quality gates, searches and scores past decisions, drives
projects through the pipeline and watches pipeline events live.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.serverURL, "server", "http://localhost:9191", "conclaved server URL")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print raw JSON responses")
	// Advancing a phase waits on every agent and voter call.
	root.PersistentFlags().DurationVar(&c.http.Timeout, "timeout", 10*time.Minute, "request timeout")

	root.AddCommand(
		c.healthCmd(),
		c.gatesCmd(),
		c.evaluateCmd(),
		c.precedentsCmd(),
		c.outcomeCmd(),
		c.patternsCmd(),
		c.lessonsCmd(),
		c.projectCmd(),
		c.tasksCmd(),
		c.watchCmd(),
	)
	return root
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check conclaved health",
		Long: `Check the health status of the conclaved HTTP server.

Examples:
  conclave health
  conclave health --server http://localhost:9292`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Status string `json:"status"`
			}
			if err := c.get(cmd.Context(), "/health", nil, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			fmt.Fprintf(c.out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(c.out, "Server URL: %s\n", c.serverURL)
			return nil
		},
	}
}
