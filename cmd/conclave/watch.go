package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/monitor"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		natsURL  string
		prefix   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch [project-id]",
		Short: "Watch pipeline events live",
		Long: `Open a live dashboard of pipeline events published by conclaved
over NATS. Pass a project id to follow one project.

Keys: q quits, c clears finished projects.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var project string
			if len(args) == 1 {
				project = args[0]
			}
			nc, err := events.Connect(config.NATSConfig{Enabled: true, URL: natsURL, SubjectPrefix: prefix}, nil)
			if err != nil {
				return err
			}
			defer nc.Close()

			src, err := monitor.Subscribe(nc, prefix, project, 0, nil)
			if err != nil {
				return fmt.Errorf("subscribing to events: %w", err)
			}
			defer func() { _ = src.Close() }()

			p := tea.NewProgram(monitor.NewModel(src.C, project, interval),
				tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&prefix, "subject-prefix", "conclave", "event subject prefix")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "dashboard refresh interval")
	return cmd
}
