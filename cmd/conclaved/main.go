// Conclaved is the conclave pipeline daemon.
//
// It serves the HTTP API, publishes pipeline events to NATS, optionally
// runs the Temporal pipeline worker, and optionally serves the MCP tools
// over stdio.
//
// Configuration is read from ~/.config/conclave/config.yaml (or -config)
// and overridden by environment variables. See internal/config.
//
// Usage:
//
//	# Start the daemon
//	conclaved
//
//	# Also serve MCP over stdio (logs go to stderr)
//	conclaved -mcp
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9292 AGENTS_PROVIDER=anthropic AGENTS_API_KEY=... conclaved
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/conclave/config.yaml)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools over stdio")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  conclaved [-config path] [-mcp]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  conclaved version                 Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{configPath: *configPath, mcpStdio: *mcpStdio}); err != nil {
		log.Fatalf("conclaved: %v", err)
	}
}

func printVersion() {
	fmt.Printf("conclaved by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
