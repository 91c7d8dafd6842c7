// Command airs-mcp serves the demonstration providers over stdio or HTTP, and calls tools on a
// running server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "0.1.0"

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: airs-mcp <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve [--config FILE] [--stdio]          Run the MCP server")
	fmt.Fprintln(os.Stderr, "  call [--url URL] [--list] TOOL [JSON]    Call a tool on a running server")
	fmt.Fprintln(os.Stderr, "  env                                      List the environment overrides")
	fmt.Fprintln(os.Stderr, "  version                                  Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "call":
		err = runCall(ctx, os.Args[2:])
	case "env":
		runEnv()
	case "version":
		fmt.Println("airs-mcp", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
