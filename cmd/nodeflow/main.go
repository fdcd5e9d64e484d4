// Command nodeflow runs the workflow engine.
//
// Usage:
//
//	nodeflow [serve]            HTTP API, webhooks, schedules and status streams
//	nodeflow run -f flow.yaml   run one workflow definition and print the result
//	nodeflow mcp                MCP tools over stdio
//	nodeflow version
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(loadConfig())
	case "run":
		err = runRun(loadConfig(), args)
	case "mcp":
		err = runMCP(loadConfig())
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: nodeflow <command> [flags]

Commands:
  serve     start the HTTP server (default)
  run       run a workflow file: nodeflow run -f flow.yaml [-context '{...}']
  mcp       serve MCP tools over stdio
  version   print the version`)
}
