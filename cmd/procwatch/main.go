// Command procwatch samples system and process metrics, either once from
// the command line or continuously behind an HTTP API.
package main

import (
	"fmt"
	"os"
)

const usageText = `usage: procwatch <command> [flags]

commands:
  serve       run the HTTP API, configured watches and sinks
  poll        poll the system, a pid or a process name
  processes   list running processes
  masks       print the metric mask table
  backup      archive the history database and config file
  restore     extract a backup archive
  version     print build information

Run "procwatch <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		runServe(args)
	case "poll":
		runPoll(args)
	case "processes":
		runProcesses(args)
	case "masks":
		runMasks(args)
	case "backup":
		runBackup(args)
	case "restore":
		runRestore(args)
	case "version", "--version", "-v":
		runVersion(args)
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}
}
