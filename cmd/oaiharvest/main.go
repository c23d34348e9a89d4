// Package main provides the oaiharvest CLI entrypoint.
//
// Only `run` and `import` write: `run` harvests, uploads and advances
// lastrun, `import` seeds the registry. Every other command is read-only.
//
// Usage:
//
//	oaiharvest <command> [options]
//
// Exit codes:
//   - 0: success, the supervisor keeps scheduling
//   - 1: failure, the supervisor must halt
//   - 2: configuration error, nothing was touched
//   - 3: stopped by the supervisor
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/cli/cmd"
	"github.com/pithecene-io/oaiharvest/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		// This branch handles unexpected errors that weren't wrapped.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "oaiharvest",
		Usage:          "OAI-PMH harvester and record post-processing pipeline",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.GetCommand(),
			cmd.SourcesCommand(),
			cmd.ImportCommand(),
			cmd.AuditCommand(),
			cmd.JobsCommand(),
			cmd.ReportCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(reportExit(os.Stderr, err))
}

// reportExit prints err when it carries a real message and returns the exit
// code. cli.Exit("", N) only sets the code.
func reportExit(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}

	// Unexpected error - print and exit with code 1
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
