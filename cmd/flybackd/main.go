// Package main provides the flybackd entrypoint.
//
// flybackd serves the ingestion, selection, reporting, and delivery
// surfaces; the compact command is an offline maintenance operation on
// the same state directory.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/crystalford/flyback/cli/cmd"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

const version = "0.1.0"

func main() {
	// A missing .env is fine; the config loader reads the environment.
	_ = godotenv.Load()

	app := &cli.App{
		Name:           "flybackd",
		Usage:          "Event-sourced ad intent and outcome ingestion",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.CompactCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit() and prints
// anything else to stderr.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
