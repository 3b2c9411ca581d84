package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"appbuilder/pkg/config"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/version"
)

const usage = `Usage: appbuilder [-config path] [-debug] <command> [args]

Commands:
  serve                    run the HTTP API and the run scheduler
  run <project> <prompt>   execute one run in the foreground and print the outcome
  events <run-id>          print the journaled events of a run
  secrets set <NAME>       store a credential in the encrypted secrets file
  secrets list             list stored credential names
  version                  print build information
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run contains the main application logic and returns an exit code,
// so deferred cleanup executes before os.Exit.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("appbuilder", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("APPBUILDER_CONFIG"), "Path to a JSON or YAML config file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *debug {
		logx.SetDebug(true)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	if rest[0] == "version" {
		fmt.Fprintln(stdout, version.String())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "serve":
		err = runServe(ctx, cfg)
	case "run":
		if len(rest) != 3 {
			fs.Usage()
			return 2
		}
		err = runOnce(ctx, cfg, rest[1], rest[2], stdout)
	case "events":
		if len(rest) != 2 {
			fs.Usage()
			return 2
		}
		err = printEvents(cfg, rest[1], stdout)
	case "secrets":
		err = runSecrets(cfg, rest[1:], stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n\n", rest[0])
		fs.Usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return 1
	}
	return 0
}
