package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const usage = `gatekeeper: authorization decision service

Usage:
  gatekeeper <command> [flags]

Commands:
  serve     run the decision and administrative API
  migrate   apply database migrations
  seed      apply the built-in or a YAML permission catalog
  sweep     expire impersonation sessions past their deadline once
  version   print the version

Configuration is read from GATEKEEPER_* environment variables.
`

type command func(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error

var commands = map[string]command{
	"serve":   runServe,
	"migrate": runMigrate,
	"seed":    runSeed,
	"sweep":   runSweep,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name := os.Args[1]
	switch name {
	case "version", "--version", "-v":
		fmt.Println(version)
		return
	case "help", "--help", "-h":
		fmt.Print(usage)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, cfg, logger, os.Args[2:]); err != nil {
		logger.WithError(err).WithField("command", name).Error("command failed")
		stop()
		os.Exit(1)
	}
}

func parseFlags(name string, args []string, define func(fs *flag.FlagSet)) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if define != nil {
		define(fs)
	}
	return fs.Parse(args)
}
