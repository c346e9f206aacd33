package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = &cli.App{
		Name:    filepath.Base(os.Args[0]),
		Usage:   "grid trading order-lifecycle engine",
		Version: "0.3.0",
	}

	app.Commands = []*cli.Command{
		runCommand,
		validateCommand,
		cleanupCommand,
		levelsCommand,
		strategyCommand,
	}
	app.Flags = []cli.Flag{
		configFlag,
		envFlag,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
