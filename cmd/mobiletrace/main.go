package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kon-rad/mobiletrace/internal/app"
	"github.com/kon-rad/mobiletrace/internal/config"
	"github.com/kon-rad/mobiletrace/internal/logging"
)

var version = "dev"

func main() {
	flags := pflag.NewFlagSet("mobiletrace", pflag.ContinueOnError)
	showHelp := flags.BoolP("help", "h", false, "print configuration help and exit")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.Usage = func() { config.WriteHelp(os.Stderr, version) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if *showHelp {
		config.WriteHelp(os.Stdout, version)
		return
	}
	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info("Starting mobiletrace",
		"version", version,
		"storage_root", cfg.StorageRoot,
		"site", cfg.Site,
		"upload_frequency", cfg.UploadFrequency,
		"batch_size", cfg.BatchSize,
	)

	if err := app.New(cfg, logger, version).Run(ctx); err != nil {
		logger.Error("mobiletrace stopped with error", "error", err)
		os.Exit(1)
	}
}
