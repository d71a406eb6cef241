package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crm-flow/internal/config"
	"crm-flow/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "crm-flow",
		Short:         "CRM workflow orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (default ./config.yaml or ./config/config.yaml)")

	load := func() (*config.Config, *logrus.Logger, error) {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, nil, err
		}
		log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
		return cfg, log, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, signal coordinator, timers and activity workers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return serve(ctx, cfg, log)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run only the activity worker pool",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runWorkers(ctx, cfg, log)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				return migrate(cfg, log)
			},
		},
		newSeedCommand(load),
	)
	return root
}

func newSeedCommand(load func() (*config.Config, *logrus.Logger, error)) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "seed <file.yaml>...",
		Short: "Create or update workflow definitions from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return seed(context.Background(), cfg, log, org, files)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization the definitions belong to (required)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
