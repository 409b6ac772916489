package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"machinewatch/internal/config"
	"machinewatch/internal/logger"
	"machinewatch/internal/processor"
	"machinewatch/internal/registry"
	"machinewatch/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "machinewatch",
		Short:         "Machine telemetry alerting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (yaml, json or toml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newRegisterCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var fleetPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the background monitors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			var opts []processor.Option
			if fleetPath != "" {
				fleet, err := registry.LoadFleet(fleetPath)
				if err != nil {
					return err
				}
				opts = append(opts, processor.WithFleet(fleet))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return processor.New(cfg, opts...).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&fleetPath, "fleet", "", "YAML file of machines to register on startup")
	return cmd
}

func newRegisterCmd(configPath *string) *cobra.Command {
	var fleetPath string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the machines of a fleet file in the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == "memory" {
				return errors.New("register needs a persistent store; use serve --fleet with the memory backend")
			}

			fleet, err := registry.LoadFleet(fleetPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := processor.OpenStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			return register(ctx, cmd, store, cfg, fleet)
		},
	}
	cmd.Flags().StringVarP(&fleetPath, "file", "f", "fleet.yaml", "YAML fleet file")
	return cmd
}

func register(ctx context.Context, cmd *cobra.Command, store storage.Store, cfg *config.Config, fleet []registry.MachineInput) error {
	reg := registry.New(store, cfg.Engine.Limits(), storage.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
	})

	res, err := reg.Seed(ctx, fleet)
	fmt.Fprintf(cmd.OutOrStdout(), "registered %d machines, %d already present\n", res.Created, res.Skipped)
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "machinewatch %s\n", version)
		},
	}
}
