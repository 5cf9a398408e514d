package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/flowstream/internal/cmd/client"
	serverrun "github.com/rzbill/flowstream/internal/cmd/server"
	cfgpkg "github.com/rzbill/flowstream/internal/config"
	"github.com/rzbill/flowstream/internal/runtime"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "flowstream",
		Short:        "flowstream event stream engine",
		Long:         "flowstream stores events in partitioned stream files and delivers them to consumer groups exactly once per group.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("FLOWSTREAM_CONFIG"), "Config file (.toml or .json)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config and env)")
	rootCmd.PersistentFlags().String("state-backend", "", "Consumer state backend: pebble|sqlite|memory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the flowstream server (gRPC health and HTTP admin/metrics)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("grpc"); v != "" {
				cfg.GRPC.Addr = v
			}
			if cmd.Flags().Changed("http") {
				cfg.Metrics.Addr, _ = cmd.Flags().GetString("http")
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, Logger: logger}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address (default from config)")
	serverStartCmd.Flags().String("http", "", "HTTP admin and metrics listen address; empty disables it")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, openRuntime)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the configuration: defaults, then the config file, then
// FLOWSTREAM_* env, then flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("state-backend"); v != "" {
		cfg.State.Backend = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg cfgpkg.Config) (logpkg.Logger, error) {
	logger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		return nil, err
	}
	// Pebble logs through the standard library logger.
	logpkg.RedirectStdLog(logger)
	return logger, nil
}

// openRuntime opens the engine for a single client command. Client commands
// log warnings only unless --log-level says otherwise.
func openRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") && os.Getenv("FLOWSTREAM_LOG_LEVEL") == "" {
		cfg.Log.Level = "warn"
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return runtime.Open(runtime.Options{Config: cfg, Logger: logger})
}
