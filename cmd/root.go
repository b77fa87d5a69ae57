// Package cmd defines the pageaudit command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/app"
	"github.com/Nochiis/web-metrics-probuilds/internal/config"
	"github.com/Nochiis/web-metrics-probuilds/internal/logging"
)

type envKeyType string

const envKey envKeyType = "env"

// env is the loaded configuration and logger shared by subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the service factory. Tests swap it to inject fake engines.
var newApp = app.New

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pageaudit",
		Short: "Audit web pages and record their metrics over time.",
		Long: `pageaudit loads pages in a browser, measures status, load timing, transfer
size and on-page SEO signals, and appends the observations to a time-series store.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newAuditCmd(),
		newPersistCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func envFrom(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
