package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/app"
	"github.com/Nochiis/web-metrics-probuilds/internal/archive"
	"github.com/Nochiis/web-metrics-probuilds/internal/store"
)

func newPersistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "persist <results.json>",
		Short: "Persist a previously written results file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPersist,
	}
}

func runPersist(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := envFrom(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open results: %w", err)
	}
	defer f.Close()
	results, err := archive.Decode(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	a, err := newApp(ctx, e.cfg, e.logger, app.Options{WithoutBrowser: true})
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()
	if !a.HasStorage() {
		return fmt.Errorf("persist %s: %w", args[0], store.ErrNoStorage)
	}

	saved, err := a.Saver.SaveAll(ctx, results)
	e.logger.Info("results persisted",
		zap.String("file", args[0]),
		zap.Int("results", len(results)),
		zap.Int("persisted", len(saved)),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "persisted %d of %d results\n", len(saved), len(results))
	if err != nil {
		return fmt.Errorf("persist %s: %w", args[0], err)
	}
	return nil
}
