package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/app"
	"github.com/Nochiis/web-metrics-probuilds/internal/archive"
	"github.com/Nochiis/web-metrics-probuilds/internal/id/uuid"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
	"github.com/Nochiis/web-metrics-probuilds/internal/worker"
)

func newAuditCmd() *cobra.Command {
	var (
		dryRun bool
		out    string
	)
	cmd := &cobra.Command{
		Use:   "audit [urls...]",
		Short: "Audit pages once and persist the observations",
		Long: `Audits each URL (or the configured page list when none are given), prints the
results as JSON and appends them to the time-series store. Without a configured
database the command fails after printing results unless --dry-run is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, args, dryRun, out)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "audit and print results without persisting")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write results JSON to this file instead of stdout")
	return cmd
}

func runAudit(cmd *cobra.Command, args []string, dryRun bool, out string) (err error) {
	ctx := cmd.Context()
	e, err := envFrom(ctx)
	if err != nil {
		return err
	}
	urls := args
	if len(urls) == 0 {
		urls = e.cfg.Pages
	}
	if err := run.ValidateURLs(urls); err != nil {
		return err
	}

	a, err := newApp(ctx, e.cfg, e.logger, app.Options{SkipStorage: dryRun})
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	logger := e.logger.With(zap.String("run_id", runID))
	w := a.NewWorker(nil, nil, worker.Config{RequirePersistence: !dryRun}, logger.Named("worker"))

	logger.Info("audit started", zap.Int("urls", len(urls)), zap.Bool("dry_run", dryRun))
	outcome, execErr := w.Execute(ctx, runID, urls)

	dst, closeDst, err := openOutput(cmd.OutOrStdout(), out)
	if err != nil {
		return errors.Join(execErr, err)
	}
	defer func() {
		if cerr := closeDst(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", out, cerr)
		}
	}()
	if err := archive.Encode(dst, outcome.Results); err != nil {
		return errors.Join(execErr, fmt.Errorf("write results: %w", err))
	}

	logger.Info("audit finished",
		zap.Int("pages_audited", outcome.Counters.PagesAudited),
		zap.Int("pages_failed", outcome.Counters.PagesFailed),
		zap.Int("pages_persisted", outcome.Counters.PagesPersisted),
		zap.Int("published", outcome.Counters.Published),
		zap.String("archive_uri", outcome.ArchiveURI),
	)
	return execErr
}

func openOutput(stdout io.Writer, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, f.Close, nil
}
