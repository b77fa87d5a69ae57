package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Nochiis/web-metrics-probuilds/internal/app"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the site, page and observation tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := envFrom(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, e.cfg, e.logger, app.Options{WithoutBrowser: true})
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()
			if err := a.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			e.logger.Info("schema applied")
			return nil
		},
	}
}
