package main

import (
	"context"

	"github.com/bissquit/campaign-relay/internal/app"
	"github.com/bissquit/campaign-relay/internal/config"
	"github.com/bissquit/campaign-relay/internal/version"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "campaignrelay",
		Short:         "Paced, quota-aware campaign email delivery",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newScheduleCmd(),
		newTokenCmd(),
		newIdentityCmd(),
		newCampaignCmd(),
		newSuppressCmd(),
	)
	return root
}

// loadConfig loads and validates configuration, installing the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	app.InitLogger(cfg.Log)
	return cfg, nil
}

// openDB connects to the database with the configured connect timeout.
func openDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()
	return app.Connect(connectCtx, cfg.Database)
}
