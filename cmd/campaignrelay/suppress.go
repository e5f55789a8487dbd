package main

import (
	"fmt"

	"github.com/bissquit/campaign-relay/internal/delivery"
	deliverypostgres "github.com/bissquit/campaign-relay/internal/delivery/postgres"
	"github.com/spf13/cobra"
)

func newSuppressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppress",
		Short: "Manage the suppression list",
	}
	cmd.AddCommand(newSuppressAddCmd())
	return cmd
}

func newSuppressAddCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "add EMAIL...",
		Short: "Suppress addresses from all future campaign sends",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			service := delivery.NewService(deliverypostgres.NewRepository(db), deliverypostgres.NewQueue(db, cfg.Delivery.LockTimeout))
			for _, email := range args {
				if err := service.AddSuppression(ctx, email, reason); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), delivery.NormalizeEmail(email))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "why the addresses are suppressed")
	return cmd
}
