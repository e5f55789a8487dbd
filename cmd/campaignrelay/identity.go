package main

import (
	"fmt"
	"time"

	"github.com/bissquit/campaign-relay/internal/app"
	"github.com/bissquit/campaign-relay/internal/credentials"
	credentialspostgres "github.com/bissquit/campaign-relay/internal/credentials/postgres"
	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
)

type identityOptions struct {
	From         string `validate:"required,email"`
	Name         string `validate:"max=255"`
	Provider     string `validate:"required,oneof=gmail smtp brevo"`
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration `validate:"gte=0"`
	Scopes       []string
	WarmupStart  string `validate:"omitempty,datetime=2006-01-02"`
	Base         int    `validate:"gte=0"`
	Multiplier   float64
	Cap          int `validate:"gte=0"`
}

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage sender identities",
	}
	cmd.AddCommand(newIdentityCreateCmd())
	return cmd
}

func newIdentityCreateCmd() *cobra.Command {
	var opts identityOptions

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a sender identity and store its encrypted tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("warmup-base") {
				opts.Base = cfg.Warmup.Base
			}
			if !cmd.Flags().Changed("warmup-multiplier") {
				opts.Multiplier = cfg.Warmup.Multiplier
			}
			if !cmd.Flags().Changed("warmup-cap") {
				opts.Cap = cfg.Warmup.Cap
			}

			identity, err := opts.identity(time.Now())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := credentialspostgres.NewRepository(db)
			if err := store.CreateIdentity(ctx, identity); err != nil {
				return err
			}

			if opts.AccessToken != "" {
				manager, err := app.NewCredentialManager(cfg, store)
				if err != nil {
					return err
				}
				tok := &credentials.Token{AccessToken: opts.AccessToken, RefreshToken: opts.RefreshToken}
				if opts.ExpiresIn > 0 {
					tok.Expiry = time.Now().Add(opts.ExpiresIn)
				}
				if err := manager.StoreCredential(ctx, identity.ID, tok); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), identity.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.From, "from", "", "sender address")
	f.StringVar(&opts.Name, "name", "", "sender display name")
	f.StringVar(&opts.Provider, "provider", string(domain.ProviderGmail), "mail provider: gmail, smtp or brevo")
	f.StringVar(&opts.AccessToken, "access-token", "", "access token, app password or API key")
	f.StringVar(&opts.RefreshToken, "refresh-token", "", "OAuth refresh token")
	f.DurationVar(&opts.ExpiresIn, "expires-in", 0, "remaining access token lifetime; zero never expires")
	f.StringSliceVar(&opts.Scopes, "scope", nil, "granted OAuth scopes")
	f.StringVar(&opts.WarmupStart, "warmup-start", "", "first warm-up day as YYYY-MM-DD (defaults to today)")
	f.IntVar(&opts.Base, "warmup-base", 0, "warm-up quota on day zero (defaults to warmup.base)")
	f.Float64Var(&opts.Multiplier, "warmup-multiplier", 0, "warm-up daily growth (defaults to warmup.multiplier)")
	f.IntVar(&opts.Cap, "warmup-cap", 0, "warm-up quota cap (defaults to warmup.cap)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

// identity validates the options and builds the identity to store.
func (o identityOptions) identity(now time.Time) (*domain.SenderIdentity, error) {
	if err := validator.New().Struct(o); err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	if o.Multiplier <= 0 {
		return nil, fmt.Errorf("%w: warm-up multiplier must be positive", domain.ErrInvalidArgument)
	}

	start := now.UTC().Truncate(24 * time.Hour)
	if o.WarmupStart != "" {
		t, err := time.Parse(time.DateOnly, o.WarmupStart)
		if err != nil {
			return nil, fmt.Errorf("parse warm-up start: %w", err)
		}
		start = t
	}

	scopes := o.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	return &domain.SenderIdentity{
		FromAddress: o.From,
		FromName:    o.Name,
		Provider:    domain.Provider(o.Provider),
		Scopes:      scopes,
		Active:      true,
		Warmup: domain.WarmupSettings{
			StartDate:  start,
			Base:       o.Base,
			Multiplier: o.Multiplier,
			Cap:        o.Cap,
		},
	}, nil
}
