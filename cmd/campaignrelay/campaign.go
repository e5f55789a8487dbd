package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bissquit/campaign-relay/internal/delivery"
	deliverypostgres "github.com/bissquit/campaign-relay/internal/delivery/postgres"
	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/spf13/cobra"
)

type campaignOptions struct {
	Name           string
	IdentityID     string
	Subject        string
	HTMLFile       string
	TextFile       string
	RecipientsFile string
	BatchSize      int
	Interval       int
	Warmup         bool
	WindowStart    int
	WindowEnd      int
	Timezone       string
	Jitter         int
}

func newCampaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}
	cmd.AddCommand(newCampaignCreateCmd())
	return cmd
}

func newCampaignCreateCmd() *cobra.Command {
	var opts campaignOptions

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft campaign and load its recipients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("batch-size") {
				opts.BatchSize = cfg.Delivery.DefaultBatchSize
			}
			if !cmd.Flags().Changed("interval") {
				opts.Interval = cfg.Delivery.DefaultPace
			}

			campaign, err := opts.campaign(cmd.Flags().Changed("window-start") || cmd.Flags().Changed("window-end"))
			if err != nil {
				return err
			}

			recipients, err := readRecipientsFile(opts.RecipientsFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := deliverypostgres.NewRepository(db)
			if err := repo.CreateCampaign(ctx, campaign); err != nil {
				return err
			}
			added, err := repo.AddRecipients(ctx, campaign.ID, recipients)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), campaign.ID)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d recipients added\n", added)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Name, "name", "", "campaign name")
	f.StringVar(&opts.IdentityID, "identity", "", "sender identity ID")
	f.StringVar(&opts.Subject, "subject", "", "message subject")
	f.StringVar(&opts.HTMLFile, "html-file", "", "path to the HTML body")
	f.StringVar(&opts.TextFile, "text-file", "", "path to the plain text body")
	f.StringVar(&opts.RecipientsFile, "recipients", "", "file with one address per line")
	f.IntVar(&opts.BatchSize, "batch-size", 0, "recipients per page (defaults to delivery.default_batch_size)")
	f.IntVar(&opts.Interval, "interval", 0, "seconds between sends (defaults to delivery.default_pace_seconds)")
	f.BoolVar(&opts.Warmup, "warmup", false, "cap daily sends with the identity warm-up schedule")
	f.IntVar(&opts.WindowStart, "window-start", 9, "send window start hour")
	f.IntVar(&opts.WindowEnd, "window-end", 17, "send window end hour")
	f.StringVar(&opts.Timezone, "timezone", "UTC", "send window timezone")
	f.IntVar(&opts.Jitter, "jitter", 0, "max jitter in seconds added when deferring to the next window")
	for _, name := range []string{"name", "identity", "subject", "recipients"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// campaign builds a draft campaign from the options, reading body files.
func (o campaignOptions) campaign(withWindow bool) (*domain.Campaign, error) {
	if o.HTMLFile == "" && o.TextFile == "" {
		return nil, fmt.Errorf("%w: --html-file or --text-file is required", domain.ErrInvalidArgument)
	}

	html, err := readOptionalFile(o.HTMLFile)
	if err != nil {
		return nil, err
	}
	text, err := readOptionalFile(o.TextFile)
	if err != nil {
		return nil, err
	}

	pacing := domain.PacingConfig{
		BatchSize:       o.BatchSize,
		IntervalSeconds: o.Interval,
		WarmupEnabled:   o.Warmup,
	}
	if withWindow {
		pacing.Window = &domain.SendWindow{
			StartHour:        o.WindowStart,
			EndHour:          o.WindowEnd,
			Timezone:         o.Timezone,
			MaxJitterSeconds: o.Jitter,
		}
	}
	if err := pacing.Validate(); err != nil {
		return nil, err
	}

	return &domain.Campaign{
		Name:             o.Name,
		Status:           domain.CampaignStatusDraft,
		SenderIdentityID: o.IdentityID,
		Content:          domain.Content{Subject: o.Subject, HTML: html, Text: text},
		Pacing:           pacing,
	}, nil
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func readRecipientsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipients: %w", err)
	}
	defer f.Close()
	return parseRecipients(f)
}

// parseRecipients reads one address per line. Blank lines and lines starting
// with # are skipped; addresses are normalized and deduplicated.
func parseRecipients(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		email := delivery.NormalizeEmail(raw)
		if !strings.Contains(email, "@") {
			return nil, fmt.Errorf("%w: line %d: invalid address %q", domain.ErrInvalidArgument, line, raw)
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no recipients", domain.ErrInvalidArgument)
	}
	return out, nil
}
