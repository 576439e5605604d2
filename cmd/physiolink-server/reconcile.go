package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"physiolink/backend/internal/config"
	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/store"
)

type reconcileOptions struct {
	providerID string
	from       string
	days       int
	timeout    time.Duration
}

func reconcileCmd(load loader) *cobra.Command {
	var opts reconcileOptions

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair slot reservations for a provider over a range of days",
		Long: "Deletes stale reservations whose owner is gone and restores reservations for " +
			"active appointments and blocks that lost theirs. Prints one JSON report per day.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore(st, log)

			return runReconcile(ctx, cfg, st, log, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.providerID, "provider", "", "provider id (required)")
	cmd.Flags().StringVar(&opts.from, "date", "", "first day to repair, YYYY-MM-DD (required)")
	cmd.Flags().IntVar(&opts.days, "days", 1, "number of consecutive days to repair")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall timeout")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

type reconcileLine struct {
	ProviderID    string   `json:"provider_id"`
	Date          string   `json:"date"`
	StaleReleased int      `json:"stale_released"`
	Restored      int      `json:"restored"`
	Unrepairable  []string `json:"unrepairable,omitempty"`
}

func runReconcile(ctx context.Context, cfg config.Config, st store.Store, log *slog.Logger, opts reconcileOptions, out io.Writer) error {
	start, err := domain.ParseDate(strings.TrimSpace(opts.from))
	if err != nil {
		return err
	}
	days := opts.days
	if days < 1 {
		days = 1
	}

	svc, err := newService(cfg, st, nil, log)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for i := 0; i < days; i++ {
		date := start.AddDays(i)
		report, err := svc.Reconcile(ctx, opts.providerID, date)
		if err != nil {
			log.Error("reconcile failed",
				slog.String("provider_id", opts.providerID),
				slog.String("date", date.String()),
				slog.Any("err", err),
			)
			return err
		}

		line := reconcileLine{
			ProviderID:    opts.providerID,
			Date:          date.String(),
			StaleReleased: report.StaleReleased,
			Restored:      report.Restored,
		}
		for _, id := range report.Unrepairable {
			line.Unrepairable = append(line.Unrepairable, id.String())
		}
		if len(line.Unrepairable) > 0 {
			log.Warn("records left without a reservation",
				slog.String("date", date.String()),
				slog.Int("count", len(line.Unrepairable)),
			)
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
