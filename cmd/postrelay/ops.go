package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shohag/postrelay/internal/health"
	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/signing"
)

func dispatchCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <event_type>",
		Short: "Deliver an event to every matching template and print the attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			id, _ := flags.GetString("id")
			clickID, _ := flags.GetString("click-id")
			amount, _ := flags.GetString("amount")
			currency, _ := flags.GetString("currency")
			macros, _ := flags.GetStringToString("macro")

			if id == "" {
				id = models.NewID("evt")
			}
			evt := models.Event{
				ID:         id,
				Type:       args[0],
				ClickID:    clickID,
				Amount:     amount,
				Currency:   currency,
				Macros:     macros,
				OccurredAt: time.Now().UTC(),
			}

			cfg, _, engine, cleanup, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			attempts := engine.Dispatcher.Dispatch(ctx, evt)
			if attempts == nil {
				attempts = []models.Attempt{}
			}
			if err := printJSON(attempts); err != nil {
				return err
			}

			if pending, err := engine.Queue.Len(ctx); err == nil && pending > 0 && cfg.Queue.Driver != "redis" {
				fmt.Printf("%d retries were scheduled in memory and are dropped on exit; use the redis queue to keep them\n", pending)
			}
			return nil
		},
	}
	cmd.Flags().String("id", "", "event id (generated when empty)")
	cmd.Flags().String("click-id", "", "click id")
	cmd.Flags().String("amount", "", "payout amount")
	cmd.Flags().String("currency", "", "payout currency")
	cmd.Flags().StringToString("macro", nil, "extra macros as key=value")
	return cmd
}

func retryFailedCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-enqueue targets whose recent attempts failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			lookback, _ := cmd.Flags().GetDuration("lookback")
			maxJobs, _ := cmd.Flags().GetInt("max-jobs")
			run, _ := cmd.Flags().GetBool("run")

			_, _, engine, cleanup, err := engineFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			res, err := engine.Scheduler.BulkRetryFailed(ctx, lookback, maxJobs)
			if err != nil {
				return fmt.Errorf("bulk retry failed: %w", err)
			}
			if err := printJSON(res); err != nil {
				return err
			}

			if run {
				total := 0
				for n := engine.Scheduler.RunDue(ctx); n > 0; n = engine.Scheduler.RunDue(ctx) {
					total += n
				}
				fmt.Printf("ran %d retries\n", total)
			}
			return nil
		},
	}
	cmd.Flags().Duration("lookback", 24*time.Hour, "how far back to look for failed attempts")
	cmd.Flags().Int("max-jobs", 0, "maximum targets to schedule, 0 for no limit")
	cmd.Flags().Bool("run", false, "run the scheduled retries now instead of leaving them to serve")
	return cmd
}

func healthCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show per-template delivery health",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, _ := cmd.Flags().GetDuration("window")

			cfg, store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if window <= 0 {
				window = cfg.Health.Window
			}

			report, err := health.NewMonitor(store, nil, thresholds(cfg.Health)).Report(context.Background(), window)
			if err != nil {
				return fmt.Errorf("failed to compute health: %w", err)
			}
			return printJSON(report)
		},
	}
	cmd.Flags().Duration("window", 0, "trailing window (default from config)")
	return cmd
}

// signFlags registers the inputs of the canonical signing payload.
func signFlags(cmd *cobra.Command) {
	cmd.Flags().String("secret", "", "template signing secret")
	cmd.Flags().String("event", "", "event type")
	cmd.Flags().Int64("timestamp", 0, "unix timestamp sent in X-Timestamp (default now)")
	cmd.Flags().StringToString("macro", nil, "macros as key=value")
}

func signingPayload(cmd *cobra.Command) ([]byte, string, int64, error) {
	secret, _ := cmd.Flags().GetString("secret")
	event, _ := cmd.Flags().GetString("event")
	ts, _ := cmd.Flags().GetInt64("timestamp")
	macros, _ := cmd.Flags().GetStringToString("macro")

	if secret == "" {
		return nil, "", 0, fmt.Errorf("--secret is required")
	}
	if event == "" {
		return nil, "", 0, fmt.Errorf("--event is required")
	}
	if ts == 0 {
		ts = time.Now().Unix()
	}
	return signing.Canonical(event, ts, macros), secret, ts, nil
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the canonical payload and signature a receiver should expect",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, secret, ts, err := signingPayload(cmd)
			if err != nil {
				return err
			}
			header, _ := cmd.Flags().GetString("signature-header")
			if header == "" {
				header = models.DefaultSignatureHeader
			}

			fmt.Println(string(payload))
			for k, v := range signing.Headers(header, ts, signing.Sign(payload, secret)) {
				fmt.Printf("%s: %s\n", k, v)
			}
			return nil
		},
	}
	signFlags(cmd)
	cmd.Flags().String("signature-header", "", "signature header name")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <signature>",
		Short: "Check a received signature against the canonical payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, secret, _, err := signingPayload(cmd)
			if err != nil {
				return err
			}
			if !signing.Verify(payload, secret, args[0]) {
				return fmt.Errorf("signature mismatch")
			}
			fmt.Println("signature valid")
			return nil
		},
	}
	signFlags(cmd)
	return cmd
}
