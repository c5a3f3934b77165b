// Command archivectl is an operator CLI for the Download Orchestration
// Core. It calls the core Go packages directly rather than through an
// HTTP API (there is none in this system's scope): validating a cron
// expression, triggering a manual channel run, and inspecting scheduler
// status.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/channelarchived/channeljob"
	"github.com/onnwee/channelarchived/config"
	"github.com/onnwee/channelarchived/cron"
	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/discovery"
	"github.com/onnwee/channelarchived/downloader"
	"github.com/onnwee/channelarchived/jobstore"
	"github.com/onnwee/channelarchived/lock"
	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/queue"
	"github.com/onnwee/channelarchived/retention"
	"github.com/onnwee/channelarchived/scheduledjob"
	"github.com/onnwee/channelarchived/scheduler"
	"github.com/onnwee/channelarchived/settings"
	"github.com/onnwee/channelarchived/sidecar"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "archivectl",
		Short: "Operator CLI for the channel archive download orchestration core",
	}
	root.AddCommand(validateCronCmd())
	root.AddCommand(triggerCmd())
	root.AddCommand(statusCmd())
	return root
}

func validateCronCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-cron [expr]",
		Short: "Validate a cron expression and print its next five fire times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, err := cron.Validate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s — %s\n", trigger.Expr, cron.Describe(trigger.Expr))
			for _, t := range trigger.NextRuns(5, time.Now().UTC()) {
				fmt.Println(" ", t.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func triggerCmd() *cobra.Command {
	var asUser string
	cmd := &cobra.Command{
		Use:   "trigger [channel-id]",
		Short: "Run a channel job now, queuing behind an in-flight sweep if one is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID := args[0]
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dbx, err := db.Connect()
			if err != nil {
				return fmt.Errorf("connect db: %w", err)
			}
			defer dbx.Close()

			store := settings.New(dbx)
			locker := lock.New(store)
			q := queue.New(store)

			held, err := locker.IsHeld(cmd.Context(), "scheduled_downloads")
			if err != nil {
				return fmt.Errorf("check lock: %w", err)
			}
			if held {
				pos, err := q.Enqueue(cmd.Context(), channelID, asUser)
				if err != nil {
					return fmt.Errorf("enqueue: %w", err)
				}
				fmt.Printf("status=queued position=%d\n", pos)
				return nil
			}

			ch, err := db.GetChannel(cmd.Context(), dbx, channelID)
			if err != nil {
				return fmt.Errorf("get channel: %w", err)
			}
			if ch == nil {
				return fmt.Errorf("channel %q not found", channelID)
			}
			if !ch.Enabled {
				return fmt.Errorf("channel %q is disabled", channelID)
			}

			nfoEnabled, err := store.GetBool(cmd.Context(), model.SettingNFOEnabled, true)
			if err != nil {
				return fmt.Errorf("read nfo_enabled setting: %w", err)
			}
			nfoOverwrite, err := store.GetBool(cmd.Context(), model.SettingOverwriteExistingNFO, true)
			if err != nil {
				return fmt.Errorf("read overwrite_existing_nfo setting: %w", err)
			}

			disc := discovery.New(cfg.ExtractionBinary, cfg.DiscoveryMaxAttempts, cfg.DiscoveryBaseDelay)
			dl := downloader.New(cfg.ExtractionBinary, cfg.MediaRoot, cfg.TempRoot, cfg.CookiePath, cfg.FragmentConcurrency)
			sc := sidecar.New(nfoEnabled, nfoOverwrite)
			ret := retention.New(dbx, cfg.MediaRoot)
			cj := channeljob.New(dbx, cfg.MediaRoot, store, disc, dl, sc, ret)

			outcome, err := cj.Process(cmd.Context(), *ch)
			if err != nil {
				return fmt.Errorf("status=failed: %w", err)
			}
			fmt.Printf("status=completed found=%d downloaded=%d skipped=%d failed=%d\n",
				outcome.Found, outcome.Downloaded, outcome.Skipped, outcome.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&asUser, "user", "archivectl", "attributed user for a queued manual trigger")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Inspect the Scheduler Runtime's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dbx, err := db.Connect()
			if err != nil {
				return fmt.Errorf("connect db: %w", err)
			}
			defer dbx.Close()

			js, err := jobstore.Open(cfg.SchedulerStoreDir)
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			defer js.Close()

			store := settings.New(dbx)
			locker := lock.New(store)
			q := queue.New(store)
			sweep := scheduledjob.New(dbx, store, locker, q, nil, cfg.QueueMaxAge, 3)
			sched := scheduler.New(js, store, locker, sweep, cfg.LockStaleAfter)

			st, err := sched.GetStatus(context.Background())
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			fmt.Printf("running=%v enabled=%v schedule=%s scheduler_running=%v total_jobs=%d\n",
				st.Running, st.Enabled, st.Schedule, st.SchedulerRunningFlag, st.TotalJobs)
			if st.NextRun != nil {
				fmt.Printf("next_run=%s\n", st.NextRun.Format(time.RFC3339))
			}
			if st.LastRun != nil {
				fmt.Printf("last_run=%s\n", st.LastRun.Format(time.RFC3339))
			}
			return nil
		},
	}
}
