package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/revsync/internal/sync"
	"github.com/spf13/cobra"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass without the interactive client",
	Long: `Uploads pending local edits and refreshes subscribed projects, then exits.

Example usage:
  revsync sync                       # wait up to 10 minutes
  revsync sync --timeout 2m          # give up sooner`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		tasks, err := rt.engine.Bootstrap(ctx)
		if err != nil {
			return err
		}

		runCtx, stop := context.WithCancel(ctx)
		defer stop()
		done := make(chan error, 1)
		go func() { done <- rt.engine.Run(runCtx) }()
		go func() {
			for {
				select {
				case <-runCtx.Done():
					return
				case ev := <-rt.engine.Events():
					rt.log.Info(runCtx, "update", "event", ev.String())
				}
			}
		}()

		deadline := time.Now().Add(syncTimeout)
		ok := true
		for _, t := range tasks {
			// WaitAll treats a non-positive timeout as no deadline.
			left := time.Until(deadline)
			if left <= 0 || !sync.WaitAll(t, left) {
				ok = false
			}
		}
		stop()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		st := rt.engine.State()
		switch {
		case st.Offline:
			return fmt.Errorf("sync incomplete: %w", sync.ErrDataNotAvailable)
		case !ok || st.Error:
			return errors.New("sync finished with errors, see the log file")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sync complete")
		return nil
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 10*time.Minute, "maximum time to wait for the sync pass")
}
