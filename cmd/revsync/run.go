package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/revsync/internal/cli"
	"github.com/dmitrijs2005/revsync/internal/health"
	"github.com/dmitrijs2005/revsync/internal/services"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive client with background sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
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

		svc := services.NewReviewService(rt.cache, rt.engine, rt.log)
		app := cli.NewApp(rt.engine, svc, rt.cache, rt.log, os.Stdin, os.Stdout)
		rt.engine.AddObserver(app)

		status := health.NewServer(cfg.StatusAddr, rt.log)
		rt.engine.AddObserver(status)

		if _, err := rt.engine.Bootstrap(ctx); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return rt.engine.Run(gctx) })
		g.Go(func() error {
			if err := status.Serve(gctx); err != nil {
				rt.log.Warn(gctx, "status endpoint unavailable", "error", err)
			}
			return nil
		})

		// The REPL blocks on stdin, so it is left behind on shutdown.
		go func() {
			app.Run(gctx)
			cancel()
		}()

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
