package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/revsync/internal/health"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a running client is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		st, err := health.Probe(ctx, cfg.StatusAddr)
		if err != nil {
			return fmt.Errorf("no running client at %s: %w", cfg.StatusAddr, err)
		}

		mode := "online"
		if st.Offline {
			mode = "offline"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s", mode)
		if st.Failed {
			fmt.Fprint(cmd.OutOrStdout(), ", last task failed")
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}
