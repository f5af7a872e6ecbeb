// Command revsync is an offline-capable client for a code-review server.
//
//	revsync run      interactive client with background sync
//	revsync sync     one headless sync pass
//	revsync status   ask a running client whether it is online
package main

import (
	"fmt"
	"os"

	"github.com/dmitrijs2005/revsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	configFile string
	flags      *config.Flags
)

var rootCmd = &cobra.Command{
	Use:           "revsync",
	Short:         "Offline-capable code review client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a JSON or YAML config file")
	flags = config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd, syncCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
