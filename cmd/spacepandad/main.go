package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spacepanda/core/pkg/version"
)

var (
	configPath  string
	storagePath string
)

var rootCmd = &cobra.Command{
	Use:   "spacepandad",
	Short: "SpacePanda core daemon - encrypted group messaging",
	Long: `spacepandad operates a SpacePanda messaging core: end-to-end encrypted
groups with ratcheted epochs, encrypted local storage, replicated channel
metadata, and per-peer admission control.

Subcommands cover the operational surface:
- serve: run the service until interrupted
- migrate: apply pending storage migrations and exit
- health: print the service health state
- keypackage prune: remove expired key packages`,
	Version: version.String(),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage-dir", "", "override the configured storage directory")
}
