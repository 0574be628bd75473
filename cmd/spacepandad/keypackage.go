package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var keypackageCmd = &cobra.Command{
	Use:   "keypackage",
	Short: "Key-package store maintenance",
}

var keypackagePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired key packages",
	RunE:  runKeypackagePrune,
}

func init() {
	keypackageCmd.AddCommand(keypackagePruneCmd)
	rootCmd.AddCommand(keypackageCmd)
}

func runKeypackagePrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.KeyPackages().PruneExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d expired key packages\n", n)
	return nil
}
