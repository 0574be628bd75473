package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackTo int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending storage migrations and exit",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().IntVar(&rollbackTo, "rollback-to", -1, "roll back to the given schema version instead of migrating forward")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
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

	if rollbackTo >= 0 {
		if err := store.Rollback(ctx, rollbackTo); err != nil {
			return err
		}
	}
	// Open already migrated forward; report the resulting version.
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schema version: %d\n", version)
	return nil
}
