package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spacepanda/core/service"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the service health state",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	svc, store, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := svc.Start(ctx); err != nil {
		return err
	}
	h := svc.Health(ctx)

	out, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if h.State == service.Unhealthy {
		os.Exit(2)
	}
	return nil
}
