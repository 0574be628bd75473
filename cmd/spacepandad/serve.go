package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spacepanda/core/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the messaging core until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	report, err := svc.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("started: %d groups resumed, %d quarantined\n", report.Resumed, report.Quarantined)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics listener stopped: %v\n", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Shutdown.Grace())
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}
