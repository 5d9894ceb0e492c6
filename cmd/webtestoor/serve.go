package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/webtestoor/pkg/api"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the scheduler workers",
	Long: `Start the HTTP API together with the scheduler. Runs created through the
API are queued and executed by the configured number of workers.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}

	defer st.close()

	if err := st.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	srv := api.NewServer(log, &cfg.API, api.Deps{
		Scheduler:   st.scheduler,
		Sink:        st.sink,
		Bus:         st.coord.Bus,
		Gatherer:    st.registry,
		Screenshots: &cfg.Screenshots,
	})

	if err := srv.Start(ctx); err != nil {
		_ = st.scheduler.Stop()

		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	// Stop accepting requests before the workers park their runs.
	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	if err := st.scheduler.Stop(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}

	return nil
}
