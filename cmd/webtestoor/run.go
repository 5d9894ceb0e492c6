package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/api"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const runWaitInterval = 250 * time.Millisecond

var (
	runBaseURL  string
	runBrowsers []string
	runOutput   string
)

var runCmd = &cobra.Command{
	Use:   "run <request.yaml>",
	Short: "Execute a run request once and wait for its results",
	Long: `Load a run request from a YAML file, execute every case on every
requested browser with the local scheduler, and print a summary. The command
fails when any run does not complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runBaseURL, "base-url", "", "Override the base URL of the request")
	runCmd.Flags().StringSliceVar(&runBrowsers, "browser", nil,
		"Override the browsers of the request (comma-separated or repeated flag)")
	runCmd.Flags().StringVar(&runOutput, "output", "", "Write the final run records as JSON to this file")
}

func loadRunRequest(path string) (*api.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run request: %w", err)
	}

	var req api.RunRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing run request: %w", err)
	}

	return &req, nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	req, err := loadRunRequest(args[0])
	if err != nil {
		return err
	}

	if runBaseURL != "" {
		req.BaseURL = runBaseURL
	}

	if len(runBrowsers) > 0 {
		req.Browsers = runBrowsers
	}

	planned, err := req.Plan()
	if err != nil {
		return fmt.Errorf("invalid run request: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}

	defer st.close()

	if err := st.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	defer func() {
		if err := st.scheduler.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop scheduler")
		}
	}()

	ids := make([]string, 0, len(planned))

	for _, p := range planned {
		if err := st.sink.CreateRun(ctx, p.Run); err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		if _, err := st.scheduler.Enqueue(ctx, p.Job); err != nil {
			return fmt.Errorf("enqueueing run %s: %w", p.Run.ID, err)
		}

		ids = append(ids, p.Run.ID)
	}

	log.WithField("runs", len(ids)).Info("Runs queued")

	runs, err := waitForRuns(ctx, st, ids)
	if err != nil {
		return err
	}

	printSummary(runs)

	if runOutput != "" {
		if err := writeRunsFile(runOutput, runs); err != nil {
			return err
		}
	}

	failed := 0

	for _, r := range runs {
		if r.Status != testrun.StatusCompleted {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs did not complete", failed, len(runs))
	}

	return nil
}

// waitForRuns polls the sink until every run is terminal or ctx ends.
func waitForRuns(ctx context.Context, st *stack, ids []string) ([]*testrun.TestRun, error) {
	ticker := time.NewTicker(runWaitInterval)
	defer ticker.Stop()

	for {
		runs := make([]*testrun.TestRun, 0, len(ids))
		done := true

		for _, id := range ids {
			r, err := st.sink.GetRun(context.WithoutCancel(ctx), id)
			if err != nil {
				return nil, fmt.Errorf("loading run %s: %w", id, err)
			}

			if r == nil {
				return nil, fmt.Errorf("run %s disappeared", id)
			}

			if !r.Status.IsTerminal() {
				done = false
			}

			runs = append(runs, r)
		}

		if done {
			return runs, nil
		}

		select {
		case <-ctx.Done():
			log.Warn("Interrupted before all runs finished")

			return runs, nil
		case <-ticker.C:
		}
	}
}

func printSummary(runs []*testrun.TestRun) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "RUN\tCASE\tBROWSER\tSTATUS\tREASON\tPASSED\tFAILED\tSKIPPED")

	for _, r := range runs {
		sum := r.Results.Summary

		reason := string(r.Reason)
		if reason == "" {
			reason = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\n",
			r.ID, r.CaseID, r.Config.Browser, r.Status, reason,
			sum.Passed, sum.Total, sum.Failed, sum.Skipped)
	}

	_ = tw.Flush()
}

func writeRunsFile(path string, runs []*testrun.TestRun) error {
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding runs: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	log.WithField("path", path).Info("Wrote run records")

	return nil
}
