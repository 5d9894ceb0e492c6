package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethpandaops/webtestoor/pkg/docker"
	"github.com/spf13/cobra"
)

var forceCleanup bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove dangling webtestoor browser containers",
	Long: `Remove all browser containers created by webtestoor.
This is useful for cleaning up after a process was killed while docker-hosted
browser sessions were open.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	mgr, err := docker.NewManager(log)
	if err != nil {
		return fmt.Errorf("docker runtime not available: %w", err)
	}

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting docker manager: %w", err)
	}

	defer func() {
		if err := mgr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop container manager")
		}
	}()

	return performCleanup(ctx, mgr, os.Stdin, forceCleanup)
}

// performCleanup lists and removes all webtestoor containers. Without force
// the user confirms on in.
func performCleanup(ctx context.Context, mgr docker.Manager, in io.Reader, force bool) error {
	containers, err := mgr.ListContainers(ctx)
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		log.Info("No webtestoor containers found")

		return nil
	}

	fmt.Printf("\nContainers to be removed (%d):\n", len(containers))

	for _, c := range containers {
		runID := c.Labels[docker.LabelRunID]
		if runID == "" {
			runID = "-"
		}

		fmt.Printf("  - %s (%s, %s, run %s)\n", c.Name, shortContainerID(c.ID), c.State, runID)
	}

	fmt.Println()

	if !force {
		fmt.Print("Are you sure you want to remove these containers? [y/N] ")

		response, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	removed := 0

	for _, c := range containers {
		log.WithField("container", c.Name).Info("Removing container")

		if err := mgr.RemoveContainer(ctx, c.ID); err != nil {
			log.WithError(err).WithField("container", c.Name).Warn("Failed to remove container")

			continue
		}

		removed++
	}

	log.WithField("removed", removed).Info("Cleanup completed")

	return nil
}

func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
