package screenshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log logrus.FieldLogger
	dir string
}

// NewLocalStore creates a Store writing to {dir}/{runID}/step-NNN.png.
func NewLocalStore(log logrus.FieldLogger, cfg *config.LocalScreenshotConfig) (Store, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving screenshot dir: %w", err)
	}

	return &localStore{
		log: log.WithField("component", "screenshots-local"),
		dir: dir,
	}, nil
}

// Save writes the capture and returns its path relative to the store root.
func (s *localStore) Save(
	_ context.Context, runID string, stepIndex int, data []byte,
) (string, error) {
	if runID == "" || filepath.Base(runID) != runID {
		return "", fmt.Errorf("invalid run id %q", runID)
	}

	runDir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating screenshot dir: %w", err)
	}

	rel := filepath.Join(runID, fileName(stepIndex))

	if err := os.WriteFile(filepath.Join(s.dir, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("writing screenshot: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"step":   stepIndex,
	}).Debug("Saved screenshot")

	return filepath.ToSlash(rel), nil
}
