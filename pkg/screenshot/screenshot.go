// Package screenshot persists step screenshots and returns the reference
// recorded on the step result.
package screenshot

import (
	"context"
	"fmt"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Store saves screenshot bytes.
type Store interface {
	// Save stores a PNG capture for a step and returns its reference.
	Save(ctx context.Context, runID string, stepIndex int, data []byte) (string, error)
}

// New creates the configured store: S3 when enabled, local otherwise.
func New(log logrus.FieldLogger, cfg *config.ScreenshotsConfig) (Store, error) {
	if cfg.S3.Enabled {
		return NewS3Store(log, &cfg.S3)
	}

	return NewLocalStore(log, &cfg.Local)
}

func fileName(stepIndex int) string {
	return fmt.Sprintf("step-%03d.png", stepIndex)
}
