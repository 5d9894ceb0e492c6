package browser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/docker/go-units"
	"github.com/ethpandaops/webtestoor/pkg/docker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	devtoolsPort        = 9222
	devtoolsReadyWait   = 30 * time.Second
	devtoolsReadyPoll   = 250 * time.Millisecond
	defaultShmSize      = "1g"
	containerRemoveWait = 30 * time.Second
)

// DockerOptions configures container-hosted browsers.
type DockerOptions struct {
	Image       string
	Network     string
	PullPolicy  string
	MemoryLimit string
}

type dockerLauncher struct {
	log  logrus.FieldLogger
	mgr  docker.Manager
	opts DockerOptions
}

// Compile-time interface check.
var _ Launcher = (*dockerLauncher)(nil)

// NewDockerLauncher creates a Launcher that starts a headless browser
// container per session and removes it when the session closes.
func NewDockerLauncher(log logrus.FieldLogger, mgr docker.Manager, opts DockerOptions) Launcher {
	return &dockerLauncher{
		log:  log.WithField("component", "browser-docker"),
		mgr:  mgr,
		opts: opts,
	}
}

func (l *dockerLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := l.mgr.PullImage(ctx, l.opts.Image, l.opts.PullPolicy); err != nil {
		return nil, fmt.Errorf("pulling browser image: %w", err)
	}

	if err := l.mgr.EnsureNetwork(ctx, l.opts.Network); err != nil {
		return nil, fmt.Errorf("ensuring browser network: %w", err)
	}

	spec, err := l.containerSpec(opts.RunID)
	if err != nil {
		return nil, err
	}

	log := l.log.WithFields(logrus.Fields{
		"run_id":    opts.RunID,
		"container": spec.Name,
	})

	containerID, err := l.mgr.CreateContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("creating browser container: %w", err)
	}

	remove := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), containerRemoveWait)
		defer cancel()

		if err := l.mgr.RemoveContainer(rmCtx, containerID); err != nil {
			log.WithError(err).Warn("Failed to remove browser container")
		}
	}

	if err := l.mgr.StartContainer(ctx, containerID); err != nil {
		remove()

		return nil, fmt.Errorf("starting browser container: %w", err)
	}

	ip, err := l.mgr.GetContainerIP(ctx, containerID, l.opts.Network)
	if err != nil {
		remove()

		return nil, fmt.Errorf("resolving browser container address: %w", err)
	}

	endpoint := fmt.Sprintf("%s:%d", ip, devtoolsPort)

	if err := waitForDevTools(ctx, endpoint); err != nil {
		remove()

		return nil, err
	}

	log.WithField("endpoint", endpoint).Debug("Browser container ready")

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), "ws://"+endpoint)

	session, err := newChromeSession(ctx, l.log, allocCtx, allocCancel, opts, remove)
	if err != nil {
		// Close on the failed session already removed the container.
		return nil, err
	}

	return session, nil
}

func (l *dockerLauncher) containerSpec(runID string) (*docker.ContainerSpec, error) {
	shm, err := units.RAMInBytes(defaultShmSize)
	if err != nil {
		return nil, fmt.Errorf("parsing shm size: %w", err)
	}

	var memory int64
	if l.opts.MemoryLimit != "" {
		memory, err = units.RAMInBytes(l.opts.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("parsing memory limit: %w", err)
		}
	}

	suffix := strings.Split(uuid.NewString(), "-")[0]

	name := "webtestoor-browser-" + suffix
	if runID != "" {
		name = fmt.Sprintf("webtestoor-browser-%s-%s", shortRunID(runID), suffix)
	}

	return &docker.ContainerSpec{
		Name:        name,
		Image:       l.opts.Image,
		NetworkName: l.opts.Network,
		Labels:      docker.ManagedLabels(runID),
		MemoryBytes: memory,
		ShmBytes:    shm,
	}, nil
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}

	return runID
}

// waitForDevTools polls the DevTools version endpoint until the browser in a
// fresh container accepts connections.
func waitForDevTools(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, devtoolsReadyWait)
	defer cancel()

	ticker := time.NewTicker(devtoolsReadyPoll)
	defer ticker.Stop()

	url := "http://" + endpoint + "/json/version"

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building devtools probe: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for devtools at %s: %w", endpoint, ctx.Err())
		case <-ticker.C:
		}
	}
}
