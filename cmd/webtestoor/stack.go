package main

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/ethpandaops/webtestoor/pkg/browser"
	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/control"
	"github.com/ethpandaops/webtestoor/pkg/coordinator"
	"github.com/ethpandaops/webtestoor/pkg/docker"
	"github.com/ethpandaops/webtestoor/pkg/interpreter"
	"github.com/ethpandaops/webtestoor/pkg/metrics"
	"github.com/ethpandaops/webtestoor/pkg/redisclient"
	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/scheduler"
	"github.com/ethpandaops/webtestoor/pkg/screenshot"
	"github.com/ethpandaops/webtestoor/pkg/statestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// stack holds the long-lived components shared by serve and run.
type stack struct {
	cfg       *config.Config
	redis     redis.UniversalClient
	channel   control.Channel
	docker    docker.Manager
	sink      resultsink.Sink
	registry  *prometheus.Registry
	scheduler scheduler.Scheduler
	coord     *coordinator.Config
}

// loadConfig reads the config files, applies the configured log level unless
// --log-level was given, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// buildStack connects every backing service. On error, whatever was already
// opened is closed again.
func buildStack(ctx context.Context, cfg *config.Config) (_ *stack, err error) {
	s := &stack{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
	}

	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Redis.Enabled() {
		s.redis, err = redisclient.New(log, &cfg.Redis)
		if err != nil {
			return nil, err
		}

		if err = redisclient.Check(ctx, s.redis); err != nil {
			return nil, err
		}
	}

	var store statestore.Store = statestore.NewMemoryStore()

	var queue scheduler.Queue = scheduler.NewMemoryQueue()

	if s.redis != nil {
		store = statestore.NewRedisStore(s.redis, cfg.Redis.KeyPrefix)
		queue = scheduler.NewRedisQueue(s.redis, cfg.Redis.KeyPrefix)
	} else {
		log.Warn("No redis configured, snapshots and queued jobs will not survive a restart")
	}

	switch cfg.Control.Driver {
	case "redis":
		s.channel = control.NewRedisChannel(log, s.redis, cfg.Redis.KeyPrefix)
	case "nats":
		s.channel, err = control.NewNATSChannel(log, cfg.Control.NATS.URL, cfg.Control.NATS.Name)
		if err != nil {
			return nil, err
		}
	default:
		s.channel = control.NewMemoryChannel()
	}

	bus := control.NewBus(log, s.channel, store, cfg.Scheduler.ControlTTL)

	s.sink = resultsink.NewSink(log, &cfg.Database)
	if err = s.sink.Start(ctx); err != nil {
		s.sink = nil

		return nil, fmt.Errorf("starting result sink: %w", err)
	}

	launcher, err := s.buildLauncher(ctx)
	if err != nil {
		return nil, err
	}

	shots, err := screenshot.New(log, &cfg.Screenshots)
	if err != nil {
		return nil, fmt.Errorf("creating screenshot store: %w", err)
	}

	s.coord = &coordinator.Config{
		Interpreter:  interpreter.New(log),
		Launcher:     launcher,
		Sink:         s.sink,
		Store:        store,
		Bus:          bus,
		Screenshots:  shots,
		Metrics:      metrics.New(s.registry),
		PollInterval: cfg.Scheduler.PollInterval,
		SnapshotTTL:  cfg.Scheduler.SnapshotTTL,
	}

	s.scheduler = scheduler.NewScheduler(log, &cfg.Scheduler, queue, s.coord)

	return s, nil
}

func (s *stack) buildLauncher(ctx context.Context) (browser.Launcher, error) {
	bc := s.cfg.Browser

	var launcher browser.Launcher

	switch bc.Driver {
	case "remote":
		launcher = browser.NewRemoteLauncher(log, bc.RemoteURL)
	case "docker":
		mgr, err := docker.NewManager(log)
		if err != nil {
			return nil, err
		}

		if err := mgr.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting docker manager: %w", err)
		}

		s.docker = mgr

		launcher = browser.NewDockerLauncher(log, mgr, browser.DockerOptions{
			Image:       bc.Docker.Image,
			Network:     bc.Docker.Network,
			PullPolicy:  bc.Docker.PullPolicy,
			MemoryLimit: bc.Docker.MemoryLimit,
		})
	default:
		launcher = browser.NewExecLauncher(log, browser.ExecOptions{
			ExecPath: bc.ExecPath,
			Headless: bc.Headless,
		})
	}

	var minFree int64

	if bc.MinFreeMemory != "" {
		v, err := units.RAMInBytes(bc.MinFreeMemory)
		if err != nil {
			return nil, fmt.Errorf("parsing browser.min_free_memory: %w", err)
		}

		minFree = v
	}

	return browser.WithCapacityGuard(log, launcher, uint64(max(minFree, 0)), nil), nil
}

// close releases the backing services in reverse order of opening.
func (s *stack) close() {
	if s.docker != nil {
		if err := s.docker.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop docker manager")
		}
	}

	if s.sink != nil {
		if err := s.sink.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop result sink")
		}
	}

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.WithError(err).Warn("Failed to close control channel")
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.WithError(err).Warn("Failed to close redis client")
		}
	}
}
