// Package api exposes the run control plane over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/control"
	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Handler returns the router, for embedding and tests.
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Deps are the services the API fronts. Bus, Gatherer and Screenshots are
// optional.
type Deps struct {
	Scheduler   scheduler.Scheduler
	Sink        resultsink.Sink
	Bus         *control.Bus
	Gatherer    prometheus.Gatherer
	Screenshots *config.ScreenshotsConfig
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	deps       Deps
	router     http.Handler
	localFiles *localFileServer
	presigner  *s3Presigner
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	deps Deps,
) Server {
	s := &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		deps: deps,
		done: make(chan struct{}),
	}

	if shots := deps.Screenshots; shots != nil {
		if shots.S3.Enabled {
			s.presigner = newS3Presigner(s.log, &shots.S3)
		} else {
			s.localFiles = newLocalFileServer(s.log, shots.Local.Dir)
		}
	}

	s.router = s.buildRouter()

	return s
}

func (s *server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Open event streams are ended
// first so Shutdown does not wait on them.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
