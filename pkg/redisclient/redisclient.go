// Package redisclient constructs the redis client shared by the state store,
// the control channel and the job queue. Clients are created explicitly and
// injected; nothing in this repository holds a process-wide redis handle.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const pingTimeout = 5 * time.Second

// New creates a redis client for the configured URL. Cluster mode parses the
// URL as a cluster URL.
func New(log logrus.FieldLogger, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Cluster {
		log.Info("Using cluster redis client")

		opts, err := redis.ParseClusterURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis cluster url: %w", err)
		}

		return redis.NewClusterClient(opts), nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return redis.NewClient(opts), nil
}

// Check verifies the client can reach the server.
func Check(ctx context.Context, client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	return nil
}

// Key joins a key prefix and parts with ":".
func Key(prefix string, parts ...string) string {
	key := prefix
	for _, p := range parts {
		key += ":" + p
	}

	return key
}

// SlotKey joins parts under a hash-tagged prefix so every key built from the
// same prefix maps to the same cluster slot. Multi-key transactions need this
// in cluster mode.
func SlotKey(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = "webtestoor"
	}

	return Key("{"+prefix+"}", parts...)
}
