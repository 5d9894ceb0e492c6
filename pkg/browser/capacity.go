package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// ErrInsufficientCapacity is returned when the host lacks free memory for
// another browser.
var ErrInsufficientCapacity = errors.New("insufficient capacity for browser session")

// MemoryFunc reports the available memory in bytes.
type MemoryFunc func(ctx context.Context) (uint64, error)

// HostAvailableMemory reads available memory from the host.
func HostAvailableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading memory stats: %w", err)
	}

	return vm.Available, nil
}

type capacityGuard struct {
	log     logrus.FieldLogger
	next    Launcher
	minFree uint64
	memory  MemoryFunc
}

// Compile-time interface check.
var _ Launcher = (*capacityGuard)(nil)

// WithCapacityGuard refuses launches while available memory is below
// minFree. A zero minFree disables the guard.
func WithCapacityGuard(
	log logrus.FieldLogger,
	next Launcher,
	minFree uint64,
	memory MemoryFunc,
) Launcher {
	if minFree == 0 {
		return next
	}

	if memory == nil {
		memory = HostAvailableMemory
	}

	return &capacityGuard{
		log:     log.WithField("component", "browser-capacity"),
		next:    next,
		minFree: minFree,
		memory:  memory,
	}
}

func (g *capacityGuard) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	available, err := g.memory(ctx)
	if err != nil {
		g.log.WithError(err).Warn("Unable to read available memory, launching anyway")

		return g.next.Launch(ctx, opts)
	}

	if available < g.minFree {
		return nil, fmt.Errorf(
			"%w: %s available, %s required",
			ErrInsufficientCapacity,
			units.BytesSize(float64(available)),
			units.BytesSize(float64(g.minFree)),
		)
	}

	return g.next.Launch(ctx, opts)
}
