package docker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

const (
	// LabelManagedBy marks containers created by webtestoor.
	LabelManagedBy = "webtestoor.managed-by"

	// LabelRunID records the run a browser container serves.
	LabelRunID = "webtestoor.run-id"

	managedByValue = "webtestoor"
)

// Manager handles Docker operations for browser containers.
type Manager interface {
	Start(ctx context.Context) error
	Stop() error

	// Network operations.
	EnsureNetwork(ctx context.Context, name string) error

	// Container operations.
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error

	// Image operations.
	PullImage(ctx context.Context, imageName string, policy string) error

	// Container info.
	GetContainerIP(ctx context.Context, containerID, networkName string) (string, error)

	// ListContainers returns all containers managed by webtestoor.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
}

// ContainerSpec defines container configuration.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	NetworkName string
	Labels      map[string]string
	MemoryBytes int64
	ShmBytes    int64
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// ManagedLabels returns the labels applied to every managed container.
func ManagedLabels(runID string) map[string]string {
	labels := map[string]string{
		LabelManagedBy: managedByValue,
	}

	if runID != "" {
		labels[LabelRunID] = runID
	}

	return labels
}

// NewManager creates a new Docker manager.
func NewManager(log logrus.FieldLogger) (Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client

	// pullMu serializes image pulls so concurrent launches pull once.
	pullMu sync.Mutex
	pulled map[string]bool
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

// Start verifies the daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// EnsureNetwork creates a Docker network if it doesn't exist.
func (m *manager) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := m.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == name {
			return nil
		}
	}

	_, err = m.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: ManagedLabels(""),
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	m.log.WithField("network", name).Info("Created Docker network")

	return nil
}

// CreateContainer creates a new container from the spec.
func (m *manager) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
		Cmd:    spec.Command,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkName),
		ShmSize:     spec.ShmBytes,
	}
	hostCfg.Memory = spec.MemoryBytes

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"container": spec.Name,
		"id":        shortID(resp.ID),
	}).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", shortID(containerID), err)
	}

	return nil
}

// RemoveContainer force-removes a container.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// PullImage pulls a Docker image according to the pull policy: "always",
// "if-not-present" or "never".
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		return nil
	}

	m.pullMu.Lock()
	defer m.pullMu.Unlock()

	if m.pulled == nil {
		m.pulled = make(map[string]bool, 1)
	}

	if m.pulled[imageName] {
		return nil
	}

	if policy == "if-not-present" {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			m.pulled[imageName] = true

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	m.pulled[imageName] = true

	log.Info("Image pulled successfully")

	return nil
}

// GetContainerIP returns the IP address of a container in the specified network.
func (m *manager) GetContainerIP(ctx context.Context, containerID, networkName string) (string, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspecting container: %w", err)
	}

	if inspect.NetworkSettings == nil || inspect.NetworkSettings.Networks == nil {
		return "", fmt.Errorf("container has no network settings")
	}

	netSettings, ok := inspect.NetworkSettings.Networks[networkName]
	if !ok {
		return "", fmt.Errorf("container not connected to network %s", networkName)
	}

	return netSettings.IPAddress, nil
}

// ListContainers returns all containers managed by webtestoor.
func (m *manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:  c.State,
			Labels: c.Labels,
		})
	}

	return result, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
