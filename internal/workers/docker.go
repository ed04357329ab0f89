package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
)

// DockerRuntime drives worker containers through the Docker Engine API.
type DockerRuntime struct {
	cli     *client.Client
	netName string
	log     zerolog.Logger
}

// NewDockerRuntime connects to the daemon and makes sure the worker
// bridge network exists. An empty host falls back to the environment
// (DOCKER_HOST or the default socket).
func NewDockerRuntime(ctx context.Context, host, netName string, logger zerolog.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	r := &DockerRuntime{
		cli:     cli,
		netName: netName,
		log:     logger.With().Str("component", "docker").Logger(),
	}
	if err := r.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the underlying API client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker: %w", err)
	}
	return nil
}

func (r *DockerRuntime) ensureNetwork(ctx context.Context) error {
	_, err := r.cli.NetworkInspect(ctx, r.netName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", r.netName, err)
	}
	if _, err := r.cli.NetworkCreate(ctx, r.netName, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", r.netName, err)
	}
	r.log.Info().Str("network", r.netName).Msg("created worker network")
	return nil
}

func (r *DockerRuntime) Launch(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := r.Remove(ctx, spec.Name); err != nil {
		return "", err
	}

	pids := int64(workerPidsLimit)
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	host := &container.HostConfig{
		Binds:       []string{spec.BundleDir + ":" + MountPath + ":ro"},
		NetworkMode: container.NetworkMode(r.netName),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		SecurityOpt: []string{"no-new-privileges"},
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": "10m", "max-file": "3"},
		},
		Resources: container.Resources{
			Memory:            memoryLimitBytes,
			MemoryReservation: memoryReservationBytes,
			MemorySwap:        memoryLimitBytes,
			NanoCPUs:          workerNanoCPUs,
			CPUShares:         workerCPUShares,
			PidsLimit:         &pids,
		},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace / time.Second)
	err := r.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

func (r *DockerRuntime) Inspect(ctx context.Context, name string) (*ContainerState, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	state := &ContainerState{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
	}
	return state, nil
}

func (r *DockerRuntime) Signal(ctx context.Context, name, signal string) error {
	if err := r.cli.ContainerKill(ctx, name, signal); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to signal container %s: %w", name, err)
	}
	return nil
}

func (r *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		if v == "" {
			args.Add("label", k)
		} else {
			args.Add("label", k+"="+v)
		}
	}

	found, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(found))
	for _, c := range found {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{ID: c.ID, Name: name, State: c.State, Labels: c.Labels})
	}
	return out, nil
}
