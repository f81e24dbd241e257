package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/StevenMolina22/events-api/internal/logging"
)

const defaultStartupTimeout = 30 * time.Second

// RunService starts image with ContainerPort published on HostIP:HostPort
// and waits until the process answers. A start failure caused by a bound
// host port wraps ErrPortInUse. A process that exits first yields a
// *StartError. On timeout the container is removed and ErrStartupTimeout
// returned.
func (s *sdkClient) RunService(ctx context.Context, image string, opts ServiceOptions) (*Service, error) {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = readyPollInterval
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(opts.ContainerPort))
	if err != nil {
		return nil, fmt.Errorf("invalid container port %d: %w", opts.ContainerPort, err)
	}
	hostPort := ""
	if opts.HostPort > 0 {
		hostPort = strconv.Itoa(opts.HostPort)
	}

	cfg := &containertypes.Config{
		Image:        image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &containertypes.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: opts.HostIP, HostPort: hostPort}}},
	}
	name := ""
	if opts.Name != "" {
		name = s.sanitizeName(opts.Name)
	}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create service container: %w", err)
	}
	logging.Get().Info().Str("container", resp.ID).Str("image", image).Msg("starting service container")
	if err := s.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		s.removeContainer(resp.ID)
		if isPortConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrPortInUse, err)
		}
		return nil, fmt.Errorf("start service container: %w", err)
	}

	svc, err := s.waitReady(ctx, resp.ID, image, port, opts)
	if err != nil {
		s.removeContainer(resp.ID)
		return nil, err
	}
	svc.Name = name
	return svc, nil
}

// StopService stops and removes a service container.
func (s *sdkClient) StopService(ctx context.Context, id string) error {
	timeout := stopTimeoutSecs
	if err := s.cli.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", shortID(id), err)
	}
	s.removeContainer(id)
	return nil
}

func isPortConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}

// waitReady polls the container state and the published port until the
// process answers, exits, or the startup deadline passes.
func (s *sdkClient) waitReady(ctx context.Context, id, image string, port nat.Port, opts ServiceOptions) (*Service, error) {
	deadline := time.Now().Add(opts.StartupTimeout)
	var svc *Service
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		insp, err := s.cli.ContainerInspect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("inspect service container: %w", err)
		}
		if insp.State != nil && !insp.State.Running && insp.State.Status != "created" {
			return nil, &StartError{ContainerID: id, ExitCode: insp.State.ExitCode, LogTail: s.logTail(ctx, id)}
		}
		if svc == nil {
			if hp := publishedPort(insp, port); hp > 0 {
				svc = &Service{ID: id, Image: image, HostPort: hp, URL: "http://" + net.JoinHostPort(probeHost(opts.HostIP), strconv.Itoa(hp))}
			}
		}
		if svc != nil {
			if err := probeReady(ctx, svc, opts.HealthPath); err == nil {
				logging.Get().Info().Str("container", id).Str("url", svc.URL).Msg("service is ready")
				return svc, nil
			}
		}
		if time.Now().After(deadline) {
			logging.Get().Warn().Str("container", id).Dur("timeout", opts.StartupTimeout).Msg("service startup timed out")
			return nil, fmt.Errorf("%w after %s", ErrStartupTimeout, opts.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

// publishedPort returns the host port the engine bound for port.
func publishedPort(insp types.ContainerJSON, port nat.Port) int {
	if insp.NetworkSettings == nil {
		return 0
	}
	for _, b := range insp.NetworkSettings.Ports[port] {
		if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
			return p
		}
	}
	return 0
}

// probeHost maps a wildcard bind address to loopback.
func probeHost(hostIP string) string {
	ip := net.ParseIP(hostIP)
	if hostIP == "" || (ip != nil && ip.IsUnspecified()) {
		return "127.0.0.1"
	}
	return hostIP
}

// IsStartFailure reports whether err happened while starting a service
// rather than while building its image.
func IsStartFailure(err error) bool {
	var se *StartError
	return errors.As(err, &se) || errors.Is(err, ErrPortInUse) || errors.Is(err, ErrStartupTimeout)
}
