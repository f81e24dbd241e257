package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/StevenMolina22/events-api/internal/logging"
)

// RunStep runs command with /bin/sh -c in a fresh container of parent,
// waits for it and commits the filesystem with parent's config.
func (s *sdkClient) RunStep(ctx context.Context, parent, command string) (string, error) {
	cfg, err := s.imageConfig(ctx, parent)
	if err != nil {
		return "", err
	}
	runCfg := *cfg
	runCfg.Image = parent
	runCfg.Entrypoint = nil
	runCfg.Cmd = []string{"/bin/sh", "-c", command}
	runCfg.ExposedPorts = nil

	resp, err := s.cli.ContainerCreate(ctx, &runCfg, &containertypes.HostConfig{}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create step container: %w", err)
	}
	defer s.removeContainer(resp.ID)

	logging.Get().Debug().Str("container", resp.ID).Str("command", command).Msg("running build command")
	waitCh, errCh := s.cli.ContainerWait(ctx, resp.ID, containertypes.WaitConditionNextExit)
	if err := s.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return "", fmt.Errorf("start step container: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errCh:
		return "", fmt.Errorf("wait for step container: %w", err)
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			return "", fmt.Errorf("wait for step container: %s", w.Error.Message)
		}
		if w.StatusCode != 0 {
			return "", &CommandError{Command: command, ExitCode: w.StatusCode, LogTail: s.logTail(ctx, resp.ID)}
		}
	}
	return s.commit(ctx, resp.ID, cfg)
}

// CopyTar extracts content at / inside a created (never started) container
// of parent and commits the result.
func (s *sdkClient) CopyTar(ctx context.Context, parent string, content io.Reader) (string, error) {
	cfg, err := s.imageConfig(ctx, parent)
	if err != nil {
		return "", err
	}
	createCfg := *cfg
	createCfg.Image = parent

	resp, err := s.cli.ContainerCreate(ctx, &createCfg, &containertypes.HostConfig{}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create copy container: %w", err)
	}
	defer s.removeContainer(resp.ID)

	if err := s.cli.CopyToContainer(ctx, resp.ID, "/", content, containertypes.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("copy into container: %w", err)
	}
	return s.commit(ctx, resp.ID, cfg)
}

// Configure commits parent with cfg merged over its image config. No
// filesystem change is made.
func (s *sdkClient) Configure(ctx context.Context, parent string, cfg ImageConfig) (string, error) {
	base, err := s.imageConfig(ctx, parent)
	if err != nil {
		return "", err
	}
	merged, err := mergeConfig(base, cfg)
	if err != nil {
		return "", err
	}
	createCfg := *merged
	createCfg.Image = parent

	resp, err := s.cli.ContainerCreate(ctx, &createCfg, &containertypes.HostConfig{}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create config container: %w", err)
	}
	defer s.removeContainer(resp.ID)
	return s.commit(ctx, resp.ID, merged)
}

func (s *sdkClient) commit(ctx context.Context, containerID string, cfg *containertypes.Config) (string, error) {
	res, err := s.cli.ContainerCommit(ctx, containerID, containertypes.CommitOptions{Config: cfg})
	if err != nil {
		return "", fmt.Errorf("commit container %s: %w", shortID(containerID), err)
	}
	return res.ID, nil
}

// mergeConfig returns a copy of base with the non-zero fields of cfg
// applied. Env entries replace existing ones with the same key.
func mergeConfig(base *containertypes.Config, cfg ImageConfig) (*containertypes.Config, error) {
	out := *base
	if len(cfg.Env) > 0 {
		out.Env = mergeEnv(base.Env, cfg.Env)
	}
	if cfg.WorkingDir != "" {
		out.WorkingDir = cfg.WorkingDir
	}
	if len(cfg.ExposedPorts) > 0 {
		ports := nat.PortSet{}
		for p := range base.ExposedPorts {
			ports[p] = struct{}{}
		}
		for _, spec := range cfg.ExposedPorts {
			proto, port := nat.SplitProtoPort(spec)
			np, err := nat.NewPort(proto, port)
			if err != nil {
				return nil, fmt.Errorf("invalid exposed port %q: %w", spec, err)
			}
			ports[np] = struct{}{}
		}
		out.ExposedPorts = ports
	}
	if len(cfg.Cmd) > 0 {
		out.Cmd = append([]string(nil), cfg.Cmd...)
		// a base ENTRYPOINT would swallow CMD as its arguments
		out.Entrypoint = nil
	}
	return &out, nil
}

func mergeEnv(base, overrides []string) []string {
	out := append([]string(nil), base...)
	index := make(map[string]int, len(out))
	for i, kv := range out {
		k, _, _ := strings.Cut(kv, "=")
		index[k] = i
	}
	for _, kv := range overrides {
		k, _, _ := strings.Cut(kv, "=")
		if i, ok := index[k]; ok {
			out[i] = kv
			continue
		}
		index[k] = len(out)
		out = append(out, kv)
	}
	return out
}

// logTail returns the last lines of a container's combined output.
func (s *sdkClient) logTail(ctx context.Context, containerID string) string {
	rc, err := s.cli.ContainerLogs(ctx, containerID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: logTailLines})
	if err != nil {
		logging.Get().Debug().Err(err).Str("container", containerID).Msg("could not read container logs")
		return ""
	}
	defer rc.Close()
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		logging.Get().Debug().Err(err).Str("container", containerID).Msg("could not demultiplex container logs")
	}
	return strings.TrimSpace(out.String())
}
