package docker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineUnavailable is returned when the Docker daemon cannot be reached.
	ErrEngineUnavailable = errors.New("container engine unavailable")
	// ErrPortInUse is returned when the host port requested for a service
	// is already bound.
	ErrPortInUse = errors.New("host port already in use")
	// ErrStartupTimeout is returned when a service does not answer before
	// its startup deadline.
	ErrStartupTimeout = errors.New("service did not become ready in time")
)

// ImageConfig is the subset of the image config a build may set. Zero
// values leave the parent's setting untouched.
type ImageConfig struct {
	Env          []string // KEY=VALUE, merged over the parent's by key
	WorkingDir   string
	ExposedPorts []string // "8080/tcp"
	Cmd          []string
}

// CommandError is returned by RunStep when the command exits non-zero.
type CommandError struct {
	Command  string
	ExitCode int64
	LogTail  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// ServiceOptions controls how an image is launched.
type ServiceOptions struct {
	Name          string
	ContainerPort int
	HostIP        string // "0.0.0.0" publishes on all interfaces
	HostPort      int    // 0 lets the engine choose
	// HealthPath is probed over HTTP; empty means a plain TCP connect.
	HealthPath     string
	StartupTimeout time.Duration
	PollInterval   time.Duration
}

// Service is a started container that answered its readiness probe.
type Service struct {
	ID       string
	Name     string
	Image    string
	HostPort int
	URL      string
}

// StartError reports a process that exited before it became ready, e.g.
// because its entry point could not be imported.
type StartError struct {
	ContainerID string
	ExitCode    int
	LogTail     string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("container %s exited during startup with code %d", shortID(e.ContainerID), e.ExitCode)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
