package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/StevenMolina22/events-api/internal/logging"
)

const (
	maxNameLen        = 64
	logTailLines      = "50"
	readyPollInterval = 500 * time.Millisecond
	stopTimeoutSecs   = 10
)

var nameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeName returns a Docker-safe container name by removing disallowed
// characters, normalizing to lowercase, and ensuring the name starts with an
// alphanumeric character. It enforces a maximum length of `maxNameLen`.
// If the resulting name would be empty, it falls back to "container".
func (s *sdkClient) sanitizeName(name string) string {
	if s.sanitizeNames {
		name = strings.ToLower(name)
	}
	clean := nameRe.ReplaceAllString(name, "")
	if clean == "" {
		return "container"
	}
	if len(clean) > maxNameLen {
		clean = clean[:maxNameLen]
	}
	r := rune(clean[0])
	if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		clean = "c" + clean
		if len(clean) > maxNameLen {
			clean = clean[:maxNameLen]
		}
	}
	return clean
}

// Client is the engine used by the builder and the launcher.
type Client interface {
	Ping(ctx context.Context) error
	// PullImage pulls the image and returns the ImageID and the RepoDigest
	// (e.g. "repo@sha256:...") when available.
	PullImage(ctx context.Context, image string) (string, string, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	RemoveImage(ctx context.Context, imageID string) error
	TagImage(ctx context.Context, imageID, tag string) error

	// RunStep runs a shell command in a container of parent and commits
	// the result, keeping parent's image config. Non-zero exit yields a
	// *CommandError.
	RunStep(ctx context.Context, parent, command string) (string, error)
	// CopyTar extracts a tar stream at / in a container of parent and
	// commits the result.
	CopyTar(ctx context.Context, parent string, content io.Reader) (string, error)
	// Configure commits parent with cfg merged over its image config.
	Configure(ctx context.Context, parent string, cfg ImageConfig) (string, error)

	RunService(ctx context.Context, image string, opts ServiceOptions) (*Service, error)
	StopService(ctx context.Context, id string) error
}

// dockerAPI is the subset of the Docker SDK used by sdkClient.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImageTag(ctx context.Context, source, target string) error
	ImageRemove(ctx context.Context, image string, options imageapi.RemoveOptions) ([]imageapi.DeleteResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerCommit(ctx context.Context, containerID string, options containertypes.CommitOptions) (types.IDResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options containertypes.CopyToContainerOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
}

// sdkClient is the production implementation using the official Docker SDK
type sdkClient struct {
	cli           dockerAPI
	registryAuth  string
	sanitizeNames bool
}

// NewClient returns an SDK-backed Docker client
func NewClient() (Client, error) {
	return NewClientForHost("", "", "", true)
}

// NewClientForHost returns a client configured for a specific host endpoint
// host may be empty to indicate default behavior (FromEnv).
func NewClientForHost(host, user, pass string, sanitize bool) (Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return newSDKClient(c, user, pass, sanitize), nil
}

func newSDKClient(api dockerAPI, user, pass string, sanitize bool) *sdkClient {
	s := &sdkClient{cli: api, sanitizeNames: sanitize}
	if user != "" || pass != "" {
		auth := map[string]string{"username": user, "password": pass}
		b, _ := json.Marshal(auth)
		s.registryAuth = base64.URLEncoding.EncodeToString(b)
	}
	return s
}

// Ping verifies the engine is reachable.
func (s *sdkClient) Ping(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

func (s *sdkClient) PullImage(ctx context.Context, img string) (string, string, error) {
	logging.Get().Info().Str("image", img).Msg("pulling image")
	opts := imageapi.PullOptions{}
	if s.registryAuth != "" {
		opts.RegistryAuth = s.registryAuth
	}
	rc, err := s.cli.ImagePull(ctx, img, opts)
	if err != nil {
		logging.Get().Error().Err(err).Str("image", img).Msg("image pull failed")
		return "", "", fmt.Errorf("image pull %s: %w", img, err)
	}
	defer rc.Close()
	// consume stream to completion; registry errors surface in the stream
	if err := drainPullStream(rc); err != nil {
		return "", "", fmt.Errorf("image pull %s: %w", img, err)
	}
	inspected, _, err := s.cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		logging.Get().Error().Err(err).Str("image", img).Msg("inspect image failed")
		return "", "", fmt.Errorf("inspect image %s: %w", img, err)
	}
	repoDigest := ""
	if len(inspected.RepoDigests) > 0 {
		repoDigest = inspected.RepoDigests[0]
	}
	logging.Get().Info().Str("image", img).Str("id", inspected.ID).Str("digest", repoDigest).Msg("pulled image")
	return inspected.ID, repoDigest, nil
}

// drainPullStream reads the JSON progress stream and returns the first
// error message it reports.
func drainPullStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// not JSON; nothing more to learn from it
			_, _ = io.Copy(io.Discard, r)
			return nil
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

// ImageExists reports whether ref is present in the local image store.
func (s *sdkClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, _, err := s.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return true, nil
}

func (s *sdkClient) RemoveImage(ctx context.Context, imageID string) error {
	_, err := s.cli.ImageRemove(ctx, imageID, imageapi.RemoveOptions{Force: false, PruneChildren: true})
	return err
}

func (s *sdkClient) TagImage(ctx context.Context, imageID, tag string) error {
	if err := s.cli.ImageTag(ctx, imageID, tag); err != nil {
		return fmt.Errorf("tag %s as %s: %w", imageID, tag, err)
	}
	logging.Get().Info().Str("image", imageID).Str("tag", tag).Msg("tagged image")
	return nil
}

// imageConfig returns the config of an existing image.
func (s *sdkClient) imageConfig(ctx context.Context, ref string) (*containertypes.Config, error) {
	insp, _, err := s.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if insp.Config == nil {
		return &containertypes.Config{}, nil
	}
	return insp.Config, nil
}

// removeContainer force-removes a container, logging failures. Used for
// cleanup paths where the primary error is more important.
func (s *sdkClient) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logging.Get().Warn().Err(err).Str("container", id).Msg("failed removing container")
	}
}
