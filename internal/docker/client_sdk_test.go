package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDockerAPI implements the subset of Docker client methods used by sdkClient
type fakeDockerAPI struct {
	images      map[string]*containertypes.Config
	pullStream  string
	pullErr     error
	pingErr     error
	tags        map[string]string
	created     []*containertypes.Config
	hostConfigs []*containertypes.HostConfig
	names       []string
	started     []string
	removed     []string
	stopped     []string
	commits     []containertypes.CommitOptions
	copied      map[string][]byte
	exitCode    int64
	logs        string
	startErr    error

	// service state
	state     *types.ContainerState
	hostPorts nat.PortMap
}

func newFake() *fakeDockerAPI {
	return &fakeDockerAPI{
		images: map[string]*containertypes.Config{
			"python:3.12-slim": {Env: []string{"PATH=/usr/local/bin:/usr/bin", "LANG=C.UTF-8"}, Cmd: []string{"python3"}},
		},
		tags:   map[string]string{},
		copied: map[string][]byte{},
		state:  &types.ContainerState{Running: true, Status: "running"},
	}
}

func (f *fakeDockerAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, f.pingErr
}

func (f *fakeDockerAPI) ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullStream)), nil
}

func (f *fakeDockerAPI) ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error) {
	cfg, ok := f.images[image]
	if !ok {
		return types.ImageInspect{}, nil, errdefs.NotFound(fmt.Errorf("no such image: %s", image))
	}
	return types.ImageInspect{ID: "sha256:" + image, RepoDigests: []string{"python@sha256:abc"}, Config: cfg}, nil, nil
}

func (f *fakeDockerAPI) ImageTag(ctx context.Context, source, target string) error {
	f.tags[target] = source
	return nil
}

func (f *fakeDockerAPI) ImageRemove(ctx context.Context, image string, options imageapi.RemoveOptions) ([]imageapi.DeleteResponse, error) {
	delete(f.images, image)
	return nil, nil
}

func (f *fakeDockerAPI) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: containerID, State: f.state},
		NetworkSettings:   &types.NetworkSettings{NetworkSettingsBase: types.NetworkSettingsBase{Ports: f.hostPorts}},
	}, nil
}

func (f *fakeDockerAPI) ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error) {
	f.created = append(f.created, config)
	f.hostConfigs = append(f.hostConfigs, hostConfig)
	f.names = append(f.names, containerName)
	return containertypes.CreateResponse{ID: fmt.Sprintf("ctr-%d", len(f.created))}, nil
}

func (f *fakeDockerAPI) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error) {
	ch := make(chan containertypes.WaitResponse, 1)
	ch <- containertypes.WaitResponse{StatusCode: f.exitCode}
	return ch, make(chan error)
}

func (f *fakeDockerAPI) ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.logs))
	return io.NopCloser(&buf), nil
}

func (f *fakeDockerAPI) ContainerCommit(ctx context.Context, containerID string, options containertypes.CommitOptions) (types.IDResponse, error) {
	f.commits = append(f.commits, options)
	id := fmt.Sprintf("sha256:commit-%d", len(f.commits))
	f.images[id] = options.Config
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDockerAPI) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options containertypes.CopyToContainerOptions) error {
	b, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.copied[containerID+":"+dstPath] = b
	return nil
}

func (f *fakeDockerAPI) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func TestPullImage(t *testing.T) {
	f := newFake()
	f.pullStream = `{"status":"Pulling"}` + "\n" + `{"status":"Done"}`
	s := newSDKClient(f, "u", "p", true)
	id, digest, err := s.PullImage(context.Background(), "python:3.12-slim")
	if err != nil {
		t.Fatalf("PullImage: %v", err)
	}
	if id != "sha256:python:3.12-slim" || digest != "python@sha256:abc" {
		t.Fatalf("unexpected pull result %s %s", id, digest)
	}
	if s.registryAuth == "" {
		t.Fatal("expected registry auth to be encoded")
	}
}

func TestPullImageStreamError(t *testing.T) {
	f := newFake()
	f.pullStream = `{"status":"Pulling"}` + "\n" + `{"error":"manifest unknown"}`
	s := newSDKClient(f, "", "", true)
	if _, _, err := s.PullImage(context.Background(), "python:3.12-slim"); err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestImageExists(t *testing.T) {
	s := newSDKClient(newFake(), "", "", true)
	ok, err := s.ImageExists(context.Background(), "python:3.12-slim")
	if err != nil || !ok {
		t.Fatalf("expected image to exist: %v %v", ok, err)
	}
	ok, err = s.ImageExists(context.Background(), "sha256:gone")
	if err != nil || ok {
		t.Fatalf("expected clean miss: %v %v", ok, err)
	}
}

func TestPing(t *testing.T) {
	f := newFake()
	f.pingErr = errors.New("dial unix /var/run/docker.sock: connect: no such file")
	s := newSDKClient(f, "", "", true)
	if err := s.Ping(context.Background()); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestRunStepCommitsWithParentConfig(t *testing.T) {
	f := newFake()
	s := newSDKClient(f, "", "", true)
	id, err := s.RunStep(context.Background(), "python:3.12-slim", "pip install -r requirements.txt")
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if id != "sha256:commit-1" {
		t.Fatalf("unexpected image id %s", id)
	}
	run := f.created[0]
	if strings.Join(run.Cmd, " ") != "/bin/sh -c pip install -r requirements.txt" {
		t.Fatalf("unexpected run cmd %v", run.Cmd)
	}
	if got := f.commits[0].Config.Cmd; len(got) != 1 || got[0] != "python3" {
		t.Fatalf("commit should keep parent cmd, got %v", got)
	}
	if len(f.removed) != 1 {
		t.Fatalf("expected step container removal, got %v", f.removed)
	}
}

func TestRunStepFailureCarriesLogs(t *testing.T) {
	f := newFake()
	f.exitCode = 1
	f.logs = "ERROR: No matching distribution found for nosuchpkg==9.9\n"
	s := newSDKClient(f, "", "", true)
	_, err := s.RunStep(context.Background(), "python:3.12-slim", "pip install -r requirements.txt")
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if ce.ExitCode != 1 || !strings.Contains(ce.LogTail, "No matching distribution") {
		t.Fatalf("unexpected command error %+v", ce)
	}
	if len(f.commits) != 0 {
		t.Fatal("failed step must not be committed")
	}
	if len(f.removed) != 1 {
		t.Fatal("failed step container must be removed")
	}
}

func TestCopyTar(t *testing.T) {
	f := newFake()
	s := newSDKClient(f, "", "", true)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: "app/main.py", Mode: 0o644, Size: 4})
	_, _ = tw.Write([]byte("x=1\n"))
	_ = tw.Close()

	id, err := s.CopyTar(context.Background(), "python:3.12-slim", bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("CopyTar: %v", err)
	}
	if id == "" || len(f.started) != 0 {
		t.Fatalf("copy must commit without starting, started=%v", f.started)
	}
	if got := f.copied["ctr-1:/"]; !bytes.Equal(got, buf.Bytes()) {
		t.Fatal("tar stream not forwarded to the engine")
	}
}

func TestConfigureMergesConfig(t *testing.T) {
	f := newFake()
	s := newSDKClient(f, "", "", true)
	_, err := s.Configure(context.Background(), "python:3.12-slim", ImageConfig{
		Env:          []string{"LANG=en_US.UTF-8", "PYTHONUNBUFFERED=1"},
		WorkingDir:   "/app",
		ExposedPorts: []string{"8080/tcp"},
		Cmd:          []string{"uvicorn", "main:app"},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	cfg := f.commits[0].Config
	if strings.Join(cfg.Env, ",") != "PATH=/usr/local/bin:/usr/bin,LANG=en_US.UTF-8,PYTHONUNBUFFERED=1" {
		t.Fatalf("unexpected env %v", cfg.Env)
	}
	if cfg.WorkingDir != "/app" || cfg.Cmd[0] != "uvicorn" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, ok := cfg.ExposedPorts["8080/tcp"]; !ok {
		t.Fatalf("port not exposed: %v", cfg.ExposedPorts)
	}
	// parent config untouched
	if f.images["python:3.12-slim"].WorkingDir != "" {
		t.Fatal("parent config mutated")
	}
}

func TestConfigureRejectsBadPort(t *testing.T) {
	s := newSDKClient(newFake(), "", "", true)
	if _, err := s.Configure(context.Background(), "python:3.12-slim", ImageConfig{ExposedPorts: []string{"http/tcp"}}); err == nil {
		t.Fatal("expected invalid port error")
	}
}

func TestTagImage(t *testing.T) {
	f := newFake()
	s := newSDKClient(f, "", "", true)
	if err := s.TagImage(context.Background(), "sha256:abc", "show-up-api:local"); err != nil {
		t.Fatal(err)
	}
	if f.tags["show-up-api:local"] != "sha256:abc" {
		t.Fatalf("tag not applied: %v", f.tags)
	}
}

func listenerPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestRunServiceReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()
	port := listenerPort(t, srv)

	f := newFake()
	f.hostPorts = nat.PortMap{"8080/tcp": {{HostIP: "0.0.0.0", HostPort: port}}}
	s := newSDKClient(f, "", "", true)
	svc, err := s.RunService(context.Background(), "show-up-api:local", ServiceOptions{
		Name: "Show Up!", ContainerPort: 8080, HostIP: "0.0.0.0", HealthPath: "/health",
		StartupTimeout: 2 * time.Second, PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RunService: %v", err)
	}
	if strconv.Itoa(svc.HostPort) != port || svc.URL != "http://127.0.0.1:"+port {
		t.Fatalf("unexpected service %+v", svc)
	}
	if svc.Name != "showup" {
		t.Fatalf("expected sanitized name, got %q", svc.Name)
	}
	binding := f.hostConfigs[0].PortBindings["8080/tcp"]
	if len(binding) != 1 || binding[0].HostIP != "0.0.0.0" {
		t.Fatalf("port not published on all interfaces: %v", binding)
	}
}

func TestRunServicePortInUse(t *testing.T) {
	f := newFake()
	f.startErr = errors.New("driver failed programming external connectivity: Bind for 0.0.0.0:8080 failed: port is already allocated")
	s := newSDKClient(f, "", "", true)
	_, err := s.RunService(context.Background(), "show-up-api:local", ServiceOptions{ContainerPort: 8080, HostIP: "0.0.0.0", HostPort: 8080})
	if !errors.Is(err, ErrPortInUse) || !IsStartFailure(err) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	if len(f.removed) != 1 {
		t.Fatal("container must be removed after failed start")
	}
}

func TestRunServiceProcessExits(t *testing.T) {
	f := newFake()
	f.state = &types.ContainerState{Running: false, Status: "exited", ExitCode: 1}
	f.logs = `ERROR:    Error loading ASGI app. Attribute "app" not found in module "main".`
	s := newSDKClient(f, "", "", true)
	_, err := s.RunService(context.Background(), "show-up-api:local", ServiceOptions{ContainerPort: 8080, HostIP: "0.0.0.0", PollInterval: time.Millisecond})
	var se *StartError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartError, got %v", err)
	}
	if se.ExitCode != 1 || !strings.Contains(se.LogTail, `Attribute "app" not found`) {
		t.Fatalf("unexpected start error %+v", se)
	}
}

func TestRunServiceTimeout(t *testing.T) {
	// nothing listens on the published port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	f := newFake()
	f.hostPorts = nat.PortMap{"8080/tcp": {{HostPort: port}}}
	s := newSDKClient(f, "", "", true)
	_, err = s.RunService(context.Background(), "show-up-api:local", ServiceOptions{
		ContainerPort: 8080, StartupTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond,
	})
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	if len(f.removed) == 0 {
		t.Fatal("timed out container must be removed")
	}
}

func TestStopService(t *testing.T) {
	f := newFake()
	s := newSDKClient(f, "", "", true)
	if err := s.StopService(context.Background(), "ctr-9"); err != nil {
		t.Fatal(err)
	}
	if len(f.stopped) != 1 || len(f.removed) != 1 {
		t.Fatalf("expected stop and remove, got %v %v", f.stopped, f.removed)
	}
}

func TestSanitizeName(t *testing.T) {
	lower := newSDKClient(newFake(), "", "", true)
	if got := lower.sanitizeName("Postgres!"); got != "postgres" {
		t.Fatalf("expected 'postgres', got %q", got)
	}
	keep := newSDKClient(newFake(), "", "", false)
	if got := keep.sanitizeName("Postgres!"); got != "Postgres" {
		t.Fatalf("expected 'Postgres', got %q", got)
	}
	if got := keep.sanitizeName("_x"); got != "c_x" {
		t.Fatalf("expected alnum prefix, got %q", got)
	}
	if got := keep.sanitizeName("!!!"); got != "container" {
		t.Fatalf("expected fallback name, got %q", got)
	}
}

func TestMergeEnvReplacesByKey(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, []string{"B=3", "C=4"})
	if strings.Join(got, ",") != "A=1,B=3,C=4" {
		t.Fatalf("unexpected env %v", got)
	}
}
