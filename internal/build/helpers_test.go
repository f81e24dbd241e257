package build

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/StevenMolina22/events-api/internal/descriptor"
	"github.com/StevenMolina22/events-api/internal/docker"
)

// fakeEngine records every engine call and hands out sequential image IDs.
type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	images  map[string]bool
	calls   []string
	tars    [][]byte
	configs []docker.ImageConfig
	tags    map[string]string
	pullErr error
	runErr  map[string]error
	onRun   func(cmd string)
	pulled  []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{images: map[string]bool{}, tags: map[string]string{}, runErr: map[string]error{}}
}

func (f *fakeEngine) nextID() string {
	f.seq++
	id := fmt.Sprintf("sha256:img-%d", f.seq)
	f.images[id] = true
	return id
}

func (f *fakeEngine) PullImage(ctx context.Context, image string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pull")
	f.pulled = append(f.pulled, image)
	if f.pullErr != nil {
		return "", "", f.pullErr
	}
	id := "sha256:base-" + image
	f.images[id] = true
	return id, "", nil
}

func (f *fakeEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeEngine) RunStep(ctx context.Context, parent, command string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "run "+command)
	hook := f.onRun
	err := f.runErr[command]
	f.mu.Unlock()
	if hook != nil {
		hook(command)
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID(), nil
}

func (f *fakeEngine) CopyTar(ctx context.Context, parent string, content io.Reader) (string, error) {
	b, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "copy")
	f.tars = append(f.tars, b)
	return f.nextID(), nil
}

func (f *fakeEngine) Configure(ctx context.Context, parent string, cfg docker.ImageConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "configure")
	f.configs = append(f.configs, cfg)
	return f.nextID(), nil
}

func (f *fakeEngine) TagImage(ctx context.Context, imageID, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "tag")
	f.tags[tag] = imageID
	return nil
}

func (f *fakeEngine) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.tars = nil
	f.configs = nil
}

func (f *fakeEngine) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeResolver struct {
	resolved string
	pinned   string
	err      error
}

func (r *fakeResolver) Resolve(ctx context.Context, image, policy, variant string) (string, error) {
	return r.resolved, r.err
}

func (r *fakeResolver) PinDigest(ctx context.Context, image string) (string, error) {
	return r.pinned, r.err
}

type fakeNotifier struct {
	titles  []string
	success []bool
}

func (n *fakeNotifier) Notify(ctx context.Context, success bool, title, message string) bool {
	n.titles = append(n.titles, title)
	n.success = append(n.success, success)
	return true
}

const (
	testManifest = "fastapi==0.115.0\nuvicorn==0.30.6\n"
	testMain     = "from fastapi import FastAPI\napp = FastAPI()\n"
	testInstall  = "pip install --no-cache-dir -r requirements.txt"
)

// writeContext creates a build context with an app, its manifest and some
// files the default ignore list drops.
func writeContext(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"requirements.txt":        testManifest,
		"main.py":                 testMain,
		"crawler/spider.py":       "class Spider: pass\n",
		".git/HEAD":               "ref: refs/heads/main\n",
		"__pycache__/main.pyc":    "bytecode",
		"crawler/__init__.py":     "",
		"crawler/old.pyc":         "bytecode",
		".env":                    "MONGODB_URI=secret\n",
	}
	for rel, body := range files {
		writeFile(t, dir, rel, body)
	}
	return dir
}

func writeFile(t *testing.T, dir, rel, body string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testDescriptor(dir string) *descriptor.Descriptor {
	d := descriptor.Default()
	d.Source.Context = dir
	return d
}

func tarNames(t *testing.T, b []byte) []string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(b))
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}
