package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/StevenMolina22/events-api/internal/build"
	"github.com/StevenMolina22/events-api/internal/state"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

func writeProject(t *testing.T, requirements string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"requirements.txt":  requirements,
		"main.py":           "from fastapi import FastAPI\napp = FastAPI()\n",
		"showup.build.yaml": "name: show-up-api\ntag: show-up-api:test\nsource:\n  context: .\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "showup dev") || !strings.Contains(out, "0.1.0") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestImageDockerfile(t *testing.T) {
	dir := writeProject(t, "fastapi==0.115.0\n")
	out, err := runCmd(t, "image", "dockerfile", "--descriptor", filepath.Join(dir, "showup.build.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"FROM python:3.12-slim",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"COPY requirements.txt .",
		"EXPOSE 8080",
		`CMD ["uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8080"]`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("dockerfile missing %q:\n%s", want, out)
		}
	}
}

func TestImagePlan(t *testing.T) {
	dir := writeProject(t, "fastapi==0.115.0\nuvicorn==0.30.6\n")
	out, err := runCmd(t, "image", "plan", "--descriptor", filepath.Join(dir, "showup.build.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 8 {
		t.Fatalf("expected header and 7 steps, got:\n%s", out)
	}
	if !strings.Contains(lines[5], "dependencies") {
		t.Fatalf("unexpected step order:\n%s", out)
	}
}

func TestImagePlanRejectsUnpinnedRequirement(t *testing.T) {
	dir := writeProject(t, "fastapi\n")
	_, err := runCmd(t, "image", "plan", "--descriptor", filepath.Join(dir, "showup.build.yaml"))
	if err == nil || !strings.Contains(err.Error(), "pre-flight") {
		t.Fatalf("expected pre-flight failure, got %v", err)
	}
}

func TestExplicitDescriptorMustExist(t *testing.T) {
	_, err := runCmd(t, "image", "dockerfile", "--descriptor", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing descriptor")
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "showup.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\nmongodb_database: fromfile\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHOWUP_PORT", "9100")

	cfg, err := loadConfig(&rootOptions{configFile: path, envFile: filepath.Join(t.TempDir(), "none.env")})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env must override file, got port %d", cfg.Port)
	}
	if cfg.MongoDatabase != "fromfile" {
		t.Fatalf("file must override defaults, got %s", cfg.MongoDatabase)
	}
}

func TestCheckDockerSocketAccessMissing(t *testing.T) {
	if err := checkDockerSocketAccess(filepath.Join(t.TempDir(), "docker.sock")); err != nil {
		t.Fatalf("missing socket should not be an error, got %v", err)
	}
}

func TestCheckDockerSocketAccessLiveSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	if err := checkDockerSocketAccess(path); err != nil {
		t.Fatalf("listening socket reported as inaccessible: %v", err)
	}
}

func TestCheckDockerSocketAccessRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := checkDockerSocketAccess(path); err == nil {
		t.Fatal("expected error for a regular file")
	}
}

func TestWriteResult(t *testing.T) {
	res := &build.Result{
		ImageID: "sha256:0123456789abcdef0123",
		Tag:     "show-up-api:local",
		Base:    "python:3.12-slim",
		Layers: []build.LayerResult{
			{Layer: build.Layer{Index: 1, Kind: build.KindBase}, ImageID: "sha256:aaaaaaaaaaaaaaaa"},
			{Layer: build.Layer{Index: 2, Kind: build.KindEnv}, ImageID: "sha256:bbbbbbbbbbbbbbbb", Cached: true},
		},
	}
	var buf bytes.Buffer
	if err := writeResult(&buf, res); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "built show-up-api:local (0123456789ab) from python:3.12-slim, 1/2 layers cached") {
		t.Fatalf("unexpected summary:\n%s", buf.String())
	}
}

func TestWriteCache(t *testing.T) {
	recs := map[string]state.LayerRecord{
		"sha256:k2": {Key: "sha256:k2", ImageID: "sha256:img2", Step: "source", CreatedAt: time.Unix(200, 0)},
		"sha256:k1": {Key: "sha256:k1", ImageID: "sha256:img1", Step: "dependencies", CreatedAt: time.Unix(100, 0)},
	}
	var buf bytes.Buffer
	if err := writeCache(&buf, recs); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "dependencies") {
		t.Fatalf("expected oldest first:\n%s", buf.String())
	}
}
