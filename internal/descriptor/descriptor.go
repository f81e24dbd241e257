// Package descriptor defines the container build and launch recipe: a
// pinned base runtime, an OS toolchain, a dependency manifest, the source
// tree and the entry point bound to host:port.
package descriptor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// Runtime flags forced into every image. They only affect the runtime's
// own housekeeping.
const (
	EnvNoBytecode = "PYTHONDONTWRITEBYTECODE"
	EnvUnbuffered = "PYTHONUNBUFFERED"
)

var (
	// ErrUnpinnedBase is returned when the base image has no explicit tag or
	// uses the floating "latest" tag.
	ErrUnpinnedBase = errors.New("base image must be pinned")
	// ErrInvalid wraps every other validation failure.
	ErrInvalid = errors.New("invalid descriptor")
)

type Base struct {
	Image string `yaml:"image" json:"image"`
	// Policy is an optional semver constraint resolved against registry
	// tags at build time, e.g. "~3.12".
	Policy  string `yaml:"policy,omitempty" json:"policy,omitempty"`
	Variant string `yaml:"variant,omitempty" json:"variant,omitempty"`
	// PinDigest rewrites the resolved reference to repo@sha256:...
	PinDigest bool `yaml:"pin_digest,omitempty" json:"pin_digest,omitempty"`
}

type Toolchain struct {
	Packages []string `yaml:"packages" json:"packages"`
	// Command overrides the apt install derived from Packages.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
}

type Manifest struct {
	Path    string `yaml:"path" json:"path"`
	Install string `yaml:"install" json:"install"`
}

type Source struct {
	Context string   `yaml:"context" json:"context"`
	Workdir string   `yaml:"workdir" json:"workdir"`
	Ignore  []string `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}

// Descriptor is the full build and launch recipe.
type Descriptor struct {
	Name      string            `yaml:"name" json:"name"`
	Tag       string            `yaml:"tag" json:"tag"`
	Base      Base              `yaml:"base" json:"base"`
	Toolchain Toolchain         `yaml:"toolchain" json:"toolchain"`
	Manifest  Manifest          `yaml:"manifest" json:"manifest"`
	Source    Source            `yaml:"source" json:"source"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Host      string            `yaml:"host" json:"host"`
	Port      int               `yaml:"port" json:"port"`
	Command   []string          `yaml:"command" json:"command"`
}

// Default returns the canonical recipe for the events API.
func Default() *Descriptor {
	return &Descriptor{
		Name: "show-up-api",
		Tag:  "show-up-api:local",
		Base: Base{Image: "python:3.12-slim"},
		Toolchain: Toolchain{
			Packages: []string{"build-essential"},
		},
		Manifest: Manifest{
			Path:    "requirements.txt",
			Install: "pip install --no-cache-dir -r requirements.txt",
		},
		Source: Source{
			Context: ".",
			Workdir: "/app",
			Ignore:  []string{".git", ".env", "__pycache__", "*.pyc", ".venv"},
		},
		Env: map[string]string{
			EnvNoBytecode: "1",
			EnvUnbuffered: "1",
		},
		Host:    "0.0.0.0",
		Port:    8080,
		Command: []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8080"},
	}
}

// Load reads a YAML descriptor and merges it over Default. Relative
// source contexts are resolved against the descriptor's directory.
func Load(p string) (*Descriptor, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	d := Default()
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if !filepath.IsAbs(d.Source.Context) {
		d.Source.Context = filepath.Join(filepath.Dir(p), d.Source.Context)
	}
	d.normalize()
	return d, nil
}

// normalize forces the runtime flags.
func (d *Descriptor) normalize() {
	if d.Env == nil {
		d.Env = map[string]string{}
	}
	d.Env[EnvNoBytecode] = "1"
	d.Env[EnvUnbuffered] = "1"
}

var asgiLaunchers = map[string]bool{"uvicorn": true, "gunicorn": true, "hypercorn": true}

// Validate reports the first problem that would make the build or launch
// non-reproducible or impossible.
func (d *Descriptor) Validate() error {
	if err := validateBase(d.Base.Image); err != nil {
		return err
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, d.Port)
	}
	if net.ParseIP(d.Host) == nil {
		return fmt.Errorf("%w: host %q is not an IP address", ErrInvalid, d.Host)
	}
	if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
		return fmt.Errorf("%w: entry point command is empty", ErrInvalid)
	}
	if !path.IsAbs(d.Source.Workdir) {
		return fmt.Errorf("%w: workdir %q must be absolute", ErrInvalid, d.Source.Workdir)
	}
	if d.Manifest.Path == "" || filepath.IsAbs(d.Manifest.Path) || !filepath.IsLocal(d.Manifest.Path) {
		return fmt.Errorf("%w: manifest %q must be a relative path inside the build context", ErrInvalid, d.Manifest.Path)
	}
	if strings.TrimSpace(d.Manifest.Install) == "" {
		return fmt.Errorf("%w: manifest install command is empty", ErrInvalid)
	}
	if asgiLaunchers[filepath.Base(d.Command[0])] {
		if _, ok := d.EntryPoint(); !ok {
			return fmt.Errorf("%w: %s needs a module:attribute entry point", ErrInvalid, d.Command[0])
		}
	}
	return d.validateListen()
}

// validateListen checks that a command naming its own listen address
// agrees with Host and Port, which are what gets published and probed.
func (d *Descriptor) validateListen() error {
	host, port := listenArgs(d.Command)
	if port != "" && port != strconv.Itoa(d.Port) {
		return fmt.Errorf("%w: command listens on port %s but port is %d", ErrInvalid, port, d.Port)
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.Equal(net.ParseIP(d.Host)) {
			return fmt.Errorf("%w: command binds host %q but host is %q", ErrInvalid, host, d.Host)
		}
	}
	return nil
}

// listenArgs returns the host and port named by --host, --port or
// --bind/-b host:port. Empty values mean the command does not set them.
func listenArgs(cmd []string) (host, port string) {
	for i := 1; i < len(cmd); i++ {
		flag, val, inline := strings.Cut(cmd[i], "=")
		switch flag {
		case "--host", "--port", "--bind", "-b":
		default:
			continue
		}
		if !inline {
			if i+1 >= len(cmd) {
				break
			}
			i++
			val = cmd[i]
		}
		switch flag {
		case "--host":
			host = val
		case "--port":
			port = val
		default:
			// unix:/path and fd:// binds carry no host:port
			h, p, err := net.SplitHostPort(val)
			if _, perr := strconv.Atoi(p); err == nil && perr == nil {
				host, port = h, p
			}
		}
	}
	return host, port
}

func validateBase(image string) error {
	if image == "" {
		return fmt.Errorf("%w: no base image", ErrUnpinnedBase)
	}
	ref, err := name.ParseReference(image)
	if err != nil {
		return fmt.Errorf("%w: base image %q: %v", ErrInvalid, image, err)
	}
	tag, ok := ref.(name.Tag)
	if !ok {
		return nil // digest reference
	}
	last := image[strings.LastIndex(image, "/")+1:]
	if !strings.Contains(last, ":") {
		return fmt.Errorf("%w: %q has no explicit tag", ErrUnpinnedBase, image)
	}
	if tag.TagStr() == "latest" {
		return fmt.Errorf("%w: %q uses the floating latest tag", ErrUnpinnedBase, image)
	}
	return nil
}

var entryPointPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*:[A-Za-z_][A-Za-z0-9_]*(\(\))?$`)

// EntryPoint returns the module:attribute argument of the command, if any.
func (d *Descriptor) EntryPoint() (string, bool) {
	if len(d.Command) < 2 {
		return "", false
	}
	for _, arg := range d.Command[1:] {
		if entryPointPattern.MatchString(arg) {
			return arg, true
		}
	}
	return "", false
}

// ToolchainCommand is the shell command for the toolchain step.
func (d *Descriptor) ToolchainCommand() string {
	if d.Toolchain.Command != "" {
		return d.Toolchain.Command
	}
	if len(d.Toolchain.Packages) == 0 {
		return ""
	}
	return "apt-get update && apt-get install -y --no-install-recommends " +
		strings.Join(d.Toolchain.Packages, " ") +
		" && rm -rf /var/lib/apt/lists/*"
}

// EnvList returns KEY=VALUE pairs sorted by key.
func (d *Descriptor) EnvList() []string {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}

// PortSpec is the exposed port in docker notation, e.g. "8080/tcp".
func (d *Descriptor) PortSpec() string { return strconv.Itoa(d.Port) + "/tcp" }

// Dockerfile renders the equivalent Dockerfile.
func (d *Descriptor) Dockerfile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n\n", d.Base.Image)
	env := d.EnvList()
	if len(env) > 0 {
		fmt.Fprintf(&b, "ENV %s\n\n", strings.Join(env, " \\\n    "))
	}
	fmt.Fprintf(&b, "WORKDIR %s\n\n", d.Source.Workdir)
	if cmd := d.ToolchainCommand(); cmd != "" {
		fmt.Fprintf(&b, "RUN %s\n\n", cmd)
	}
	fmt.Fprintf(&b, "COPY %s .\n", filepath.ToSlash(d.Manifest.Path))
	fmt.Fprintf(&b, "RUN %s\n\n", d.Manifest.Install)
	b.WriteString("COPY . .\n\n")
	fmt.Fprintf(&b, "EXPOSE %d\n\n", d.Port)
	fmt.Fprintf(&b, "CMD [%s]\n", quoteArgs(d.Command))
	return b.String()
}

func quoteArgs(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = strconv.Quote(a)
	}
	return strings.Join(q, ", ")
}
