package build

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/opencontainers/go-digest"

	"github.com/StevenMolina22/events-api/internal/descriptor"
	"github.com/StevenMolina22/events-api/internal/manifest"
)

// Kind names a build step.
type Kind string

const (
	KindBase         Kind = "base"
	KindEnv          Kind = "env"
	KindToolchain    Kind = "toolchain"
	KindManifest     Kind = "manifest"
	KindDependencies Kind = "dependencies"
	KindSource       Kind = "source"
	KindLaunch       Kind = "launch"
)

// Layer is one planned step.
type Layer struct {
	Index       int           `json:"index"`
	Kind        Kind          `json:"kind"`
	Instruction string        `json:"instruction"`
	Input       digest.Digest `json:"input"`
	Key         digest.Digest `json:"key"`
}

// Plan is the ordered layer set for one descriptor and its inputs.
type Plan struct {
	Base   string  `json:"base"`
	Tag    string  `json:"tag"`
	Layers []Layer `json:"layers"`
}

// Inputs are the content the plan is keyed on, gathered by Prepare.
type Inputs struct {
	BaseRef  string
	BaseID   string // pulled image ID; empty when planning offline
	Manifest *manifest.Manifest
	Tree     *Tree
}

// Prepare runs every check that needs no engine: descriptor validation,
// manifest parsing and source tree hashing.
func Prepare(d *descriptor.Descriptor) (*Inputs, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	mpath := filepath.Join(d.Source.Context, filepath.FromSlash(d.Manifest.Path))
	if _, err := os.Stat(mpath); err != nil {
		return nil, fmt.Errorf("%w: %w: manifest %s: %v", ErrPreflight, ErrMissingContext, d.Manifest.Path, err)
	}
	m, err := manifest.ParseFile(mpath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	tree, err := ScanTree(d.Source.Context, d.Source.Ignore)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	return &Inputs{BaseRef: d.Base.Image, Manifest: m, Tree: tree}, nil
}

// NewPlan lays out the steps for d. Keys are chained: each one covers the
// previous key, the step kind, its instruction and its input digest.
func NewPlan(d *descriptor.Descriptor, in *Inputs) *Plan {
	p := &Plan{Base: in.BaseRef, Tag: d.Tag}

	baseInput := in.BaseRef
	if in.BaseID != "" {
		baseInput = in.BaseID
	}
	p.add(KindBase, "FROM "+in.BaseRef, digest.FromString(baseInput))

	env := "ENV " + strings.Join(d.EnvList(), " ") + "\nWORKDIR " + d.Source.Workdir
	p.add(KindEnv, env, digest.FromString(env))

	if cmd := d.ToolchainCommand(); cmd != "" {
		p.add(KindToolchain, "RUN "+cmd, digest.FromString(cmd))
	}

	mdgst := in.Manifest.Digest()
	p.add(KindManifest, fmt.Sprintf("COPY %s .", d.Manifest.Path), mdgst)
	p.add(KindDependencies, "RUN "+d.Manifest.Install, mdgst)
	p.add(KindSource, "COPY . .", in.Tree.Digest)

	launch := fmt.Sprintf("EXPOSE %d\nCMD %s", d.Port, strings.Join(d.Command, " "))
	p.add(KindLaunch, launch, digest.FromString(launch))
	return p
}

func (p *Plan) add(kind Kind, instruction string, input digest.Digest) {
	prev := ""
	if n := len(p.Layers); n > 0 {
		prev = p.Layers[n-1].Key.String()
	}
	d := digest.Canonical.Digester()
	h := d.Hash()
	writeField(h, []byte(prev))
	writeField(h, []byte(kind))
	writeField(h, []byte(instruction))
	writeField(h, []byte(input))
	p.Layers = append(p.Layers, Layer{
		Index:       len(p.Layers) + 1,
		Kind:        kind,
		Instruction: instruction,
		Input:       input,
		Key:         d.Digest(),
	})
}

// Layer returns the planned layer of the given kind.
func (p *Plan) Layer(kind Kind) (Layer, bool) {
	for _, l := range p.Layers {
		if l.Kind == kind {
			return l, true
		}
	}
	return Layer{}, false
}

// WriteTable prints the plan as an aligned table.
func (p *Plan) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STEP\tKIND\tKEY\tINSTRUCTION\n")
	for _, l := range p.Layers {
		first, _, _ := strings.Cut(l.Instruction, "\n")
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", l.Index, l.Kind, l.Key.Encoded()[:12], first)
	}
	return tw.Flush()
}

// manifestDest is where the manifest lands: the working directory, under
// its own base name.
func manifestDest(d *descriptor.Descriptor) string {
	return path.Base(filepath.ToSlash(d.Manifest.Path))
}
