package build

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/StevenMolina22/events-api/internal/descriptor"
	"github.com/StevenMolina22/events-api/internal/docker"
	"github.com/StevenMolina22/events-api/internal/logging"
	"github.com/StevenMolina22/events-api/internal/metrics"
	"github.com/StevenMolina22/events-api/internal/state"
)

// Engine is the container engine a build runs against. docker.Client
// satisfies it.
type Engine interface {
	PullImage(ctx context.Context, image string) (string, string, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	RunStep(ctx context.Context, parent, command string) (string, error)
	CopyTar(ctx context.Context, parent string, content io.Reader) (string, error)
	Configure(ctx context.Context, parent string, cfg docker.ImageConfig) (string, error)
	TagImage(ctx context.Context, imageID, tag string) error
}

// BaseResolver turns a version policy into a concrete base reference.
type BaseResolver interface {
	Resolve(ctx context.Context, image, policy, variant string) (string, error)
	PinDigest(ctx context.Context, image string) (string, error)
}

// Notifier receives the outcome of every build.
type Notifier interface {
	Notify(ctx context.Context, success bool, title, message string) bool
}

// Options controls a single build.
type Options struct {
	Tag     string // overrides the descriptor tag
	NoCache bool
}

// LayerResult records how a planned layer was obtained.
type LayerResult struct {
	Layer
	ImageID  string        `json:"image_id"`
	Cached   bool          `json:"cached"`
	Duration time.Duration `json:"duration"`
}

// Result describes a successful build.
type Result struct {
	ImageID string        `json:"image_id"`
	Tag     string        `json:"tag"`
	Base    string        `json:"base"`
	Layers  []LayerResult `json:"layers"`
}

// CachedLayers counts layers reused from the cache.
func (r *Result) CachedLayers() int {
	n := 0
	for _, l := range r.Layers {
		if l.Cached {
			n++
		}
	}
	return n
}

// Builder executes plans. It is safe to reuse across builds.
type Builder struct {
	engine   Engine
	store    *state.Store
	resolver BaseResolver
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithResolver enables base image version policies and digest pinning.
func WithResolver(r BaseResolver) Option { return func(b *Builder) { b.resolver = r } }

// WithNotifier reports build outcomes.
func WithNotifier(n Notifier) Option { return func(b *Builder) { b.notifier = n } }

func NewBuilder(engine Engine, store *state.Store, opts ...Option) *Builder {
	b := &Builder{
		engine: engine,
		store:  store,
		log:    logging.Component("build"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build runs every step of d in order. The first failure stops the build
// and is returned as a *StepError; the output tag is applied only after
// every step succeeded.
func (b *Builder) Build(ctx context.Context, d *descriptor.Descriptor, opts Options) (*Result, error) {
	res, err := b.build(ctx, d, opts)
	b.report(ctx, d, res, err)
	return res, err
}

func (b *Builder) build(ctx context.Context, d *descriptor.Descriptor, opts Options) (*Result, error) {
	in, err := Prepare(d)
	if err != nil {
		return nil, err
	}
	tag := d.Tag
	if opts.Tag != "" {
		tag = opts.Tag
	}

	// base
	start := b.now()
	ref, err := b.resolveBase(ctx, d.Base)
	if err != nil {
		return nil, &StepError{Index: 1, Kind: KindBase, Err: err}
	}
	baseID, _, err := b.engine.PullImage(ctx, ref)
	if err != nil {
		return nil, &StepError{Index: 1, Kind: KindBase, Err: err}
	}
	in.BaseRef, in.BaseID = ref, baseID

	plan := NewPlan(d, in)
	plan.Tag = tag
	b.log.Info().Str("base", ref).Int("steps", len(plan.Layers)).Str("tag", tag).Msg("executing build plan")

	res := &Result{Tag: tag, Base: ref}
	res.Layers = append(res.Layers, LayerResult{Layer: plan.Layers[0], ImageID: baseID, Duration: b.now().Sub(start)})

	parent := baseID
	for _, layer := range plan.Layers[1:] {
		if err := ctx.Err(); err != nil {
			return nil, &StepError{Index: layer.Index, Kind: layer.Kind, Err: err}
		}
		lr, err := b.runLayer(ctx, d, in, layer, parent, opts.NoCache)
		if err != nil {
			b.log.Error().Err(err).Int("step", layer.Index).Str("kind", string(layer.Kind)).Msg("build step failed")
			return nil, &StepError{Index: layer.Index, Kind: layer.Kind, Err: err}
		}
		res.Layers = append(res.Layers, lr)
		parent = lr.ImageID
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("build cancelled before tagging: %w", err)
	}
	if err := b.engine.TagImage(ctx, parent, tag); err != nil {
		return nil, err
	}
	res.ImageID = parent
	b.log.Info().Str("image", parent).Str("tag", tag).Int("cached", res.CachedLayers()).Msg("build complete")
	return res, nil
}

func (b *Builder) resolveBase(ctx context.Context, base descriptor.Base) (string, error) {
	ref := base.Image
	if base.Policy == "" && !base.PinDigest {
		return ref, nil
	}
	if b.resolver == nil {
		return "", fmt.Errorf("base image %s needs registry access but no resolver is configured", ref)
	}
	if base.Policy != "" {
		resolved, err := b.resolver.Resolve(ctx, ref, base.Policy, base.Variant)
		if err != nil {
			return "", err
		}
		b.log.Info().Str("image", ref).Str("policy", base.Policy).Str("resolved", resolved).Msg("resolved base image")
		ref = resolved
	}
	if base.PinDigest {
		pinned, err := b.resolver.PinDigest(ctx, ref)
		if err != nil {
			return "", err
		}
		ref = pinned
	}
	return ref, nil
}

// runLayer reuses a cached layer when its record and image both still
// exist, otherwise executes the step and records the result.
func (b *Builder) runLayer(ctx context.Context, d *descriptor.Descriptor, in *Inputs, layer Layer, parent string, noCache bool) (LayerResult, error) {
	lr := LayerResult{Layer: layer}
	log := b.log.With().Int("step", layer.Index).Str("kind", string(layer.Kind)).Str("key", layer.Key.String()).Logger()

	if !noCache {
		if id, ok := b.lookup(ctx, layer); ok {
			log.Info().Str("image", id).Msg("using cached layer")
			metrics.IncLayerCacheHit(string(layer.Kind))
			lr.ImageID, lr.Cached = id, true
			return lr, nil
		}
	}
	metrics.IncLayerCacheMiss(string(layer.Kind))

	start := b.now()
	log.Info().Msg("executing step")
	id, err := b.execute(ctx, d, in, layer, parent)
	if err != nil {
		return lr, err
	}
	lr.ImageID, lr.Duration = id, b.now().Sub(start)
	metrics.ObserveStepDuration(string(layer.Kind), lr.Duration)

	rec := state.LayerRecord{Key: layer.Key.String(), ImageID: id, Step: string(layer.Kind), CreatedAt: b.now().UTC()}
	if err := b.store.Put(rec); err != nil {
		log.Warn().Err(err).Msg("failed to record layer in cache index")
	}
	return lr, nil
}

func (b *Builder) lookup(ctx context.Context, layer Layer) (string, bool) {
	rec, ok, err := b.store.Get(layer.Key.String())
	if err != nil {
		b.log.Warn().Err(err).Msg("layer cache index unreadable; executing step")
		return "", false
	}
	if !ok {
		return "", false
	}
	exists, err := b.engine.ImageExists(ctx, rec.ImageID)
	if err != nil || !exists {
		// stale record; the image was pruned
		_ = b.store.Remove(rec.Key)
		return "", false
	}
	return rec.ImageID, true
}

func (b *Builder) execute(ctx context.Context, d *descriptor.Descriptor, in *Inputs, layer Layer, parent string) (string, error) {
	switch layer.Kind {
	case KindEnv:
		return b.engine.Configure(ctx, parent, docker.ImageConfig{Env: d.EnvList(), WorkingDir: d.Source.Workdir})
	case KindToolchain:
		return b.engine.RunStep(ctx, parent, d.ToolchainCommand())
	case KindManifest:
		src := filepath.Join(d.Source.Context, filepath.FromSlash(d.Manifest.Path))
		return b.copy(ctx, parent, func(w io.Writer) error {
			return writeFileTar(w, src, d.Source.Workdir, manifestDest(d))
		})
	case KindDependencies:
		return b.engine.RunStep(ctx, parent, d.Manifest.Install)
	case KindSource:
		return b.copy(ctx, parent, func(w io.Writer) error {
			return in.Tree.WriteTar(w, d.Source.Workdir)
		})
	case KindLaunch:
		return b.engine.Configure(ctx, parent, docker.ImageConfig{ExposedPorts: []string{d.PortSpec()}, Cmd: d.Command})
	default:
		return "", fmt.Errorf("unknown step kind %q", layer.Kind)
	}
}

// copy streams a tar produced by write into the engine through a pipe.
func (b *Builder) copy(ctx context.Context, parent string, write func(io.Writer) error) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(write(pw))
	}()
	id, err := b.engine.CopyTar(ctx, parent, pr)
	pr.CloseWithError(err)
	if err != nil {
		return "", fmt.Errorf("copy: %w", err)
	}
	return id, nil
}

func (b *Builder) report(ctx context.Context, d *descriptor.Descriptor, res *Result, err error) {
	metrics.IncBuild(err == nil, b.now())
	if b.notifier == nil {
		return
	}
	// a cancelled build is still reported
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		b.notifier.Notify(ctx, false, fmt.Sprintf("Build failed: %s", d.Name), err.Error())
		return
	}
	b.notifier.Notify(ctx, true, fmt.Sprintf("Build succeeded: %s", d.Name),
		fmt.Sprintf("%s -> %s (%d/%d layers cached)", res.Tag, res.ImageID, res.CachedLayers(), len(res.Layers)))
}
