// Package semver resolves base image tags from a version policy and pins
// them to registry digests.
package semver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	mvc "github.com/Masterminds/semver/v3"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// ErrNoMatchingTag is returned when the registry has no tag satisfying the policy.
var ErrNoMatchingTag = errors.New("no matching tag")

type Resolver struct {
	// auth defaults to the standard docker config (~/.docker/config.json)
	auth remote.Option

	// registry access, replaceable in tests
	listTags   func(ctx context.Context, repo name.Repository, opts ...remote.Option) ([]string, error)
	headDigest func(ctx context.Context, ref name.Reference, opts ...remote.Option) (string, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		auth:       remote.WithAuthFromKeychain(authn.DefaultKeychain),
		listTags:   remoteList,
		headDigest: remoteHead,
	}
}

// NewResolverWithAuth uses static registry credentials instead of the
// docker keychain. Empty user falls back to NewResolver.
func NewResolverWithAuth(user, pass string) *Resolver {
	r := NewResolver()
	if user != "" {
		r.auth = remote.WithAuth(&authn.Basic{Username: user, Password: pass})
	}
	return r
}

func remoteList(ctx context.Context, repo name.Repository, opts ...remote.Option) ([]string, error) {
	return remote.List(repo, append(opts, remote.WithContext(ctx))...)
}

func remoteHead(ctx context.Context, ref name.Reference, opts ...remote.Option) (string, error) {
	desc, err := remote.Head(ref, append(opts, remote.WithContext(ctx))...)
	if err != nil {
		return "", err
	}
	return desc.Digest.String(), nil
}

// Resolve returns the best matching image tag based on the provided policy.
// image: "python:3.12-slim"
// policy: "~3.12" or "3.12.x"
// variant: "slim" restricts candidates to tags ending in "-slim"
// Returns: "index.docker.io/library/python:3.12.7-slim" (if 3.12.7 is latest)
func (r *Resolver) Resolve(ctx context.Context, image, policy, variant string) (string, error) {
	constraint, err := parseConstraint(policy)
	if err != nil {
		return "", err
	}
	repo, err := parseRepo(image)
	if err != nil {
		return "", err
	}

	tags, err := r.listTags(ctx, repo, r.auth)
	if err != nil {
		return "", fmt.Errorf("failed to list tags for %s: %w", repo.Name(), err)
	}

	tag, err := selectHighestTag(filterVariant(tags, variant), constraint)
	if err != nil {
		return "", fmt.Errorf("%w: policy %q for %s", err, policy, repo.Name())
	}
	if variant != "" {
		tag += "-" + variant
	}
	return fmt.Sprintf("%s:%s", repo.Name(), tag), nil
}

// PinDigest rewrites image to repo@sha256:... using the digest the registry
// currently serves for it.
func (r *Resolver) PinDigest(ctx context.Context, image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	if d, ok := ref.(name.Digest); ok {
		return d.String(), nil
	}
	raw, err := r.headDigest(ctx, ref, r.auth)
	if err != nil {
		return "", fmt.Errorf("failed to fetch digest for %s: %w", image, err)
	}
	dgst, err := digest.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("registry returned invalid digest %q: %w", raw, err)
	}
	return fmt.Sprintf("%s@%s", ref.Context().Name(), dgst), nil
}

func parseConstraint(policy string) (*mvc.Constraints, error) {
	c, err := mvc.NewConstraint(policy)
	if err != nil {
		return nil, fmt.Errorf("invalid semver policy %q: %w", policy, err)
	}
	return c, nil
}

func parseRepo(image string) (name.Repository, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return name.Repository{}, fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	return ref.Context(), nil
}

// filterVariant keeps tags carrying the "-variant" suffix and strips it so
// the remainder parses as a version. With no variant, tags are returned as is.
func filterVariant(tags []string, variant string) []string {
	if variant == "" {
		return tags
	}
	suffix := "-" + variant
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if base, ok := strings.CutSuffix(t, suffix); ok && base != "" {
			out = append(out, base)
		}
	}
	return out
}

// selectHighestTag returns the original spelling of the highest tag that
// satisfies c. Non-semver tags such as "latest" are skipped.
func selectHighestTag(tags []string, c *mvc.Constraints) (string, error) {
	var versions []*mvc.Version
	// preserves 'v' prefix if present
	originalTags := make(map[string]string)

	for _, t := range tags {
		v, err := mvc.NewVersion(t)
		if err != nil {
			continue
		}
		if c.Check(v) {
			versions = append(versions, v)
			originalTags[v.Original()] = t
		}
	}
	if len(versions) == 0 {
		return "", ErrNoMatchingTag
	}

	sort.Sort(mvc.Collection(versions))
	highest := versions[len(versions)-1]
	if tag := originalTags[highest.Original()]; tag != "" {
		return tag, nil
	}
	return highest.Original(), nil
}
