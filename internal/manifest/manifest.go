// Package manifest parses pinned dependency manifests (requirements-style,
// one name==version per line).
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	mvc "github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
)

var (
	// ErrInvalidManifest marks any manifest that cannot be installed reproducibly.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrUnpinned is returned for a requirement without an exact version.
	ErrUnpinned = errors.New("requirement is not pinned")
	// ErrConflict is returned when one package is pinned to two versions.
	ErrConflict = errors.New("conflicting pins")
)

// Requirement is a single exact pin.
type Requirement struct {
	Name    string // as written
	Extras  []string
	Version string
	Marker  string   // environment marker after ';', if any
	Hashes  []string // --hash values, e.g. "sha256:..."
	Line    int      // first physical line of the requirement
}

// Key returns the normalized package name.
func (r Requirement) Key() string { return normalizeName(r.Name) }

// pinKey identifies a pin for conflict detection. Pins behind different
// environment markers never install together, so they do not conflict.
func (r Requirement) pinKey() string {
	return r.Key() + ";" + strings.Join(strings.Fields(r.Marker), " ")
}

func (r Requirement) String() string {
	s := r.Name
	if len(r.Extras) > 0 {
		s += "[" + strings.Join(r.Extras, ",") + "]"
	}
	s += "==" + r.Version
	if r.Marker != "" {
		s += "; " + r.Marker
	}
	return s
}

// Manifest is an ordered, immutable list of pins plus the raw bytes they
// were parsed from.
type Manifest struct {
	Requirements []Requirement
	raw          []byte
}

// Digest is the content digest of the manifest file. It keys the
// dependency-install layer.
func (m *Manifest) Digest() digest.Digest { return digest.FromBytes(m.raw) }

// Len returns the number of distinct requirements.
func (m *Manifest) Len() int { return len(m.Requirements) }

var (
	namePattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(?:\[([A-Za-z0-9._,\s-]+)\])?$`)
	nameNorm    = regexp.MustCompile(`[-_.]+`)
	// optionStart finds the first per-requirement option, e.g. " --hash=".
	optionStart = regexp.MustCompile(`\s-{1,2}[A-Za-z]`)
)

func normalizeName(n string) string {
	return nameNorm.ReplaceAllString(strings.ToLower(n), "-")
}

// ParseFile reads and parses the manifest at path.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse reads a manifest. Blank lines and '#' comments are ignored and a
// trailing backslash continues a line. Every other line must be an exact
// pin; the first offending line fails the parse.
func Parse(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m := &Manifest{raw: data}
	seen := make(map[string]Requirement)

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo, start := 0, 0
	var logical strings.Builder
	flush := func() error {
		line := stripComment(logical.String())
		logical.Reset()
		if line == "" {
			return nil
		}
		req, err := parseLine(line, start)
		if err != nil {
			return err
		}
		if prev, ok := seen[req.pinKey()]; ok {
			if !sameVersion(prev.Version, req.Version) {
				return fmt.Errorf("%w: %w: %s pinned to %s (line %d) and %s (line %d)",
					ErrInvalidManifest, ErrConflict, req.Name, prev.Version, prev.Line, req.Version, req.Line)
			}
			return nil
		}
		seen[req.pinKey()] = req
		m.Requirements = append(m.Requirements, req)
		return nil
	}
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if logical.Len() == 0 {
			start = lineNo
		}
		if trimmed := strings.TrimRight(text, " \t"); strings.HasSuffix(trimmed, "\\") {
			logical.WriteString(strings.TrimSuffix(trimmed, "\\"))
			logical.WriteByte(' ')
			continue
		}
		logical.WriteString(text)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	// a dangling continuation on the last line
	if err := flush(); err != nil {
		return nil, err
	}
	return m, nil
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func parseLine(line string, lineNo int) (Requirement, error) {
	if strings.HasPrefix(line, "-") {
		return Requirement{}, fmt.Errorf("%w: line %d: unsupported option %q", ErrInvalidManifest, lineNo, line)
	}

	req := Requirement{Line: lineNo}
	if loc := optionStart.FindStringIndex(line); loc != nil {
		hashes, err := parseOptions(line[loc[0]:], lineNo)
		if err != nil {
			return Requirement{}, err
		}
		req.Hashes = hashes
		line = strings.TrimSpace(line[:loc[0]])
	}
	if spec, marker, ok := strings.Cut(line, ";"); ok {
		line = strings.TrimSpace(spec)
		req.Marker = strings.TrimSpace(marker)
	}

	name, version, ok := strings.Cut(line, "==")
	if !ok || strings.HasPrefix(version, "=") {
		return Requirement{}, fmt.Errorf("%w: %w: line %d: %q", ErrInvalidManifest, ErrUnpinned, lineNo, line)
	}
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)

	match := namePattern.FindStringSubmatch(name)
	if match == nil {
		return Requirement{}, fmt.Errorf("%w: line %d: bad package name %q", ErrInvalidManifest, lineNo, name)
	}
	if version == "" || strings.ContainsAny(version, "*<>=!~, ") {
		return Requirement{}, fmt.Errorf("%w: %w: line %d: %q", ErrInvalidManifest, ErrUnpinned, lineNo, line)
	}

	req.Name = match[1]
	req.Version = version
	if match[2] != "" {
		for _, e := range strings.Split(match[2], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
	}
	return req, nil
}

// parseOptions accepts the --hash options pip allows after a requirement.
func parseOptions(opts string, lineNo int) ([]string, error) {
	var hashes []string
	fields := strings.Fields(opts)
	for i := 0; i < len(fields); i++ {
		name, val, inline := strings.Cut(fields[i], "=")
		if name != "--hash" {
			return nil, fmt.Errorf("%w: line %d: unsupported option %q", ErrInvalidManifest, lineNo, fields[i])
		}
		if !inline {
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("%w: line %d: --hash needs a value", ErrInvalidManifest, lineNo)
			}
			i++
			val = fields[i]
		}
		if algo, sum, ok := strings.Cut(val, ":"); !ok || algo == "" || sum == "" {
			return nil, fmt.Errorf("%w: line %d: bad hash %q", ErrInvalidManifest, lineNo, val)
		}
		hashes = append(hashes, val)
	}
	return hashes, nil
}

// sameVersion treats "1.0" and "1.0.0" as equal when both parse as semver.
func sameVersion(a, b string) bool {
	if a == b {
		return true
	}
	va, errA := mvc.NewVersion(a)
	vb, errB := mvc.NewVersion(b)
	if errA != nil || errB != nil {
		return false
	}
	return va.Equal(vb)
}
