package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParsePinnedManifest(t *testing.T) {
	src := `# web stack
fastapi==0.115.0
uvicorn[standard]==0.30.6   # server

pymongo==4.8.0 ; python_version >= "3.8"
`
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 requirements, got %d", m.Len())
	}
	if m.Requirements[1].Name != "uvicorn" || m.Requirements[1].Extras[0] != "standard" || m.Requirements[1].Version != "0.30.6" {
		t.Fatalf("unexpected uvicorn pin: %+v", m.Requirements[1])
	}
	if m.Requirements[2].Marker != `python_version >= "3.8"` || m.Requirements[2].Line != 5 {
		t.Fatalf("unexpected marker pin: %+v", m.Requirements[2])
	}
	if got := m.Requirements[1].String(); got != "uvicorn[standard]==0.30.6" {
		t.Fatalf("unexpected String(): %s", got)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want error
	}{
		{"unpinned bare", "requests\n", ErrUnpinned},
		{"range", "requests>=2.0\n", ErrUnpinned},
		{"wildcard", "requests==2.*\n", ErrUnpinned},
		{"arbitrary equality", "requests===2.0\n", ErrUnpinned},
		{"option", "-r other.txt\n", ErrInvalidManifest},
		{"bad name", "!!==1.0\n", ErrInvalidManifest},
		{"conflict", "Flask==2.0.0\nflask==3.0.0\n", ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.src))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected error to be an invalid manifest: %v", err)
			}
		})
	}
}

func TestParseHashPinnedContinuations(t *testing.T) {
	src := "fastapi==0.115.0 \\\n" +
		"    --hash=sha256:aaaa \\\n" +
		"    --hash sha256:bbbb\n" +
		"    # via -r requirements.in\n" +
		"uvicorn==0.30.6 --hash=sha256:cccc\n"
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 requirements, got %d", m.Len())
	}
	first := m.Requirements[0]
	if first.Name != "fastapi" || first.Version != "0.115.0" || first.Line != 1 {
		t.Fatalf("unexpected first pin: %+v", first)
	}
	if len(first.Hashes) != 2 || first.Hashes[0] != "sha256:aaaa" || first.Hashes[1] != "sha256:bbbb" {
		t.Fatalf("unexpected hashes: %v", first.Hashes)
	}
	if second := m.Requirements[1]; second.Line != 5 || len(second.Hashes) != 1 {
		t.Fatalf("unexpected second pin: %+v", second)
	}
}

func TestParseRejectsBadOptions(t *testing.T) {
	for _, src := range []string{
		"fastapi==0.115.0 --hash\n",
		"fastapi==0.115.0 --hash=nocolon\n",
		"fastapi==0.115.0 --no-binary :all:\n",
	} {
		if _, err := Parse(strings.NewReader(src)); !errors.Is(err, ErrInvalidManifest) {
			t.Fatalf("%q: expected invalid manifest, got %v", src, err)
		}
	}
}

func TestMarkerSeparatedPinsDoNotConflict(t *testing.T) {
	src := `numpy==1.24.4 ; python_version < "3.9"
numpy==2.1.0 ; python_version >= "3.9"
`
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("pins behind exclusive markers should parse: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected both pins kept, got %d", m.Len())
	}

	same := `numpy==1.24.4 ; python_version < "3.9"
numpy==2.1.0 ;  python_version  < "3.9"
`
	if _, err := Parse(strings.NewReader(same)); !errors.Is(err, ErrConflict) {
		t.Fatalf("same marker with two versions must conflict, got %v", err)
	}
}

func TestDuplicateSamePinIsAccepted(t *testing.T) {
	m, err := Parse(strings.NewReader("my_pkg==1.0\nMy-Pkg==1.0.0\n"))
	if err != nil {
		t.Fatalf("equivalent pins should not conflict: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected duplicate to collapse, got %d", m.Len())
	}
}

func TestDigestTracksContent(t *testing.T) {
	a, _ := Parse(strings.NewReader("fastapi==0.115.0\n"))
	b, _ := Parse(strings.NewReader("fastapi==0.115.0\n"))
	c, _ := Parse(strings.NewReader("fastapi==0.115.1\n"))
	if a.Digest() != b.Digest() {
		t.Fatal("identical manifests must share a digest")
	}
	if a.Digest() == c.Digest() {
		t.Fatal("different manifests must not share a digest")
	}
	if err := a.Digest().Validate(); err != nil {
		t.Fatalf("invalid digest: %v", err)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(path, []byte("uvicorn==0.30.6\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := ParseFile(path)
	if err != nil || m.Len() != 1 {
		t.Fatalf("ParseFile: %v %v", m, err)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
