package build

import (
	"archive/tar"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

var unixEpoch = time.Unix(0, 0)

// Tree is the application source tree copied by the source step.
type Tree struct {
	Root   string
	Files  []string // slash-separated, relative to Root, sorted
	Digest digest.Digest
}

// ScanTree walks root, drops paths matching ignore and hashes what is left.
// Only path, permission bits and content feed the digest; timestamps and
// ownership do not.
func ScanTree(root string, ignore []string) (*Tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingContext, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrMissingContext, root)
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ignored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() || d.Type()&fs.ModeSymlink != 0 {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan source tree: %w", err)
	}
	sort.Strings(files)

	dgst, err := hashFiles(root, files)
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root, Files: files, Digest: dgst}, nil
}

// ignored matches rel, its base name and each of its parent directories
// against the patterns.
func ignored(rel string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimSuffix(strings.TrimPrefix(filepath.ToSlash(p), "./"), "/")
		if p == "" {
			continue
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if ok, _ := path.Match(p, path.Base(rel)); ok {
			return true
		}
		if strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// writeField writes a length-prefixed field so adjacent fields can never
// run together.
func writeField(w io.Writer, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(data)
}

func hashFiles(root string, files []string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()
	writeField(h, []byte(fmt.Sprintf("%d", len(files))))
	for _, rel := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Lstat(full)
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", rel, err)
		}
		writeField(h, []byte(rel))
		writeField(h, []byte(info.Mode().String()))
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(full)
			if err != nil {
				return "", fmt.Errorf("hash %s: %w", rel, err)
			}
			writeField(h, []byte(target))
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", rel, err)
		}
		writeField(h, data)
	}
	return d.Digest(), nil
}

// archiveName maps a tree path under the image working directory to a
// tar entry name extracted at /.
func archiveName(workdir, rel string) string {
	return strings.TrimPrefix(path.Join(workdir, rel), "/")
}

// WriteTar streams the tree as a tar rooted at workdir. Headers are
// normalized (root ownership, zero mtime) so identical trees produce
// identical archives.
func (t *Tree) WriteTar(w io.Writer, workdir string) error {
	tw := tar.NewWriter(w)
	if err := writeDirHeaders(tw, workdir, t.Files); err != nil {
		return err
	}
	for _, rel := range t.Files {
		if err := writeTreeEntry(tw, filepath.Join(t.Root, filepath.FromSlash(rel)), archiveName(workdir, rel)); err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
	}
	return tw.Close()
}

// writeDirHeaders emits one entry per directory, parents first.
func writeDirHeaders(tw *tar.Writer, workdir string, files []string) error {
	dirs := map[string]bool{}
	add := func(d string) {
		for d != "." && d != "/" && d != "" {
			dirs[d] = true
			d = path.Dir(d)
		}
	}
	add(strings.TrimPrefix(path.Clean(workdir), "/"))
	for _, rel := range files {
		add(path.Dir(archiveName(workdir, rel)))
	}
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	for _, d := range sorted {
		hdr := &tar.Header{Typeflag: tar.TypeDir, Name: d + "/", Mode: 0o755, ModTime: unixEpoch, Format: tar.FormatPAX}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
	}
	return nil
}

func writeTreeEntry(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Lstat(hostPath)
	if err != nil {
		return err
	}
	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	normalizeHeader(hdr, name)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

func normalizeHeader(hdr *tar.Header, name string) {
	hdr.Name = name
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.ModTime = unixEpoch
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	hdr.Format = tar.FormatPAX
}

// writeFileTar archives a single host file as name.
func writeFileTar(w io.Writer, hostPath, workdir, rel string) error {
	tw := tar.NewWriter(w)
	if err := writeDirHeaders(tw, workdir, []string{rel}); err != nil {
		return err
	}
	if err := writeTreeEntry(tw, hostPath, archiveName(workdir, rel)); err != nil {
		return err
	}
	return tw.Close()
}
