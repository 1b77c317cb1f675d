// Package hash computes deterministic content digests over canonicalized
// filesystem trees. A digest is a pure function of the relative paths,
// entry types, permission bits, file contents and symlink targets of all
// non-excluded entries, independent of traversal order and of whether the
// tree was read from a tar stream or from disk.
package hash

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Entry types incorporated into the digest.
const (
	TypeFile    = 'f'
	TypeDir     = 'd'
	TypeSymlink = 'l'
	TypeLink    = 'h' // hardlink, digested by link target like a symlink
	TypeOther   = 'o' // device nodes, fifos, sockets
)

// UnreadableEntryError aborts a hash run: a file that cannot be read is a
// tamper vector, never something to skip silently.
type UnreadableEntryError struct {
	Path string
	Err  error
}

func (e *UnreadableEntryError) Error() string {
	return fmt.Sprintf("unreadable entry %q: %v", e.Path, e.Err)
}

func (e *UnreadableEntryError) Unwrap() error { return e.Err }

// Rules is the exclusion set for a hash run. Patterns are matched against
// canonical relative paths (forward slashes, no leading "./" or "/"):
// a pattern excludes an entry when it names the entry itself, names an
// ancestor directory, or glob-matches the full path or its base name.
//
// Digests are only comparable between runs that used identical rules.
type Rules struct {
	Exclude []string
}

// Excluded reports whether the canonical relative path rel is excluded.
func (r Rules) Excluded(rel string) bool {
	for _, raw := range r.Exclude {
		pattern := canonical(raw)
		if pattern == "" {
			continue
		}
		if rel == pattern || strings.HasPrefix(rel, pattern+"/") {
			return true
		}
		if ok, err := path.Match(pattern, rel); err == nil && ok {
			return true
		}
		if ok, err := path.Match(pattern, path.Base(rel)); err == nil && ok {
			return true
		}
	}
	return false
}

// Entry is one canonicalized filesystem entry.
type Entry struct {
	Path   string
	Type   byte
	Mode   int64  // permission bits only
	Target string // symlink or hardlink target
	Digest string // hex sha256 of content; empty unless Type == TypeFile
}

// Manifest is the per-path digest listing of one hash run. It supports
// post-incident forensics; the aggregate Sum is the source of truth for
// match/no-match decisions.
type Manifest []Entry

// Sum finalizes the manifest to a single digest. Entries are incorporated
// in lexicographic path order regardless of how they were collected.
func (m Manifest) Sum() string {
	sorted := make(Manifest, len(m))
	copy(sorted, m)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s\x00%c\x00%04o\x00%s\x00%s\n", e.Path, e.Type, e.Mode, e.Target, e.Digest)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Tar reads a tar stream (the container runtime's export format) and
// collects the manifest of all non-excluded entries.
func Tar(r io.Reader, rules Rules) (Manifest, error) {
	tr := tar.NewReader(r)
	var m Manifest
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return m, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		rel := canonical(hdr.Name)
		if rel == "" || rules.Excluded(rel) {
			continue
		}

		e := Entry{
			Path: rel,
			Mode: int64(hdr.FileInfo().Mode().Perm()),
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			e.Type = TypeFile
			sum := sha256.New()
			if _, err := io.Copy(sum, tr); err != nil {
				return nil, &UnreadableEntryError{Path: rel, Err: err}
			}
			e.Digest = hex.EncodeToString(sum.Sum(nil))
		case tar.TypeDir:
			e.Type = TypeDir
		case tar.TypeSymlink:
			e.Type = TypeSymlink
			e.Target = hdr.Linkname
		case tar.TypeLink:
			e.Type = TypeLink
			e.Target = canonical(hdr.Linkname)
		default:
			e.Type = TypeOther
		}
		m = append(m, e)
	}
}

// Dir walks an on-disk tree rooted at root and collects the manifest of
// all non-excluded entries. Equivalent trees yield the same manifest from
// Dir and Tar.
func Dir(root string, rules Rules) (Manifest, error) {
	var m Manifest
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &UnreadableEntryError{Path: p, Err: err}
		}
		relNative, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel := canonical(filepath.ToSlash(relNative))
		if rel == "" {
			return nil // root itself
		}
		if rules.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return &UnreadableEntryError{Path: rel, Err: err}
		}
		e := Entry{
			Path: rel,
			Mode: int64(info.Mode().Perm()),
		}
		switch {
		case info.Mode().IsRegular():
			e.Type = TypeFile
			digest, err := fileDigest(p)
			if err != nil {
				return &UnreadableEntryError{Path: rel, Err: err}
			}
			e.Digest = digest
		case info.IsDir():
			e.Type = TypeDir
		case info.Mode()&fs.ModeSymlink != 0:
			e.Type = TypeSymlink
			target, err := os.Readlink(p)
			if err != nil {
				return &UnreadableEntryError{Path: rel, Err: err}
			}
			e.Target = target
		default:
			e.Type = TypeOther
		}
		m = append(m, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func fileDigest(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// canonical normalizes a path for digesting: forward slashes, no leading
// "./" or "/", no trailing "/". Returns "" for the tree root.
func canonical(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return p
}
