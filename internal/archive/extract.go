// Package archive extracts skill-pack tarballs with strict path safety.
// Any entry that would land outside the target directory refuses the
// whole extraction, so a hostile archive leaves nothing behind.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafeEntry is wrapped by every path-safety refusal.
var ErrUnsafeEntry = errors.New("unsafe archive entry")

// Options tunes extraction.
type Options struct {
	// StripComponents drops the leading N path elements of every entry,
	// the way GitHub release tarballs nest everything under one root.
	StripComponents int
	// MaxFileBytes caps any single extracted file. Zero means 100MB.
	MaxFileBytes int64
}

const defaultMaxFileBytes = 100 << 20

// ExtractTarGz unpacks a gzipped tarball into targetDir. Symlink and
// hardlink entries are refused outright; so is any path that escapes
// the target or still traverses upward after stripping.
func ExtractTarGz(r io.Reader, targetDir string, opts Options) error {
	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}

	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve target dir: %w", err)
	}
	if err := os.MkdirAll(absTarget, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: %q is a link entry", ErrUnsafeEntry, hdr.Name)
		case tar.TypeDir, tar.TypeReg:
		default:
			// Char devices, fifos and the rest have no business in a
			// skill pack.
			return fmt.Errorf("%w: %q has unsupported type %d", ErrUnsafeEntry, hdr.Name, hdr.Typeflag)
		}

		rel, ok := safeRelPath(hdr.Name, opts.StripComponents)
		if !ok {
			return fmt.Errorf("%w: %q escapes the target directory", ErrUnsafeEntry, hdr.Name)
		}
		if rel == "" {
			continue
		}

		dest := filepath.Join(absTarget, filepath.FromSlash(rel))
		// Join cleans the path; a result outside the target means the
		// entry smuggled a traversal past the relative check.
		if dest != absTarget && !strings.HasPrefix(dest, absTarget+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %q resolves outside the target", ErrUnsafeEntry, hdr.Name)
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", rel, err)
			}
			continue
		}

		if hdr.Size > maxBytes {
			return fmt.Errorf("entry %q too large: %d bytes", hdr.Name, hdr.Size)
		}
		if err := writeFile(dest, tr, maxBytes, hdr.FileInfo().Mode().Perm()); err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
	}
}

// safeRelPath normalizes one entry name, strips leading components, and
// rejects anything absolute or still pointing upward afterward. The
// stripping happens before the traversal check on purpose: "a/../../x"
// with one stripped component is "../x" and must be refused, not
// silently cleaned.
func safeRelPath(name string, strip int) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", false
	}

	parts := strings.Split(name, "/")
	if strip > 0 {
		if len(parts) <= strip {
			// Entry entirely consumed by stripping (the wrapper dir).
			if path.Clean(name) == ".." || strings.HasPrefix(path.Clean(name), "../") {
				return "", false
			}
			return "", true
		}
		parts = parts[strip:]
	}

	cleaned := path.Clean(strings.Join(parts, "/"))
	if cleaned == "." {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

func writeFile(dest string, r io.Reader, maxBytes int64, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	written, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	if written > maxBytes {
		os.Remove(dest)
		return fmt.Errorf("file exceeds size cap during extraction")
	}
	return nil
}
