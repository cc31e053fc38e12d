package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildTarGz(t *testing.T, entries []entry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		tf := e.typeflag
		if tf == 0 {
			tf = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: tf,
			Linkname: e.linkname,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}
		if tf == tar.TypeDir {
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if tf == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	buf := buildTarGz(t, []entry{
		{name: "pack/", typeflag: tar.TypeDir},
		{name: "pack/SKILL.md", body: "# skill"},
		{name: "pack/bin/run.sh", body: "echo hi"},
	})

	if err := ExtractTarGz(buf, dir, Options{StripComponents: 1}); err != nil {
		t.Fatalf("extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "# skill" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "bin", "run.sh")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestExtractRefusesTraversal(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
		strip   int
	}{
		{"dotdot entry", []entry{{name: "../x", body: "evil"}}, 0},
		{"nested dotdot", []entry{{name: "a/../../x", body: "evil"}}, 0},
		{"absolute path", []entry{{name: "/etc/passwd", body: "evil"}}, 0},
		{"upward after strip", []entry{{name: "pack/../../x", body: "evil"}}, 1},
		{"symlink entry", []entry{{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc"}}, 0},
		{"hardlink entry", []entry{{name: "link", typeflag: tar.TypeLink, linkname: "../x"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dir := filepath.Join(parent, "target")
			buf := buildTarGz(t, tt.entries)

			err := ExtractTarGz(buf, dir, Options{StripComponents: tt.strip})
			if !errors.Is(err, ErrUnsafeEntry) {
				t.Fatalf("err = %v, want ErrUnsafeEntry", err)
			}
			// Nothing may land outside the target.
			if _, statErr := os.Stat(filepath.Join(parent, "x")); statErr == nil {
				t.Error("traversal produced a file outside the target")
			}
		})
	}
}

func TestExtractRefusesOversizedEntry(t *testing.T) {
	dir := t.TempDir()
	buf := buildTarGz(t, []entry{{name: "big.bin", body: "0123456789"}})

	err := ExtractTarGz(buf, dir, Options{MaxFileBytes: 4})
	if err == nil {
		t.Fatal("oversized entry should refuse extraction")
	}
}

func TestSafeRelPath(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		strip  int
		want   string
		wantOK bool
	}{
		{"plain", "a/b.txt", 0, "a/b.txt", true},
		{"strip one", "root/a/b.txt", 1, "a/b.txt", true},
		{"wrapper dir consumed", "root/", 1, "", true},
		{"dotdot", "../x", 0, "", false},
		{"dotdot after strip", "root/../../x", 1, "", false},
		{"absolute", "/x", 0, "", false},
		{"backslashes", "a\\..\\..\\x", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := safeRelPath(tt.in, tt.strip)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("safeRelPath(%q, %d) = (%q, %v), want (%q, %v)",
					tt.in, tt.strip, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
