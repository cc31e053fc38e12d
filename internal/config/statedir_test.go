package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestStateDir_EnvPrecedence(t *testing.T) {
	base := t.TempDir()

	t.Setenv("OPENCLAW_STATE_DIR", filepath.Join(base, "explicit"))
	t.Setenv("OPENCLAW_HOME", filepath.Join(base, "ochome"))
	t.Setenv("HOME", filepath.Join(base, "home"))

	dir, err := StateDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(base, "explicit") {
		t.Errorf("OPENCLAW_STATE_DIR should win, got %q", dir)
	}

	t.Setenv("OPENCLAW_STATE_DIR", "")
	dir, err = StateDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(base, "ochome", ".openclaw") {
		t.Errorf("OPENCLAW_HOME should be second, got %q", dir)
	}

	t.Setenv("OPENCLAW_HOME", "")
	dir, err = StateDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(base, "home", ".openclaw") {
		t.Errorf("HOME should be third, got %q", dir)
	}
}

func TestStateDir_GuardedTmpFallback(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("OPENCLAW_STATE_DIR", "")
	t.Setenv("OPENCLAW_HOME", "")
	t.Setenv("HOME", "")
	t.Setenv("TMPDIR", tmp)

	dir, err := StateDir()
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Lstat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("fallback dir %s is group/other accessible: %v", dir, info.Mode())
	}
}

func TestStateDir_ReplacesLooseTmpDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("OPENCLAW_STATE_DIR", "")
	t.Setenv("OPENCLAW_HOME", "")
	t.Setenv("HOME", "")
	t.Setenv("TMPDIR", tmp)

	loose := filepath.Join(tmp, "openclaw-"+strconv.Itoa(os.Getuid()))
	if err := os.MkdirAll(loose, 0o777); err != nil {
		t.Fatal(err)
	}
	os.Chmod(loose, 0o777)
	if err := os.WriteFile(filepath.Join(loose, "planted"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir, err := StateDir()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "planted")); !os.IsNotExist(err) {
		t.Error("loose tmp dir should have been replaced, planted file survived")
	}
}
