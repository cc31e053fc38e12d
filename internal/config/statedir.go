package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDir resolves the durable state directory:
//
//	$OPENCLAW_STATE_DIR
//	$OPENCLAW_HOME/.openclaw
//	$HOME/.openclaw
//	$TMPDIR/openclaw-<uid> (guarded fallback)
//
// The tmp fallback is only accepted when the directory is owned by the
// current uid, is not a symlink, and is not group/other-writable. A foreign
// or symlinked tmp dir is removed and recreated.
func StateDir() (string, error) {
	if v := os.Getenv("OPENCLAW_STATE_DIR"); v != "" {
		return ensureStateDir(v, false)
	}
	if v := os.Getenv("OPENCLAW_HOME"); v != "" {
		return ensureStateDir(filepath.Join(v, ".openclaw"), false)
	}
	if v := os.Getenv("HOME"); v != "" {
		return ensureStateDir(filepath.Join(v, ".openclaw"), false)
	}

	tmp := os.TempDir()
	dir := filepath.Join(tmp, fmt.Sprintf("openclaw-%d", os.Getuid()))
	return ensureStateDir(dir, true)
}

// ensureStateDir creates dir with 0700 and, for the tmp fallback, refuses
// symlinks, foreign owners, and loose permissions.
func ensureStateDir(dir string, guarded bool) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if !guarded {
		return dir, nil
	}

	info, err := os.Lstat(dir)
	if err != nil {
		return "", fmt.Errorf("stat state dir: %w", err)
	}

	// A symlinked or badly-permissioned tmp dir could hand our state to
	// another local user. Replace it with a fresh private directory.
	bad := info.Mode()&os.ModeSymlink != 0 ||
		info.Mode().Perm()&0o077 != 0 ||
		!ownedByCurrentUser(info)
	if bad {
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("replace untrusted state dir %s: %w", dir, err)
		}
		if err := os.Mkdir(dir, 0o700); err != nil {
			return "", fmt.Errorf("recreate state dir: %w", err)
		}
	}
	return dir, nil
}

// SessionsPath returns the per-agent session store path inside the state dir.
func SessionsPath(stateDir, agentID string) string {
	return filepath.Join(stateDir, "sessions", agentID+".json")
}

// CronPath returns the per-agent cron store path.
func CronPath(stateDir, agentID string) string {
	return filepath.Join(stateDir, "cron", agentID+".json")
}

// AuthPath returns the auth profile store path.
func AuthPath(stateDir string) string {
	return filepath.Join(stateDir, "auth.json")
}

// AllowlistPath returns the per-agent exec allowlist path.
func AllowlistPath(stateDir, agentID string) string {
	return filepath.Join(stateDir, "allowlist", agentID+".json")
}

// PairingPath returns the pairing-code store path.
func PairingPath(stateDir string) string {
	return filepath.Join(stateDir, "pairing.json")
}

// ThreadBindingsPath returns the Discord thread binding store path.
func ThreadBindingsPath(stateDir string) string {
	return filepath.Join(stateDir, "thread-bindings.json")
}

// SkillRoot returns the install root for one skill.
func SkillRoot(stateDir, skill string) string {
	return filepath.Join(stateDir, "tools", skill)
}

// UsageDBPath returns the sqlite usage ledger path.
func UsageDBPath(stateDir string) string {
	return filepath.Join(stateDir, "usage.db")
}
