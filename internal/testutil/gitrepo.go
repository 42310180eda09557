// Package testutil builds throwaway git remotes for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when git is not installed
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// NewRemote creates a bare repository whose main branch contains files and
// returns its path, usable as a clone URL.
func NewRemote(t *testing.T, files map[string]string) string {
	t.Helper()
	RequireGit(t)

	root := t.TempDir()
	work := filepath.Join(root, "seed")
	bare := filepath.Join(root, "remote.git")

	Git(t, root, "init", "--bare", "--initial-branch=main", bare)
	Git(t, root, "init", "--initial-branch=main", work)

	if len(files) == 0 {
		files = map[string]string{"README.md": "# seed\n"}
	}
	for name, content := range files {
		path := filepath.Join(work, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	Git(t, work, "add", ".")
	Git(t, work, "-c", "user.name=Seed", "-c", "user.email=seed@test", "commit", "-m", "seed")
	Git(t, work, "remote", "add", "origin", bare)
	Git(t, work, "push", "origin", "main")
	return bare
}

// Git runs git in dir and fails the test on error
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// RemoteRef returns the commit a ref points at in a bare remote, or "" if it does not exist
func RemoteRef(t *testing.T, bare, ref string) string {
	t.Helper()
	cmd := exec.Command("git", "--git-dir", bare, "rev-parse", "--verify", "--quiet", ref)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// DenyPushes installs a pre-receive hook in a bare remote that rejects every push
func DenyPushes(t *testing.T, bare string) {
	t.Helper()
	hook := filepath.Join(bare, "hooks", "pre-receive")
	if err := os.WriteFile(hook, []byte("#!/bin/sh\necho 'push denied by policy' >&2\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}
}
