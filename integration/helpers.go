//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// repoRoot returns the module root
func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Dir(filepath.Dir(filename))
}

// binaryPath builds heal-orch once per test binary and returns its path
func binaryPath(t *testing.T) string {
	t.Helper()
	root := repoRoot(t)
	bin := filepath.Join(root, "heal-orch")
	if _, err := os.Stat(bin); err == nil {
		return bin
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/heal-orch")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	return bin
}

// testEnv is an isolated config, secrets file, database and work dir
type testEnv struct {
	ConfigPath  string
	SecretsPath string
	DBPath      string
	WorkDir     string
}

// newTestEnv writes a config that runs tests as unisolated subprocesses
// and never talks to a CI provider.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		ConfigPath:  filepath.Join(dir, "config.toml"),
		SecretsPath: filepath.Join(dir, "secrets.env"),
		DBPath:      filepath.Join(dir, "runs.db"),
		WorkDir:     filepath.Join(dir, "checkouts"),
	}

	config := `[general]
work_dir = "` + env.WorkDir + `"
database_path = "` + env.DBPath + `"
persist_runs = true
retry_budget = 3
log_level = "warn"

[sandbox]
mode = "subprocess"
allow_unisolated = true
timeout = "30s"

[completion]
base_url = "http://127.0.0.1:1/v1"
model = "integration-model"

[ci]
provider = "none"

[web]
port = 18080
host = "127.0.0.1"

[secrets]
env_file = "` + env.SecretsPath + `"
watch = false
`
	if err := os.WriteFile(env.ConfigPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// heal runs the binary with the env's config and returns combined output
func (e testEnv) heal(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append(args, "--config", e.ConfigPath)...)
	cmd.Env = append(os.Environ(), "GITHUB_PAT=", "GITHUB_TOKEN=", "COMPLETION_API_KEY=", "NVIDIA_API_KEY=", "OPENAI_API_KEY=")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
