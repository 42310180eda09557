package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestDiscover(t *testing.T) {
	root := writeTree(t,
		"tests/test_math.py",
		"pkg/util_test.py",
		"app.py",
		"test_root.py",
		"web/button.test.tsx",
		"web/api.spec.js",
		"web/helpers.js",
		"node_modules/dep/index.test.js",
		".venv/lib/test_site.py",
		"__pycache__/test_cached.py",
	)

	targets, err := Discover(root)
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		runner domain.TestRunner
		file   string
	}{
		{domain.RunnerPytest, "pkg/util_test.py"},
		{domain.RunnerPytest, "test_root.py"},
		{domain.RunnerPytest, "tests/test_math.py"},
		{domain.RunnerJest, "web/api.spec.js"},
		{domain.RunnerJest, "web/button.test.tsx"},
	}
	if len(targets) != len(want) {
		t.Fatalf("got %d targets %+v, want %d", len(targets), targets, len(want))
	}
	for i, w := range want {
		if targets[i].Runner != w.runner || targets[i].Files[0] != w.file {
			t.Errorf("targets[%d] = %s %v, want %s %s", i, targets[i].Runner, targets[i].Files, w.runner, w.file)
		}
	}

	if got := targets[0].Command; got != "python -m pytest pkg/util_test.py --tb=line -p no:cacheprovider -q" {
		t.Errorf("pytest command = %q", got)
	}
}

func TestDiscover_BunAndGo(t *testing.T) {
	root := writeTree(t, "bun.lockb", "src/a.test.ts", "go.mod", "internal/x/x_test.go")

	targets, err := Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets %+v, want 2", len(targets), targets)
	}
	if targets[0].Runner != domain.RunnerBun || targets[0].Command != "bun test ./src/a.test.ts" {
		t.Errorf("targets[0] = %+v, want bun target", targets[0])
	}
	if targets[1].Runner != domain.RunnerGoTest || targets[1].Command != "go test ./..." {
		t.Errorf("targets[1] = %+v, want go test target", targets[1])
	}
}

func TestDiscover_Empty(t *testing.T) {
	targets, err := Discover(writeTree(t, "main.py", "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if targets == nil || len(targets) != 0 {
		t.Errorf("targets = %#v, want empty non-nil slice", targets)
	}
}

func TestDiscover_MissingRoot(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "gone")); err == nil {
		t.Error("Discover() error = nil, want error")
	}
}

func TestDiscover_Deterministic(t *testing.T) {
	root := writeTree(t, "b/test_b.py", "a/test_a.py", "c.test.js")
	first, _ := Discover(root)
	for i := 0; i < 5; i++ {
		again, _ := Discover(root)
		for j := range first {
			if first[j].Command != again[j].Command {
				t.Fatalf("run %d differs at %d: %q vs %q", i, j, first[j].Command, again[j].Command)
			}
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"tests/test_a.py":  "tests/test_a.py",
		"my tests/t.py":    "'my tests/t.py'",
		"it's/test_x.py":   `'it'\''s/test_x.py'`,
		"$(rm -rf)/t.py":   "'$(rm -rf)/t.py'",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
