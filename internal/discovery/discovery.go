// Package discovery finds runnable test targets in a checkout.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
)

var (
	pythonPatterns = []string{"**/test_*.py", "**/*_test.py"}
	jsPatterns     = []string{"**/*.{test,spec}.{js,jsx,ts,tsx,mjs,cjs}"}
	goPatterns     = []string{"**/*_test.go"}
)

// Discover walks root and returns the test targets it finds, in a stable
// order: python files, then JS/TS files, then one Go target. No targets is
// not an error.
func Discover(root string) ([]domain.TestTarget, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discovery: %s is not a directory", root)
	}

	var pyFiles, jsFiles []string
	hasGoTests := false

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (gitops.SkipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		switch {
		case matchAny(pythonPatterns, rel):
			pyFiles = append(pyFiles, rel)
		case matchAny(jsPatterns, rel):
			jsFiles = append(jsFiles, rel)
		case matchAny(goPatterns, rel):
			hasGoTests = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	sort.Strings(pyFiles)
	sort.Strings(jsFiles)

	targets := []domain.TestTarget{}
	for _, f := range pyFiles {
		targets = append(targets, domain.TestTarget{
			Runner:  domain.RunnerPytest,
			Files:   []string{f},
			Command: "python -m pytest " + shellQuote(f) + " --tb=line -p no:cacheprovider -q",
		})
	}

	useBun := exists(root, "bun.lockb") || exists(root, "bun.lock")
	for _, f := range jsFiles {
		t := domain.TestTarget{Files: []string{f}}
		if useBun {
			t.Runner = domain.RunnerBun
			t.Command = "bun test " + shellQuote("./"+f)
		} else {
			t.Runner = domain.RunnerJest
			t.Command = "npx --no-install jest " + shellQuote(f) + " --passWithNoTests --ci"
		}
		targets = append(targets, t)
	}

	if hasGoTests && exists(root, "go.mod") {
		targets = append(targets, domain.TestTarget{
			Runner:  domain.RunnerGoTest,
			Files:   []string{"go.mod"},
			Command: "go test ./...",
		})
	}

	return targets, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func exists(root, name string) bool {
	_, err := os.Stat(filepath.Join(root, name))
	return err == nil
}

// shellQuote quotes s for sh -c when it contains anything but safe characters
func shellQuote(s string) string {
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-+", r)) {
			safe = false
			break
		}
	}
	if safe && s != "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
