// Package diagnosis turns raw test output into classified failure records.
package diagnosis

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"golang.org/x/mod/modfile"
)

// ContainerMount is where container sandboxes mount the checkout
const ContainerMount = "/app"

// Options tune path handling
type Options struct {
	// Root is the checkout path as seen by a subprocess sandbox
	Root string
	// FallbackFile receives failures that only name a test id, e.g. the target's test file
	FallbackFile string
}

// matcher assigns a category when its pattern matches a failure excerpt
type matcher struct {
	category domain.BugCategory
	pattern  *regexp.Regexp
}

// matchers are tried in order; the first match wins
var matchers = []matcher{
	{domain.CategoryIndentation, regexp.MustCompile(`(?i)IndentationError|TabError|unexpected indent|expected an indented block|unindent does not match`)},
	{domain.CategorySyntax, regexp.MustCompile(`(?i)SyntaxError|syntax error|invalid syntax|unexpected token|unexpected eof|was never closed|unterminated string|unexpected end of input`)},
	{domain.CategoryImport, regexp.MustCompile(`(?i)ImportError|ModuleNotFoundError|No module named|cannot import|Cannot find module|could not import|cannot find package|imported and not used|is not in std`)},
	{domain.CategoryTypeError, regexp.MustCompile(`(?i)TypeError|type error|unsupported operand|is not callable|cannot use .+ as .+ value|mismatched types|is not assignable to|has no attribute`)},
	{domain.CategoryLinting, regexp.MustCompile(`(?i)flake8|pylint|pep8|eslint|\blint\b|unused import|imported but unused|no-unused-vars|declared and not used|\b[EFW]\d{3}\b`)},
	{domain.CategoryLogic, regexp.MustCompile(`(?i)AssertionError|\bassert\b|NameError|AttributeError|ValueError|KeyError|IndexError|ZeroDivisionError|RecursionError|RuntimeError|\bexpect(ed)?\b|toBe|toEqual|\bundefined\b|\bpanic:|\bwant\b|\bgot\b|Exception|Error:|\bfailed\b`)},
}

var (
	// File "/app/calc.py", line 12, in add
	pyFrame = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	// calc.py:12: AssertionError: ...  or  ./x.go:3:5: undefined: y
	fileLine = regexp.MustCompile(`^(?:E\s+)?((?:[A-Za-z]:)?[^\s:"'()]+\.(?:py|js|jsx|ts|tsx|mjs|cjs|go)):(\d+)(?::\d+)?:\s*(.+)$`)
	// at Object.<anonymous> (src/sum.test.js:5:17)
	jsFrame = regexp.MustCompile(`\(([^()\s]+\.(?:js|jsx|ts|tsx|mjs|cjs)):(\d+):\d+\)`)
	// FAILED tests/test_calc.py::test_add - assert 3 == 4
	summary = regexp.MustCompile(`^(FAILED|ERROR)\s+([^\s]+?)(?:::\S+)?(?:\s+-\s+(.*))?$`)
	// an "SomethingError: message" line following a traceback frame
	errorLine = regexp.MustCompile(`^(?:E\s+)?[\w.]*(?:Error|Exception|Exit|Warning|Failed)\b:?.*$|^(?:E\s+)?assert\b.*$`)
	// --- FAIL: TestAdd (0.00s)
	goTestFail = regexp.MustCompile(`^--- FAIL: `)
	// FAIL	example.com/m/pkg/calc	0.002s
	goPkgResult = regexp.MustCompile(`^(?:FAIL|ok)\s+(\S+)(?:\s|$)`)
	// /app/pkg/calc/calc.go:12 +0x1d
	goFrame = regexp.MustCompile(`^(\S+\.go):(\d+)(?: \+0x[0-9a-f]+)?$`)
)

type candidate struct {
	file    string
	line    int
	message string
	weak    bool

	// goPkg is the import path of a go test log line, whose file is
	// reported relative to its package directory
	goPkg     string
	goPending bool
	// panicGroup ties the frames of one goroutine trace together; only the
	// first frame inside the checkout is kept
	panicGroup int
}

// Diagnose extracts failures from output. Candidates whose text no matcher
// recognises are dropped. The same output always yields the same records in
// the same order.
func Diagnose(output string, opts Options) []domain.FailureRecord {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")

	var cands []candidate
	lastError := ""
	inGoTest := false
	panicMsg := ""
	panics := 0

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if goTestFail.MatchString(line) {
			inGoTest = true
			continue
		}
		if m := goPkgResult.FindStringSubmatch(line); m != nil {
			for j := range cands {
				if cands[j].goPending {
					cands[j].goPkg = m[1]
					cands[j].goPending = false
				}
			}
			inGoTest = false
			panicMsg = ""
			continue
		}
		if strings.HasPrefix(line, "panic: ") {
			panicMsg = line
			panics++
			continue
		}
		if m := goFrame.FindStringSubmatch(line); m != nil {
			if panicMsg != "" {
				n, _ := strconv.Atoi(m[2])
				cands = append(cands, candidate{file: m[1], line: n, message: panicMsg, panicGroup: panics})
			}
			continue
		}

		if m := pyFrame.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			if msg := followingError(lines, i); msg != "" {
				cands = append(cands, candidate{file: m[1], line: n, message: msg})
			}
			continue
		}

		if m := fileLine.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			c := candidate{file: m[1], line: n, message: strings.TrimSpace(m[3])}
			if inGoTest && path.Ext(c.file) == ".go" && !strings.ContainsAny(c.file, `/\`) {
				c.goPending = true
			}
			cands = append(cands, c)
			continue
		}

		if m := jsFrame.FindStringSubmatch(line); m != nil {
			if lastError != "" {
				n, _ := strconv.Atoi(m[2])
				cands = append(cands, candidate{file: m[1], line: n, message: lastError})
				lastError = ""
			}
			continue
		}

		if m := summary.FindStringSubmatch(line); m != nil {
			file := m[2]
			if !looksLikeSource(file) {
				file = opts.FallbackFile
			}
			msg := strings.TrimSpace(m[3])
			if msg == "" {
				msg = m[1] + " " + m[2]
			}
			cands = append(cands, candidate{file: file, message: msg, weak: true})
			continue
		}

		if errorLine.MatchString(line) || strings.HasPrefix(line, "●") || strings.HasPrefix(line, "Expected") {
			lastError = strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(line, "E ")), "● ")
		}
	}

	// Summary lines only count for files nothing more specific was found for
	specific := make(map[string]bool)
	goFiles := &goResolver{root: opts.Root}
	for i := range cands {
		if cands[i].goPkg != "" || cands[i].goPending {
			cands[i].file = goFiles.resolve(cands[i].goPkg, cands[i].file)
		}
		cands[i].file = normalizePath(cands[i].file, opts.Root)
		if !cands[i].weak && cands[i].file != "" {
			specific[cands[i].file] = true
		}
	}

	records := []domain.FailureRecord{}
	seen := make(map[string]bool)
	framed := make(map[int]bool)
	for _, c := range cands {
		if c.file == "" || (c.weak && specific[c.file]) {
			continue
		}
		if c.panicGroup > 0 {
			if framed[c.panicGroup] {
				continue
			}
			framed[c.panicGroup] = true
		}
		category, ok := Classify(c.message)
		if !ok {
			continue
		}
		excerpt := truncate(c.message, 300)
		key := c.file + "\x00" + strconv.Itoa(c.line) + "\x00" + truncate(excerpt, 100)
		if seen[key] {
			continue
		}
		seen[key] = true
		records = append(records, domain.FailureRecord{
			File:     c.file,
			Line:     c.line,
			Category: category,
			Excerpt:  excerpt,
		})
	}
	return records
}

// Classify returns the category of the first matcher that recognises text
func Classify(text string) (domain.BugCategory, bool) {
	for _, m := range matchers {
		if m.pattern.MatchString(text) {
			return m.category, true
		}
	}
	return "", false
}

// goResolver maps a file named in a go test log to its path in the checkout.
// It reads the module path from go.mod and falls back to a unique file of the
// same name anywhere in the checkout.
type goResolver struct {
	root   string
	loaded bool
	module string
	byName map[string][]string
}

func (g *goResolver) resolve(pkg, name string) string {
	if g.root == "" {
		return name
	}
	g.load()

	if pkg != "" && g.module != "" {
		rel := ""
		switch {
		case pkg == g.module:
		case strings.HasPrefix(pkg, g.module+"/"):
			rel = strings.TrimPrefix(pkg, g.module+"/")
		}
		if pkg == g.module || rel != "" {
			candidate := path.Join(rel, name)
			if _, err := os.Stat(filepath.Join(g.root, filepath.FromSlash(candidate))); err == nil {
				return candidate
			}
		}
	}
	if matches := g.byName[name]; len(matches) == 1 {
		return matches[0]
	}
	return name
}

func (g *goResolver) load() {
	if g.loaded {
		return
	}
	g.loaded = true
	if data, err := os.ReadFile(filepath.Join(g.root, "go.mod")); err == nil {
		g.module = modfile.ModulePath(data)
	}

	g.byName = make(map[string][]string)
	filepath.WalkDir(g.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "vendor", "node_modules", "testdata":
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".go") {
			if rel, err := filepath.Rel(g.root, p); err == nil {
				g.byName[d.Name()] = append(g.byName[d.Name()], filepath.ToSlash(rel))
			}
		}
		return nil
	})
}

// followingError looks up to three lines past a traceback frame for the error it raised
func followingError(lines []string, i int) string {
	for j := i + 1; j <= i+3 && j < len(lines); j++ {
		next := strings.TrimSpace(lines[j])
		if pyFrame.MatchString(next) {
			return ""
		}
		if errorLine.MatchString(next) {
			return strings.TrimSpace(strings.TrimPrefix(next, "E "))
		}
	}
	return ""
}

// normalizePath maps a reported path to one relative to the checkout, or ""
// when it points outside the checkout or into installed libraries.
func normalizePath(p, root string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	slashed := filepath.ToSlash(p)
	for _, lib := range []string{"site-packages/", "dist-packages/", ".venv/", "/venv/", "node_modules/", "/usr/lib/", "/usr/local/lib/", "<frozen", "<string>"} {
		if strings.Contains(slashed, lib) {
			return ""
		}
	}

	switch {
	case slashed == ContainerMount || strings.HasPrefix(slashed, ContainerMount+"/"):
		slashed = strings.TrimPrefix(slashed, ContainerMount+"/")
	case root != "" && (filepath.IsAbs(p) || strings.HasPrefix(slashed, "/")):
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(filepath.ToSlash(rel), "../") || rel == ".." {
			return ""
		}
		slashed = filepath.ToSlash(rel)
	case strings.HasPrefix(slashed, "/"):
		return ""
	}

	slashed = path.Clean(slashed)
	if slashed == "." || strings.HasPrefix(slashed, "../") {
		return ""
	}
	return slashed
}

func looksLikeSource(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".py", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".go":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// keep to a rune boundary
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
