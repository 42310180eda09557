package fix

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/prompts"
)

// scripted returns its responses in order and records prompts
type scripted struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []Prompt
}

func (s *scripted) Complete(_ context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.prompts)
	s.prompts = append(s.prompts, p)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

const calcOriginal = "def add(a, b):\n    return a - b\n"

var calcFailure = domain.FailureRecord{File: "calc.py", Line: 2, Category: domain.CategoryLogic, Excerpt: "assert -1 == 3"}

func newGenerator(t *testing.T, c Completer) *Generator {
	t.Helper()
	g, err := NewGenerator(c, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGenerateFix_JSONResponse(t *testing.T) {
	c := &scripted{responses: []string{
		`{"content": "def add(a, b):\n    return a + b\n", "commit_message": "Fix add to return the sum"}`,
	}}
	g := newGenerator(t, c)

	res, err := g.GenerateFix(context.Background(), Request{Path: "calc.py", Content: calcOriginal, Failures: []domain.FailureRecord{calcFailure}})
	if err != nil {
		t.Fatalf("GenerateFix() error = %v", err)
	}
	if res.Content != "def add(a, b):\n    return a + b\n" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.CommitMessage != "Fix add to return the sum" {
		t.Errorf("CommitMessage = %q", res.CommitMessage)
	}
	if res.Original != calcOriginal {
		t.Errorf("Original = %q, want the pre-fix content", res.Original)
	}
	if res.Category != domain.CategoryLogic || res.Line != 2 {
		t.Errorf("Category/Line = %s/%d, want LOGIC/2", res.Category, res.Line)
	}
	if res.Stats.Hunks != 1 || res.Stats.Added != 1 || res.Stats.Deleted != 1 {
		t.Errorf("Stats = %+v, want 1 hunk +1 -1", res.Stats)
	}
	if !strings.Contains(res.Diff, "-    return a - b") || !strings.Contains(res.Diff, "+    return a + b") {
		t.Errorf("Diff = %q", res.Diff)
	}
	if len(c.prompts) != 1 {
		t.Errorf("completions = %d, want 1 when the response carries a commit message", len(c.prompts))
	}
	if !strings.Contains(c.prompts[0].User, "assert -1 == 3") {
		t.Error("prompt should include the failure excerpt")
	}
}

func TestGenerateFix_FencedCodeFallsBackToCommitPrompt(t *testing.T) {
	c := &scripted{responses: []string{
		"Here you go:\n```python\ndef add(a, b):\n    return a + b\n```\n",
		"\"Fix addition operator in add\"\nextra line",
	}}
	g := newGenerator(t, c)

	res, err := g.GenerateFix(context.Background(), Request{Path: "calc.py", Content: calcOriginal, Failures: []domain.FailureRecord{calcFailure}})
	if err != nil {
		t.Fatalf("GenerateFix() error = %v", err)
	}
	if res.Content != "def add(a, b):\n    return a + b\n" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.CommitMessage != "Fix addition operator in add" {
		t.Errorf("CommitMessage = %q", res.CommitMessage)
	}
}

func TestGenerateFix_CommitMessageFallback(t *testing.T) {
	c := &scripted{
		responses: []string{`{"content": "def add(a, b):\n    return a + b\n"}`},
		errs:      []error{nil, errors.New("service down")},
	}
	g := newGenerator(t, c)

	res, err := g.GenerateFix(context.Background(), Request{Path: "calc.py", Content: calcOriginal, Failures: []domain.FailureRecord{calcFailure}})
	if err != nil {
		t.Fatalf("GenerateFix() error = %v", err)
	}
	if want := "Fix LOGIC error: assert -1 == 3"; res.CommitMessage != want {
		t.Errorf("CommitMessage = %q, want %q", res.CommitMessage, want)
	}
}

func TestGenerateFix_Rejections(t *testing.T) {
	long := strings.Repeat("x = 1\n", 40)

	tests := []struct {
		name     string
		original string
		response string
		want     error
	}{
		{"empty", calcOriginal, `{"content": "   "}`, ErrEmpty},
		{"unchanged", calcOriginal, `{"content": "def add(a, b):\n    return a - b\n"}`, ErrUnchanged},
		{"unchanged without newline", calcOriginal, "def add(a, b):\n    return a - b", ErrUnchanged},
		{"truncated", long, `{"content": "x = 2\n"}`, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGenerator(t, &scripted{responses: []string{tt.response}})
			_, err := g.GenerateFix(context.Background(), Request{Path: "a.py", Content: tt.original, Failures: []domain.FailureRecord{calcFailure}})
			if !errors.Is(err, tt.want) {
				t.Errorf("GenerateFix() error = %v, want %v", err, tt.want)
			}
			if domain.KindOf(err) != domain.ErrFixGeneration {
				t.Errorf("KindOf(err) = %q, want %q", domain.KindOf(err), domain.ErrFixGeneration)
			}
		})
	}
}

func TestGenerateFix_ShortFileMayShrink(t *testing.T) {
	original := "import os\nimport sys\n\nprint(sys.argv)\n"
	g := newGenerator(t, &scripted{responses: []string{`{"content": "import sys\nprint(sys.argv)\n", "commit_message": "Remove unused import"}`}})

	res, err := g.GenerateFix(context.Background(), Request{Path: "a.py", Content: original, Failures: []domain.FailureRecord{calcFailure}})
	if err != nil {
		t.Fatalf("GenerateFix() error = %v", err)
	}
	if res.Stats.Deleted == 0 {
		t.Errorf("Stats = %+v, want deletions", res.Stats)
	}
}

func TestGenerateFix_CompleterError(t *testing.T) {
	g := newGenerator(t, &scripted{errs: []error{ErrNoAPIKey}})
	_, err := g.GenerateFix(context.Background(), Request{Path: "a.py", Content: calcOriginal, Failures: []domain.FailureRecord{calcFailure}})
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("error = %v, want ErrNoAPIKey", err)
	}
	if domain.KindOf(err) != domain.ErrFixGeneration {
		t.Errorf("KindOf(err) = %q", domain.KindOf(err))
	}
}

func TestGenerateFix_TooLarge(t *testing.T) {
	c := &scripted{}
	g, err := NewGenerator(c, nil, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = g.GenerateFix(context.Background(), Request{Path: "a.py", Content: calcOriginal, Failures: []domain.FailureRecord{calcFailure}})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
	if len(c.prompts) != 0 {
		t.Error("oversized files should not be sent for completion")
	}
}

func TestGenerateFix_NoFailures(t *testing.T) {
	g := newGenerator(t, &scripted{})
	if _, err := g.GenerateFix(context.Background(), Request{Path: "a.py", Content: calcOriginal}); err == nil {
		t.Error("GenerateFix() error = nil, want error without failures")
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"```\ncode\n```", "code"},
		{"```go\npackage x\n```", "package x"},
		{"text\n```py\na = 1\nb = 2\n```\nmore ```\nignored\n```", "a = 1\nb = 2"},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFallbackCommitMessage(t *testing.T) {
	f := domain.FailureRecord{Category: domain.CategorySyntax, Excerpt: strings.Repeat("é", 80)}
	got := FallbackCommitMessage(f)
	if want := "Fix SYNTAX error: " + strings.Repeat("é", 60); got != want {
		t.Errorf("FallbackCommitMessage() = %q, want %q", got, want)
	}
}

func TestFallbackCompleter(t *testing.T) {
	primary := &scripted{errs: []error{errors.New("primary down")}}
	secondary := &scripted{responses: []string{"ok"}}
	f := &FallbackCompleter{Primary: primary, Secondary: secondary}

	out, err := f.Complete(context.Background(), Prompt{User: "hi"})
	if err != nil || out != "ok" {
		t.Errorf("Complete() = %q, %v; want ok, nil", out, err)
	}

	both := &FallbackCompleter{
		Primary:   &scripted{errs: []error{errors.New("a")}},
		Secondary: &scripted{errs: []error{errors.New("b")}},
	}
	if _, err := both.Complete(context.Background(), Prompt{}); err == nil || !strings.Contains(err.Error(), "fallback: b") {
		t.Errorf("Complete() error = %v, want joined errors", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	unused := &scripted{responses: []string{"nope"}}
	cancelled := &FallbackCompleter{Primary: &scripted{errs: []error{context.Canceled}}, Secondary: unused}
	if _, err := cancelled.Complete(ctx, Prompt{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Complete() error = %v, want context.Canceled", err)
	}
	if len(unused.prompts) != 0 {
		t.Error("fallback should not run after cancellation")
	}
}

func TestGenerateFix_ResponseFormat(t *testing.T) {
	textDir := t.TempDir()
	full := filepath.Join(textDir, filepath.FromSlash(prompts.FixTemplate))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	body := "---\nid: raw-fix\nresponse_format: text\n---\nRewrite {{.Path}}:\n{{.Content}}\n"
	if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	const original = `{"content": "old"}` + "\n"
	const answer = `{"content": "new"}`
	failure := domain.FailureRecord{File: "config.json", Line: 1, Category: domain.CategoryLogic, Excerpt: "expected new"}

	tests := []struct {
		name   string
		loader *prompts.Loader
		want   string
	}{
		{"json template reads the content field", prompts.NewLoader(), "new\n"},
		{"text template keeps the raw answer", prompts.NewLoader(textDir), answer + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scripted{responses: []string{answer, "Update config value"}}
			g, err := NewGenerator(c, tt.loader, 0, nil)
			if err != nil {
				t.Fatal(err)
			}
			res, err := g.GenerateFix(context.Background(), Request{Path: "config.json", Content: original, Failures: []domain.FailureRecord{failure}})
			if err != nil {
				t.Fatalf("GenerateFix() error = %v", err)
			}
			if res.Content != tt.want {
				t.Errorf("Content = %q, want %q", res.Content, tt.want)
			}
			if res.CommitMessage != "Update config value" {
				t.Errorf("CommitMessage = %q, want %q", res.CommitMessage, "Update config value")
			}
		})
	}
}
