// Package fix asks a completion service for a corrected version of a failing
// file and rejects answers that cannot be a real fix.
package fix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/prompts"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sourcegraph/go-diff/diff"
)

const systemPrompt = "You are an expert software engineer who repairs failing tests with minimal, exact edits."

// Rejection reasons
var (
	ErrEmpty     = errors.New("completion returned empty content")
	ErrUnchanged = errors.New("completion returned the file unchanged")
	ErrNoHunks   = errors.New("completion produced no effective change")
	ErrTruncated = errors.New("completion looks truncated")
	ErrTooLarge  = errors.New("file too large to send for completion")
)

// minLinesForTruncationCheck is the original size below which shrinking is allowed
const minLinesForTruncationCheck = 20

const responseSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": {"type": "string"},
    "commit_message": {"type": "string"}
  }
}`

// Request is one file to fix
type Request struct {
	Path         string
	Content      string
	Failures     []domain.FailureRecord
	ProjectFiles []string
}

// Stats summarises the change a fix makes
type Stats struct {
	Hunks   int `json:"hunks"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

// Result is an accepted fix
type Result struct {
	Path          string
	Original      string
	Content       string
	CommitMessage string
	Category      domain.BugCategory
	Line          int
	Diff          string
	Stats         Stats
}

// Generator produces fixes through a Completer
type Generator struct {
	completer    Completer
	prompts      *prompts.Loader
	schema       *jsonschema.Schema
	maxFileBytes int
	logger       *slog.Logger
}

// NewGenerator creates a generator. maxFileBytes <= 0 means no limit.
func NewGenerator(c Completer, loader *prompts.Loader, maxFileBytes int, logger *slog.Logger) (*Generator, error) {
	if loader == nil {
		loader = prompts.NewLoader()
	}
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fix-response.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	schema, err := compiler.Compile("fix-response.json")
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return &Generator{
		completer:    c,
		prompts:      loader,
		schema:       schema,
		maxFileBytes: maxFileBytes,
		logger:       logger.With("component", "fix"),
	}, nil
}

// GenerateFix returns an accepted fix for req.Path or a FixGenerationFailure.
func (g *Generator) GenerateFix(ctx context.Context, req Request) (*Result, error) {
	if len(req.Failures) == 0 {
		return nil, domain.Errorf(domain.ErrFixGeneration, "%s: no failures to fix", req.Path)
	}
	if g.maxFileBytes > 0 && len(req.Content) > g.maxFileBytes {
		return nil, domain.NewRunError(domain.ErrFixGeneration, fmt.Errorf("%s: %w (%d bytes)", req.Path, ErrTooLarge, len(req.Content)))
	}

	user, err := g.prompts.BuildFixPrompt(prompts.FixData{
		Path:         req.Path,
		Content:      req.Content,
		Failures:     req.Failures,
		ProjectFiles: req.ProjectFiles,
	})
	if err != nil {
		return nil, domain.NewRunError(domain.ErrFixGeneration, fmt.Errorf("build prompt: %w", err))
	}

	raw, err := g.completer.Complete(ctx, Prompt{System: systemPrompt, User: user})
	if err != nil {
		return nil, domain.NewRunError(domain.ErrFixGeneration, fmt.Errorf("%s: %w", req.Path, err))
	}

	content, message := g.parseResponse(raw, g.prompts.ResponseFormat(prompts.FixTemplate))
	content = matchTrailingNewline(req.Content, content)

	unified, stats, err := validate(req.Path, req.Content, content)
	if err != nil {
		g.logger.Info("fix rejected", "file", req.Path, "reason", err)
		return nil, domain.NewRunError(domain.ErrFixGeneration, fmt.Errorf("%s: %w", req.Path, err))
	}

	first := req.Failures[0]
	if message == "" {
		message = g.commitMessage(ctx, req.Path, first)
	}

	g.logger.Info("fix accepted", "file", req.Path, "hunks", stats.Hunks, "added", stats.Added, "deleted", stats.Deleted)
	return &Result{
		Path:          req.Path,
		Original:      req.Content,
		Content:       content,
		CommitMessage: message,
		Category:      first.Category,
		Line:          first.Line,
		Diff:          unified,
		Stats:         stats,
	}, nil
}

// parseResponse reads an answer in the template's response format. A JSON answer
// that does not match the schema falls back to treating the whole answer as
// file content. Text answers are never parsed as JSON.
func (g *Generator) parseResponse(raw, format string) (content, message string) {
	trimmed := strings.TrimSpace(raw)
	candidate := StripFences(trimmed)
	if format != prompts.FormatJSON {
		return candidate, ""
	}

	for _, text := range []string{trimmed, candidate} {
		if !strings.HasPrefix(text, "{") {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			continue
		}
		if err := g.schema.Validate(v); err != nil {
			g.logger.Debug("completion JSON does not match schema", "error", err)
			continue
		}
		obj := v.(map[string]any)
		content, _ = obj["content"].(string)
		message, _ = obj["commit_message"].(string)
		return content, sanitizeMessage(message)
	}
	return candidate, ""
}

// commitMessage asks for a one-line message and falls back to a fixed format
func (g *Generator) commitMessage(ctx context.Context, path string, f domain.FailureRecord) string {
	p, err := g.prompts.BuildCommitPrompt(prompts.CommitData{Path: path, Category: f.Category, Excerpt: f.Excerpt})
	if err == nil {
		if out, err := g.completer.Complete(ctx, Prompt{User: p}); err == nil {
			msg := sanitizeMessage(out)
			if g.prompts.ResponseFormat(prompts.CommitTemplate) == prompts.FormatJSON {
				_, msg = g.parseResponse(out, prompts.FormatJSON)
			}
			if msg != "" {
				return msg
			}
		}
	}
	return FallbackCommitMessage(f)
}

// FallbackCommitMessage is used when the completion service gives no message
func FallbackCommitMessage(f domain.FailureRecord) string {
	return fmt.Sprintf("Fix %s error: %s", f.Category, truncateRunes(f.Excerpt, 60))
}

var fence = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)\r?\n?```")

// StripFences returns the body of the first markdown code block in s, or s unchanged
func StripFences(s string) string {
	if m := fence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// validate rejects empty, unchanged, zero-hunk and truncated rewrites
func validate(path, original, modified string) (string, Stats, error) {
	if strings.TrimSpace(modified) == "" {
		return "", Stats{}, ErrEmpty
	}
	if modified == original {
		return "", Stats{}, ErrUnchanged
	}

	origLines := difflib.SplitLines(original)
	newLines := difflib.SplitLines(modified)
	if len(origLines) >= minLinesForTruncationCheck && len(newLines) < len(origLines)/2 {
		return "", Stats{}, fmt.Errorf("%w: %d of %d lines left", ErrTruncated, len(newLines), len(origLines))
	}

	unified, err := UnifiedDiff(path, original, modified)
	if err != nil {
		return "", Stats{}, err
	}
	if unified == "" {
		return "", Stats{}, ErrNoHunks
	}
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return "", Stats{}, fmt.Errorf("parse generated diff: %w", err)
	}

	var stats Stats
	for _, h := range fd.Hunks {
		s := h.Stat()
		stats.Hunks++
		stats.Added += int(s.Added + s.Changed)
		stats.Deleted += int(s.Deleted + s.Changed)
	}
	if stats.Hunks == 0 || stats.Added+stats.Deleted == 0 {
		return "", Stats{}, ErrNoHunks
	}
	return unified, stats, nil
}

// UnifiedDiff renders a unified diff of one file
func UnifiedDiff(path, original, modified string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(modified),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
}

// matchTrailingNewline keeps the original's final newline convention, which
// completions tend to drop.
func matchTrailingNewline(original, modified string) string {
	if strings.HasSuffix(original, "\n") && !strings.HasSuffix(modified, "\n") && modified != "" {
		return modified + "\n"
	}
	return modified
}

func sanitizeMessage(s string) string {
	s = strings.TrimSpace(StripFences(strings.TrimSpace(s)))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(strings.TrimSpace(s), "\"'`")
	return truncateRunes(s, 72)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
