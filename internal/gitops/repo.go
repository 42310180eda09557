package gitops

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Identity is the author recorded on commits
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when no identity is configured
var DefaultIdentity = Identity{Name: "heal-orch", Email: "heal-orch@users.noreply.github.com"}

// CloneOptions configures Clone
type CloneOptions struct {
	// Token authenticates https remotes. It is sent as an HTTP header and never written into the URL or .git/config.
	Token    string
	Depth    int
	Identity Identity
}

// Repo is a local checkout
type Repo struct {
	Dir           string
	defaultBranch string
	identity      Identity
	git           runner
}

// Clone clones repoURL into dir and records the remote's default branch
func Clone(ctx context.Context, repoURL, dir string, opts CloneOptions) (*Repo, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return nil, fmt.Errorf("creating checkout parent: %w", err)
	}

	r := &Repo{Dir: dir, identity: opts.Identity, git: authRunner(repoURL, opts.Token)}
	if r.identity.Name == "" {
		r.identity = DefaultIdentity
	}

	args := []string{"clone", "--no-tags"}
	if opts.Depth > 0 && isRemoteURL(repoURL) {
		args = append(args, "--depth", fmt.Sprint(opts.Depth))
	}
	args = append(args, "--", repoURL, dir)
	if _, err := r.git.run(ctx, "", args...); err != nil {
		return nil, err
	}

	branch, err := r.detectDefaultBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting default branch: %w", err)
	}
	r.defaultBranch = branch
	return r, nil
}

// DefaultBranch returns the remote's default branch as seen at clone time
func (r *Repo) DefaultBranch() string {
	return r.defaultBranch
}

func (r *Repo) detectDefaultBranch(ctx context.Context) (string, error) {
	out, err := r.git.run(ctx, r.Dir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/"), nil
	}
	// Fresh clones check out the default branch
	out, err = r.git.run(ctx, r.Dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CheckoutBranch creates or resets branch at the current HEAD and switches to it
func (r *Repo) CheckoutBranch(ctx context.Context, branch string) error {
	if r.isProtected(branch) {
		return fmt.Errorf("%w: %s", ErrProtectedBranch, branch)
	}
	_, err := r.git.run(ctx, r.Dir, "checkout", "-B", branch)
	return err
}

// HeadSHA returns the commit HEAD points at
func (r *Repo) HeadSHA(ctx context.Context) (string, error) {
	out, err := r.git.run(ctx, r.Dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Commit stages exactly paths and commits them, returning the new commit hash
func (r *Repo) Commit(ctx context.Context, message string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNothingToCommit
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := r.git.run(ctx, r.Dir, args...); err != nil {
		return "", err
	}

	staged, err := r.git.run(ctx, r.Dir, "diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) == "" {
		return "", ErrNothingToCommit
	}

	_, err = r.git.run(ctx, r.Dir,
		"-c", "user.name="+r.identity.Name,
		"-c", "user.email="+r.identity.Email,
		"-c", "commit.gpgsign=false",
		"commit", "--no-verify", "-m", message)
	if err != nil {
		return "", err
	}
	return r.HeadSHA(ctx)
}

// Push pushes HEAD to branch on origin. The default branch is refused before git is invoked.
func (r *Repo) Push(ctx context.Context, branch string, force bool) error {
	if r.isProtected(branch) {
		return fmt.Errorf("%w: %s", ErrProtectedBranch, branch)
	}
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "origin", "HEAD:refs/heads/"+branch)
	_, err := r.git.run(ctx, r.Dir, args...)
	return err
}

func (r *Repo) isProtected(branch string) bool {
	b := strings.TrimPrefix(branch, "refs/heads/")
	if b == "" || b == "HEAD" {
		return true
	}
	if r.defaultBranch != "" && b == r.defaultBranch {
		return true
	}
	return b == "main" || b == "master"
}

// authRunner attaches a basic-auth header for https remotes when a token is set
func authRunner(repoURL, token string) runner {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return runner{}
	}
	cred := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	return runner{
		config:  []string{"-c", "http.extraHeader=Authorization: Basic " + cred},
		secrets: []string{cred, token},
	}
}

func isRemoteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		return true
	}
	return strings.Contains(s, "@") && strings.Contains(s, ":")
}

// ParseGitHubURL extracts owner and repository from an https or scp-style GitHub URL
func ParseGitHubURL(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSpace(repoURL)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	var path string
	switch {
	case strings.HasPrefix(s, "git@"):
		_, path, _ = strings.Cut(s, ":")
	default:
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("parsing repository URL: %w", perr)
		}
		path = strings.TrimPrefix(u.Path, "/")
	}

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository URL %q is not of the form owner/repo", repoURL)
	}
	return parts[0], parts[1], nil
}

// RepoName returns the last path element of a repository URL without .git
func RepoName(repoURL string) string {
	s := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(repoURL), "/"), ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "repo"
	}
	return s
}
