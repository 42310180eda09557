package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// blackholeProxy points proxy-aware tools at a closed port
const blackholeProxy = "http://127.0.0.1:9"

// Subprocess runs commands on the host. Network isolation comes from a
// namespace wrapper such as unshare; without one it refuses to run unless
// AllowUnisolated is set, in which case only the environment is restricted.
type Subprocess struct {
	// Isolation is prepended to every command, e.g. ["unshare", "--net", "--map-root-user"]
	Isolation       []string
	AllowUnisolated bool
	Logger          *slog.Logger
}

// NewSubprocess looks for a usable network namespace wrapper
func NewSubprocess(ctx context.Context, allowUnisolated bool, logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subprocess{
		Isolation:       DetectIsolation(ctx),
		AllowUnisolated: allowUnisolated,
		Logger:          logger.With("component", "sandbox"),
	}
	if len(s.Isolation) == 0 {
		s.Logger.Warn("no network namespace support; subprocess sandbox restricts environment only",
			"allow_unisolated", allowUnisolated)
	}
	return s
}

// DetectIsolation returns an unshare invocation that drops network access,
// or nil when unshare is missing or not permitted.
func DetectIsolation(ctx context.Context) []string {
	path, err := exec.LookPath("unshare")
	if err != nil {
		return nil
	}
	wrapper := []string{path, "--net", "--map-root-user"}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(checkCtx, wrapper[0], append(wrapper[1:], "true")...).Run(); err != nil {
		return nil
	}
	return wrapper
}

// Execute implements Runner
func (s *Subprocess) Execute(ctx context.Context, req Request) (*Result, error) {
	isolation := "netns"
	if len(s.Isolation) == 0 {
		if !s.AllowUnisolated {
			return nil, ErrNoIsolation
		}
		isolation = "env-only"
	}

	argv := append(append([]string{}, s.Isolation...), "sh", "-c", req.Command)

	if s.Logger != nil {
		s.Logger.Debug("running subprocess", "dir", req.Dir, "command", req.Command, "isolation", isolation)
	}
	res, err := run(ctx, execSpec{
		name:      argv[0],
		args:      argv[1:],
		dir:       req.Dir,
		env:       restrictedEnv(),
		timeout:   req.Timeout,
		onOutput:  req.OnOutput,
		isolation: isolation,
	})
	if err != nil {
		return nil, err
	}
	if err := checkRunner(res); err != nil {
		return nil, err
	}
	return res, nil
}

// restrictedEnv passes through only what test tools need to start and never
// any credentials from the orchestrator's environment.
func restrictedEnv() []string {
	env := []string{
		"CI=true",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"NO_COLOR=1",
		"http_proxy=" + blackholeProxy,
		"https_proxy=" + blackholeProxy,
		"HTTP_PROXY=" + blackholeProxy,
		"HTTPS_PROXY=" + blackholeProxy,
		"GOPROXY=off",
		"GOFLAGS=-mod=mod",
		"npm_config_offline=true",
	}
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR", "GOPATH", "GOCACHE", "GOROOT"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
