package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

// Container runs commands in a throwaway container with networking disabled
// and the checkout mounted read-only at /app.
type Container struct {
	Runtime   string
	Image     func(domain.TestRunner) string
	Memory    string
	CPUs      string
	PidsLimit int
	Logger    *slog.Logger

	buildMu sync.Mutex
	built   map[string]bool
}

// Available reports whether the container runtime answers
func (c *Container) Available(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(checkCtx, c.runtime(), "info").Run() == nil
}

// Execute implements Runner
func (c *Container) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := c.ensureImage(ctx, c.image(req.Runner)); err != nil {
		return nil, err
	}
	name := "heal-" + randomSuffix()
	args := c.runArgs(name, req)

	if c.Logger != nil {
		c.Logger.Debug("running container", "name", name, "image", c.image(req.Runner), "command", req.Command)
	}

	res, err := run(ctx, execSpec{
		name:      c.runtime(),
		args:      args,
		dir:       req.Dir,
		env:       os.Environ(),
		timeout:   req.Timeout,
		onOutput:  req.OnOutput,
		onTimeout: func() { c.remove(name) },
		isolation: "container",
	})
	if err != nil {
		c.remove(name)
		return nil, err
	}
	// 125 means the runtime itself failed (bad image, daemon down), not the tests
	if res.ExitCode == 125 && !res.TimedOut {
		return nil, fmt.Errorf("container runtime error: %s", lastLine(res.Stderr))
	}
	if err := checkRunner(res); err != nil {
		return nil, fmt.Errorf("image %s: %w", c.image(req.Runner), err)
	}
	return res, nil
}

func (c *Container) runArgs(name string, req Request) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,exec,size=256m",
		"--security-opt", "no-new-privileges",
		"-e", "HOME=/tmp",
		"-e", "CI=true",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
		"-e", "GOCACHE=/tmp/gocache",
		"-e", "GOFLAGS=-mod=mod",
		"-e", "GOPROXY=off",
		"-v", req.Dir + ":/app:ro",
		"-w", "/app",
	}
	if c.Memory != "" {
		args = append(args, "--memory", c.Memory)
	}
	if c.CPUs != "" {
		args = append(args, "--cpus", c.CPUs)
	}
	if c.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprint(c.PidsLimit))
	}
	return append(args, c.image(req.Runner), "sh", "-c", req.Command)
}

func (c *Container) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec.CommandContext(ctx, c.runtime(), "rm", "-f", name).Run() // Best effort
}

func (c *Container) runtime() string {
	if c.Runtime == "" {
		return "docker"
	}
	return c.Runtime
}

func (c *Container) image(r domain.TestRunner) string {
	if c.Image != nil {
		if img := c.Image(r); img != "" {
			return img
		}
	}
	return PytestImage
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
