package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

func unisolated(t *testing.T) *Subprocess {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	return &Subprocess{AllowUnisolated: true}
}

func TestSubprocess_CapturesOutputAndExitCode(t *testing.T) {
	s := unisolated(t)

	res, err := s.Execute(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: "echo out; echo err >&2; exit 3",
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "out\n")
	}
	if res.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "err\n")
	}
	if res.Isolation != "env-only" {
		t.Errorf("Isolation = %q, want env-only", res.Isolation)
	}
	if got := res.Output(); got != "out\nerr\n" {
		t.Errorf("Output() = %q", got)
	}
}

func TestSubprocess_RunsInCheckout(t *testing.T) {
	s := unisolated(t)
	dir := t.TempDir()

	res, err := s.Execute(context.Background(), Request{Dir: dir, Command: "pwd", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Stdout, dir[strings.LastIndex(dir, "/")+1:]) {
		t.Errorf("pwd = %q, want it inside %s", res.Stdout, dir)
	}
}

func TestSubprocess_DoesNotLeakCredentials(t *testing.T) {
	s := unisolated(t)
	t.Setenv("GITHUB_PAT", "ghp_should_not_leak")

	res, err := s.Execute(context.Background(), Request{Dir: t.TempDir(), Command: "env", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Stdout, "ghp_should_not_leak") {
		t.Error("sandbox environment exposes GITHUB_PAT")
	}
	if !strings.Contains(res.Stdout, "https_proxy="+blackholeProxy) {
		t.Error("sandbox environment should route proxies to a black hole")
	}
}

func TestSubprocess_Timeout(t *testing.T) {
	s := unisolated(t)

	start := time.Now()
	res, err := s.Execute(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: "echo started; sleep 30",
		Timeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute took %v, should return shortly after the timeout", elapsed)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.ExitCode != TimeoutExitCode {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, TimeoutExitCode)
	}
	if !strings.Contains(res.Stderr, "sandbox: command timed out after 300ms") {
		t.Errorf("Stderr = %q, want timeout note", res.Stderr)
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Errorf("Stdout = %q, want output produced before the timeout", res.Stdout)
	}
}

func TestSubprocess_ContextCancelled(t *testing.T) {
	s := unisolated(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := s.Execute(ctx, Request{Dir: t.TempDir(), Command: "sleep 30", Timeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute error = %v, want context.Canceled", err)
	}
}

func TestSubprocess_RefusesWithoutIsolation(t *testing.T) {
	s := &Subprocess{}
	_, err := s.Execute(context.Background(), Request{Dir: t.TempDir(), Command: "true", Timeout: time.Second})
	if !errors.Is(err, ErrNoIsolation) {
		t.Errorf("Execute error = %v, want ErrNoIsolation", err)
	}
}

func TestSubprocess_StreamsLines(t *testing.T) {
	s := unisolated(t)

	var mu sync.Mutex
	var lines []string
	_, err := s.Execute(context.Background(), Request{
		Dir:     t.TempDir(),
		Command: "printf 'a\\nb\\nc'",
		Timeout: 10 * time.Second,
		OnOutput: func(stream, line string) {
			mu.Lock()
			lines = append(lines, stream+":"+line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"stdout:a\n", "stdout:b\n", "stdout:c\n"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", lines, want)
	}
}

func TestContainer_RunArgs(t *testing.T) {
	c := &Container{
		Image:     func(r domain.TestRunner) string { return "img-" + string(r) },
		Memory:    "512m",
		PidsLimit: 64,
	}
	args := strings.Join(c.runArgs("heal-x", Request{Dir: "/work/run1", Command: "pytest -q", Runner: domain.RunnerPytest}), " ")

	for _, want := range []string{
		"run --rm --name heal-x",
		"--network none",
		"-v /work/run1:/app:ro",
		"-w /app",
		"--memory 512m",
		"--pids-limit 64",
		"img-pytest sh -c pytest -q",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("run args %q missing %q", args, want)
		}
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("a\nb\nUnable to find image\n"); got != "Unable to find image" {
		t.Errorf("lastLine = %q", got)
	}
}

func TestCheckRunner(t *testing.T) {
	tests := []struct {
		name    string
		res     Result
		missing bool
	}{
		{"passing", Result{ExitCode: 0, Stdout: "No module named pytest"}, false},
		{"pytest missing", Result{ExitCode: 1, Stderr: "/usr/local/bin/python: No module named pytest\n"}, true},
		{"jest missing", Result{ExitCode: 127, Stderr: "sh: 1: jest: not found\n"}, true},
		{"npx offline", Result{ExitCode: 1, Stderr: "npm ERR! code ENOTCACHED\n"}, true},
		{"go deps offline", Result{ExitCode: 1, Stderr: "go: example.com/x@v1.0.0: module lookup disabled by GOPROXY=off\n"}, true},
		{"command not found", Result{ExitCode: 127, Stderr: "sh: 1: pytest: not found\n"}, true},
		{"test failure", Result{ExitCode: 1, Stdout: "test_a.py:3: AssertionError\n1 failed\n"}, false},
		{"timed out", Result{ExitCode: TimeoutExitCode, TimedOut: true, Stderr: "No module named pytest\n"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRunner(&tt.res)
			if got := errors.Is(err, ErrRunnerMissing); got != tt.missing {
				t.Errorf("checkRunner() = %v, want missing %v", err, tt.missing)
			}
		})
	}
}

func TestSubprocess_RunnerMissing(t *testing.T) {
	s := unisolated(t)

	tests := []struct {
		name    string
		command string
	}{
		{"module missing", "echo '/usr/bin/python3: No module named pytest' >&2; exit 1"},
		{"binary missing", "heal-orch-no-such-runner --version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Execute(context.Background(), Request{Dir: t.TempDir(), Command: tt.command, Timeout: 10 * time.Second})
			if !errors.Is(err, ErrRunnerMissing) {
				t.Errorf("Execute() = %+v, %v; want ErrRunnerMissing", res, err)
			}
		})
	}
}

func TestDockerfile(t *testing.T) {
	tests := []struct {
		image string
		want  string
	}{
		{PytestImage, "pip install --no-cache-dir pytest"},
		{JestImage, "npm install --global"},
	}
	for _, tt := range tests {
		data, ok := Dockerfile(tt.image)
		if !ok {
			t.Errorf("Dockerfile(%q) not found", tt.image)
			continue
		}
		if !strings.Contains(string(data), tt.want) {
			t.Errorf("Dockerfile(%q) = %q, want it to contain %q", tt.image, data, tt.want)
		}
	}
	if _, ok := Dockerfile("golang:1.24"); ok {
		t.Error("Dockerfile(golang:1.24) found, want pulled images to have no recipe")
	}
}
