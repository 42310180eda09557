package sandbox

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

//go:embed images/*.Dockerfile
var dockerfiles embed.FS

// Default images for runners that the stock language images lack. They are
// built from the embedded Dockerfiles the first time they are needed, since
// the sandbox itself has no network to install anything.
const (
	PytestImage = "heal-orch/pytest:3.11"
	JestImage   = "heal-orch/jest:20"
)

var builtinImages = map[string]string{
	PytestImage: "images/pytest.Dockerfile",
	JestImage:   "images/jest.Dockerfile",
}

// Dockerfile returns the embedded build recipe for a builtin image
func Dockerfile(image string) ([]byte, bool) {
	name, ok := builtinImages[image]
	if !ok {
		return nil, false
	}
	data, err := dockerfiles.ReadFile(name)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ensureImage builds a builtin image when the runtime does not have it yet.
// Other images are left to the runtime to pull.
func (c *Container) ensureImage(ctx context.Context, image string) error {
	recipe, ok := Dockerfile(image)
	if !ok {
		return nil
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	if c.built[image] {
		return nil
	}

	inspectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := exec.CommandContext(inspectCtx, c.runtime(), "image", "inspect", image).Run()
	cancel()
	if err != nil {
		if c.Logger != nil {
			c.Logger.Info("building sandbox image", "image", image)
		}
		buildCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(buildCtx, c.runtime(), "build", "--tag", image, "-")
		cmd.Stdin = bytes.NewReader(recipe)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("building image %s: %w: %s", image, err, lastLine(strings.TrimSpace(out.String())))
		}
	}

	if c.built == nil {
		c.built = make(map[string]bool)
	}
	c.built[image] = true
	return nil
}
