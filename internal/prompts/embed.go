// Package prompts provides the fix-stage prompt templates with override support.
package prompts

import "embed"

//go:embed fix/*.md
var embeddedFS embed.FS
