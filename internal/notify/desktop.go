package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier sends desktop notifications
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil // Unsupported
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	script := `display notification "` + appleScriptQuote(n.Message) + `" with title "` + appleScriptQuote(n.Title) + `"`
	if n.Branch != "" {
		script += ` subtitle "` + appleScriptQuote(n.Branch) + `"`
	}
	cmd := exec.Command("osascript", "-e", script)
	return cmd.Run()
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	cmd := exec.Command("notify-send", notifySendArgs(n)...)
	return cmd.Run()
}

func notifySendArgs(n Notification) []string {
	urgency := "normal"
	if n.Type == NotifyError {
		urgency = "critical"
	}
	body := n.Message
	if line := fieldLine(n.Fields); line != "" {
		body += "\n" + line
	}
	return []string{"--app-name=heal-orch", "--icon=" + IconForType(n.Type), "--urgency=" + urgency, "--", n.Title, body}
}

// fieldLine joins run facts into one line such as "Score: 110 · CI: passed"
func fieldLine(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f.Title {
		case "Score", "Error", "CI":
			parts = append(parts, f.Title+": "+f.Value)
		}
	}
	return strings.Join(parts, " · ")
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

// appleScriptQuote escapes s for use inside an AppleScript string literal
func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
