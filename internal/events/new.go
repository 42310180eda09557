package events

import (
	"fmt"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
)

// NewBus builds the bus selected by cfg.Backend
func NewBus(cfg config.EventsConfig) (Bus, error) {
	subject := cfg.Subject
	if subject == "" {
		subject = "heal.runs"
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "nats":
		return NewNATS(cfg.URL, subject)
	case "redis":
		return NewRedis(cfg.URL, subject)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}
