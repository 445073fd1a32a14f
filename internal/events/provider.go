package events

import (
	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events/bus"
)

// Provide returns the configured event bus implementation: NATS when a URL is
// configured, an in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL != "" {
		return bus.NewNATSEventBus(cfg.NATS.URL, log)
	}
	return bus.NewMemoryEventBus(log), nil
}
