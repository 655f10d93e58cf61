package bus

import (
	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/config"
	"github.com/kynetic-ai/kbot/internal/common/logger"
)

// Provide selects the event bus implementation from configuration:
// NATS when a URL is set, in-memory otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (EventBus, error) {
	if cfg.NATS.URL != "" {
		log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
		return NewNATSEventBus(cfg.NATS, log)
	}
	log.Info("using in-memory event bus")
	return NewMemoryEventBus(log), nil
}
