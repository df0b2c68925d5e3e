package bus

import (
	"fmt"
	"strings"

	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. "none"
// yields a memory bus nobody subscribes to; callers skip publishing to it.
// A configured event log wraps the result in a LoggedBus.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	var b Bus

	switch strings.ToLower(cfg.Type) {
	case "memory", "none", "":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "recserve"
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "recserve-bus",
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog != "" {
		journal, err := NewEventLogger(cfg.EventLog, true)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b = NewLoggedBus(b, journal, log)
	}

	return b, nil
}
