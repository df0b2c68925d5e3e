package metrics

import (
	"context"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/recommend"
)

// EventSubscriber feeds impression metrics from batch events.
type EventSubscriber struct {
	metrics *Metrics
	bus     bus.Bus
}

// NewEventSubscriber creates a new event subscriber.
func NewEventSubscriber(metrics *Metrics, eventBus bus.Bus) *EventSubscriber {
	return &EventSubscriber{
		metrics: metrics,
		bus:     eventBus,
	}
}

// SubscribeToEvents subscribes to batch events.
func (es *EventSubscriber) SubscribeToEvents(ctx context.Context) error {
	return es.bus.Subscribe(ctx, bus.TopicBatchScored, es.handleBatchScored)
}

func (es *EventSubscriber) handleBatchScored(ctx context.Context, event bus.Event) error {
	batch, err := recommend.DecodeBatchScored(event)
	if err != nil {
		return err
	}

	for _, imp := range batch.Impressions {
		es.metrics.Impressions.Add(float64(len(imp.Items)))
		es.metrics.ItemsServed.Observe(float64(len(imp.Items)))
	}
	es.metrics.BatchesSeen.Inc()
	return nil
}
