package recommend

import (
	"encoding/json"
	"fmt"

	"github.com/ricesearch/recserve/internal/bus"
)

// DecodeBatchScored extracts the batch payload from an event. In-process
// subscribers receive the struct itself; Kafka consumers and journal replay
// receive decoded JSON.
func DecodeBatchScored(event bus.Event) (BatchScored, error) {
	switch p := event.Payload.(type) {
	case BatchScored:
		return p, nil
	case *BatchScored:
		if p != nil {
			return *p, nil
		}
		return BatchScored{}, fmt.Errorf("nil batch payload")
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return BatchScored{}, fmt.Errorf("encoding batch payload: %w", err)
	}
	var out BatchScored
	if err := json.Unmarshal(data, &out); err != nil {
		return BatchScored{}, fmt.Errorf("decoding batch payload: %w", err)
	}
	return out, nil
}
