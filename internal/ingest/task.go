package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskPayload is what the receiver enqueues for the processor.
type TaskPayload struct {
	TenantHint string          `json:"tenant_hint,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Envelope   json.RawMessage `json:"envelope"`
}

func encodeTask(p TaskPayload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return b, nil
}

func decodeTask(raw json.RawMessage) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return TaskPayload{}, fmt.Errorf("decode task: %w", err)
	}
	if len(p.Envelope) == 0 {
		return TaskPayload{}, fmt.Errorf("decode task: empty envelope")
	}
	return p, nil
}
