// Package queue carries conversion delivery work over the message broker.
package queue

import (
    "encoding/json"
    "fmt"
    "time"
)

// DefaultConversionQueue is the queue name used when none is configured.
const DefaultConversionQueue = "conversion.queued"

// ConversionQueuedMessage is published after a conversion event row is
// written.  It carries only the row id; the consumer loads everything else
// from the store, so no identity data ever passes through the broker.
type ConversionQueuedMessage struct {
    ConversionID uint64 `json:"conversion_id"`
    QueuedAt     string `json:"queued_at"`
}

// NewConversionQueuedMessage stamps a message for id.
func NewConversionQueuedMessage(id uint64, at time.Time) ConversionQueuedMessage {
    return ConversionQueuedMessage{ConversionID: id, QueuedAt: at.UTC().Format(time.RFC3339)}
}

// DecodeConversionQueued parses a message body.
func DecodeConversionQueued(body []byte) (ConversionQueuedMessage, error) {
    var m ConversionQueuedMessage
    if err := json.Unmarshal(body, &m); err != nil {
        return m, fmt.Errorf("unmarshal: %w", err)
    }
    if m.ConversionID == 0 {
        return m, fmt.Errorf("message without conversion_id")
    }
    return m, nil
}
