// Package producer publishes session lifecycle events to a message broker (Kafka).
package producer

import (
	"github.com/coreidpin/coreidpin-sub004/internal/telemetry"
)

// Producer emits telemetry events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	telemetry.EventEmitter
	// Close flushes and releases resources. Safe to call if already closed.
	Close() error
}

var _ Producer = (*KafkaProducer)(nil)
