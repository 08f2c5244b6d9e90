package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long Close waits for in-flight emits by default. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// Dispatcher runs emits in goroutines so session operations never block on telemetry.
// A nil *Dispatcher is valid and drops every event.
type Dispatcher struct {
	emitter EventEmitter
	logger  *slog.Logger
	origin  string
	wg      sync.WaitGroup
}

// NewDispatcher returns a dispatcher over emitter. origin is stamped on events that have none.
func NewDispatcher(emitter EventEmitter, origin string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{emitter: emitter, origin: origin, logger: logger}
}

// EmitAsync emits event in a goroutine with a short timeout. The goroutine does not inherit
// cancellation from ctx, so a finished request does not abort the emit.
func (d *Dispatcher) EmitAsync(ctx context.Context, event *Event) {
	if d == nil || d.emitter == nil || event == nil {
		return
	}
	if event.Origin == "" {
		event.Origin = d.origin
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		defer cancel()
		if err := d.emitter.Emit(emitCtx, event); err != nil {
			d.logger.Warn("telemetry: async emit failed", "type", event.Type, "error", err)
		}
	}()
}

// Close waits for in-flight emits until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
