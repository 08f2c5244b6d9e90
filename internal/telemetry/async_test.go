package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*Event
	err    error
	delay  time.Duration
}

func (m *recordingEmitter) Emit(ctx context.Context, event *Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *recordingEmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestDispatcher_NilSafe(t *testing.T) {
	var d *Dispatcher
	d.EmitAsync(context.Background(), NewEvent(EventOTPSent))
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("nil Close: %v", err)
	}
	NewDispatcher(nil, "o", nil).EmitAsync(context.Background(), NewEvent(EventOTPSent))
}

func TestDispatcher_EmitAndDrain(t *testing.T) {
	em := &recordingEmitter{}
	d := NewDispatcher(em, "tab-1", nil)
	d.EmitAsync(context.Background(), NewEvent(EventSessionEstablished))
	d.EmitAsync(context.Background(), nil)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if em.count() != 1 {
		t.Fatalf("events = %d, want 1", em.count())
	}
	if em.events[0].Origin != "tab-1" {
		t.Errorf("Origin = %q, want tab-1", em.events[0].Origin)
	}
}

func TestDispatcher_IgnoresCallerCancellation(t *testing.T) {
	em := &recordingEmitter{delay: 20 * time.Millisecond}
	d := NewDispatcher(em, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.EmitAsync(ctx, NewEvent(EventSessionRefreshed))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if em.count() != 1 {
		t.Errorf("events = %d, want 1", em.count())
	}
}

func TestDispatcher_CloseTimeout(t *testing.T) {
	em := &recordingEmitter{delay: time.Second}
	d := NewDispatcher(em, "", nil)
	d.EmitAsync(context.Background(), NewEvent(EventOTPSent))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want DeadlineExceeded", err)
	}
}

func TestMulti(t *testing.T) {
	a, b := &recordingEmitter{}, &recordingEmitter{err: errors.New("down")}
	m := Multi(a, nil, b)
	if err := m.Emit(context.Background(), NewEvent(EventOTPSent)); err == nil {
		t.Error("Multi should join errors")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("counts = %d, %d; want 1, 1", a.count(), b.count())
	}
}

func TestEvent_With(t *testing.T) {
	e := NewEvent(EventOTPSent).With("channel", "sms").With("empty", "")
	if e.Attributes["channel"] != "sms" {
		t.Errorf("channel = %q", e.Attributes["channel"])
	}
	if _, ok := e.Attributes["empty"]; ok {
		t.Error("empty values should be skipped")
	}
	if e.Time.IsZero() {
		t.Error("NewEvent should stamp the time")
	}
}

func TestInstruments_NilSafe(t *testing.T) {
	var in *Instruments
	ctx := context.Background()
	in.RecordRefresh(ctx, "primary", "ok")
	in.RecordLogout(ctx, "inactivity")
	in.RecordOTPSend(ctx, "sms", "ok")
	in.RecordRefreshDuration(ctx, 0.1, "ok")
	_, span := in.StartSpan(ctx, "test")
	span.End()

	in = NewInstruments()
	in.RecordRefresh(ctx, "fallback", "error")
}
