package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer and meter used by the session packages.
const InstrumentationName = "github.com/coreidpin/coreidpin-sub004"

// Instruments groups the counters recorded by the session and registration packages.
type Instruments struct {
	Tracer          trace.Tracer
	refreshes       metric.Int64Counter
	logouts         metric.Int64Counter
	otpSends        metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// NewInstruments creates instruments from the global providers. Instrument creation errors
// fall back to no-op instruments inside the OTel API, so they are ignored.
func NewInstruments() *Instruments {
	meter := otel.Meter(InstrumentationName)
	in := &Instruments{Tracer: otel.Tracer(InstrumentationName)}
	in.refreshes, _ = meter.Int64Counter("session.refresh.attempts",
		metric.WithDescription("Token refresh attempts by path and outcome"))
	in.logouts, _ = meter.Int64Counter("session.logouts",
		metric.WithDescription("Sessions ended, by reason"))
	in.otpSends, _ = meter.Int64Counter("registration.otp.sends",
		metric.WithDescription("OTP send attempts by channel and outcome"))
	in.refreshDuration, _ = meter.Float64Histogram("session.refresh.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of a refresh including fallback"))
	return in
}

// RecordRefresh counts one refresh attempt on path ("primary" or "fallback").
func (in *Instruments) RecordRefresh(ctx context.Context, path, outcome string) {
	if in == nil || in.refreshes == nil {
		return
	}
	in.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	))
}

// RecordRefreshDuration records the total refresh time in seconds.
func (in *Instruments) RecordRefreshDuration(ctx context.Context, seconds float64, outcome string) {
	if in == nil || in.refreshDuration == nil {
		return
	}
	in.refreshDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordLogout counts a session end.
func (in *Instruments) RecordLogout(ctx context.Context, reason string) {
	if in == nil || in.logouts == nil {
		return
	}
	in.logouts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordOTPSend counts an OTP send attempt.
func (in *Instruments) RecordOTPSend(ctx context.Context, channel, outcome string) {
	if in == nil || in.otpSends == nil {
		return
	}
	in.otpSends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

// StartSpan starts a span from the instruments' tracer, or from the global tracer when in is nil.
func (in *Instruments) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(InstrumentationName)
	if in != nil && in.Tracer != nil {
		tracer = in.Tracer
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
