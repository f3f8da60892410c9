package shm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shm-channel/pkg/shm"

// Metrics are the Prometheus collectors shared by every endpoint of a process.
type Metrics struct {
	Sent           *prometheus.CounterVec
	Received       *prometheus.CounterVec
	Timeouts       *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec
	UnlinkWarnings *prometheus.CounterVec
	WaitSeconds    *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics builds the collectors and registers them with reg when it is
// not nil. Collectors already registered under the same names are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	labels := []string{"channel", "role"}
	m := &Metrics{
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmchan_messages_sent_total",
			Help: "Messages committed to the channel.",
		}, labels),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmchan_messages_received_total",
			Help: "Messages read from the channel.",
		}, labels),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmchan_wait_timeouts_total",
			Help: "Waits for a turn that reached their deadline.",
		}, labels),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmchan_protocol_errors_total",
			Help: "Corrupted state words observed.",
		}, labels),
		UnlinkWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmchan_unlink_warnings_total",
			Help: "Best-effort unlinks on close that failed.",
		}, labels),
		WaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shmchan_wait_seconds",
			Help:    "Time spent waiting for a turn.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, append(labels, "turn")),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.Sent, err = register(reg, m.Sent); err != nil {
		return nil, err
	}
	if m.Received, err = register(reg, m.Received); err != nil {
		return nil, err
	}
	if m.Timeouts, err = register(reg, m.Timeouts); err != nil {
		return nil, err
	}
	if m.ProtocolErrors, err = register(reg, m.ProtocolErrors); err != nil {
		return nil, err
	}
	if m.UnlinkWarnings, err = register(reg, m.UnlinkWarnings); err != nil {
		return nil, err
	}
	if m.WaitSeconds, err = register(reg, m.WaitSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func unregisteredMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, _ = NewMetrics(nil)
	})
	return defaultMetrics
}

// telemetry is the per-endpoint binding of Metrics, the OTel meter and tracer.
type telemetry struct {
	m      *Metrics
	labels prometheus.Labels
	tracer trace.Tracer
	bytes  metric.Int64Counter
	attrs  attribute.Set
}

func newTelemetry(config *Config) (*telemetry, error) {
	t := &telemetry{
		m:      config.Metrics,
		labels: prometheus.Labels{"channel": config.Name, "role": config.Role.String()},
		tracer: config.Tracer,
		attrs: attribute.NewSet(
			attribute.String("shm.channel", config.Name),
			attribute.String("shm.role", config.Role.String()),
		),
	}
	if t.m == nil {
		t.m = unregisteredMetrics()
	}
	if t.tracer == nil {
		t.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	meter := config.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	var err error
	t.bytes, err = meter.Int64Counter("shm.channel.bytes",
		metric.WithDescription("Payload bytes moved through the channel."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "shm."+op, trace.WithAttributes(t.attrs.ToSlice()...))
}

func (t *telemetry) waited(turn Turn, d time.Duration) {
	t.m.WaitSeconds.WithLabelValues(t.labels["channel"], t.labels["role"], turn.String()).Observe(d.Seconds())
}

func (t *telemetry) moved(ctx context.Context, direction string, n int) {
	t.bytes.Add(ctx, int64(n), metric.WithAttributeSet(t.attrs), metric.WithAttributes(attribute.String("direction", direction)))
}

// fail records err on the span and bumps the matching counter.
func (t *telemetry) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var pe *ProtocolError
	switch {
	case errors.Is(err, ErrTimedOut):
		t.m.Timeouts.With(t.labels).Inc()
	case errors.As(err, &pe):
		t.m.ProtocolErrors.With(t.labels).Inc()
	}
}
