package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by service, route, method and status.",
		},
		[]string{"service", "route", "method", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by service, route and method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "route", "method"},
	)
	cloudRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govee_cloud_requests_total",
			Help: "Govee cloud API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govee_push_events_total",
			Help: "Broker messages by session and outcome.",
		},
		[]string{"session", "outcome"},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "govee_poll_duration_seconds",
			Help:    "Duration of one full state refresh across all devices.",
			Buckets: prometheus.DefBuckets,
		},
	)
	pollFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "govee_poll_device_failures_total",
			Help: "Per-device state fetch failures during refresh.",
		},
	)
	sessionPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "govee_session_phase",
			Help: "1 for the current lifecycle phase of each broker session.",
		},
		[]string{"session", "phase"},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, requestDuration, cloudRequests, pushEvents, pollDuration, pollFailures, sessionPhase)
}

func ObserveCloudRequest(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cloudRequests.WithLabelValues(op, outcome).Inc()
}

func ObservePush(session, outcome string) {
	pushEvents.WithLabelValues(session, outcome).Inc()
}

func ObservePoll(d time.Duration, failures int) {
	pollDuration.Observe(d.Seconds())
	if failures > 0 {
		pollFailures.Add(float64(failures))
	}
}

// SetSessionPhase flips the phase gauge for session to current.
func SetSessionPhase(session, current string, phases []string) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		sessionPhase.WithLabelValues(session, p).Set(v)
	}
}

// Telemetry holds the process-wide tracer and the prometheus handler.
type Telemetry struct {
	Tracer      oteltrace.Tracer
	Metrics     http.Handler
	serviceName string
	shutdown    []func(context.Context) error
}

// Setup installs the otel propagator, meter and tracer providers. Spans are
// exported over OTLP/HTTP only when an OTLP endpoint is configured.
func Setup(ctx context.Context, serviceName string) (*Telemetry, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tpOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" || os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") != "" {
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, trace.WithBatcher(exp))
		slog.Info("otlp trace export enabled")
	}
	tp := trace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return &Telemetry{
		Tracer:      tp.Tracer(serviceName),
		Metrics:     promhttp.Handler(),
		serviceName: serviceName,
		shutdown:    []func(context.Context) error{tp.Shutdown, meterProvider.Shutdown},
	}, nil
}

// Shutdown flushes pending spans and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func (t *Telemetry) Middleware() func(http.Handler) http.Handler {
	return Middleware(t.Tracer, t.serviceName)
}

// Middleware records a span, a request counter and a latency histogram per
// request. Requests are labelled by chi route pattern so device ids never
// become label values.
func Middleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, oteltrace.WithSpanKind(oteltrace.SpanKindServer))
			defer span.End()
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", rw.status),
			)
			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}
			status := strconv.Itoa(rw.status)
			requestCounter.WithLabelValues(serviceName, route, r.Method, status).Inc()
			requestDuration.WithLabelValues(serviceName, route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern is the matched chi pattern, or "unmatched" outside a chi
// router or for 404s.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack keeps websocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
