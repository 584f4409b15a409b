package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/linerouter/model"
)

// LineCollector bundles Prometheus metrics for item flow through the line and
// for the gRPC surface that reports its health.
type LineCollector struct {
	gatherer prometheus.Gatherer

	ItemEvents       *prometheus.CounterVec
	RoutingDecisions *prometheus.CounterVec
	ItemsLost        prometheus.Counter
	DuplicateItems   prometheus.Counter
	ModuleItems      *prometheus.GaugeVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewLineCollector registers line metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewLineCollector(reg prometheus.Registerer) (*LineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linerouter_item_events_total",
		Help: "Item events handled by the module bus, labeled by event type.",
	}, []string{"type"}), "linerouter_item_events_total")
	if err != nil {
		return nil, err
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linerouter_routing_decisions_total",
		Help: "Single-item routing attempts, labeled by outcome.",
	}, []string{"result"}), "linerouter_routing_decisions_total")
	if err != nil {
		return nil, err
	}

	lost, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linerouter_items_lost_total",
		Help: "Items released through a port that leads to no module.",
	}), "linerouter_items_lost_total")
	if err != nil {
		return nil, err
	}

	duplicates, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linerouter_duplicate_items_total",
		Help: "Item ids created while another module still held them.",
	}), "linerouter_duplicate_items_total")
	if err != nil {
		return nil, err
	}

	moduleItems, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linerouter_module_items",
		Help: "Items currently held by each module.",
	}, []string{"module"}), "linerouter_module_items")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linerouter_grpc_requests_total",
		Help: "Total number of handled RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "linerouter_grpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linerouter_grpc_request_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "linerouter_grpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &LineCollector{
		gatherer:         gatherer,
		ItemEvents:       events,
		RoutingDecisions: decisions,
		ItemsLost:        lost,
		DuplicateItems:   duplicates,
		ModuleItems:      moduleItems,
		RPCRequests:      requests,
		RPCDurations:     durations,
	}, nil
}

// IncItemEvent counts one handled item event.
func (c *LineCollector) IncItemEvent(t model.EventType) {
	if c == nil || c.ItemEvents == nil {
		return
	}
	c.ItemEvents.WithLabelValues(t.String()).Inc()
}

// ObserveRoutingDecision counts one routing attempt.
func (c *LineCollector) ObserveRoutingDecision(routed bool) {
	if c == nil || c.RoutingDecisions == nil {
		return
	}
	result := "no_route"
	if routed {
		result = "routed"
	}
	c.RoutingDecisions.WithLabelValues(result).Inc()
}

func (c *LineCollector) IncItemsLost() {
	if c == nil || c.ItemsLost == nil {
		return
	}
	c.ItemsLost.Inc()
}

func (c *LineCollector) IncDuplicateItems() {
	if c == nil || c.DuplicateItems == nil {
		return
	}
	c.DuplicateItems.Inc()
}

// SetModuleItems updates the item gauge for one module.
func (c *LineCollector) SetModuleItems(module string, count int) {
	if c == nil || c.ModuleItems == nil {
		return
	}
	c.ModuleItems.WithLabelValues(module).Set(float64(count))
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *LineCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *LineCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds c to reg, returning the already registered collector of the
// same type when one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	return register(reg, vec, name)
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	return register(reg, vec, name)
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	return register(reg, vec, name)
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	return register(reg, counter, name)
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	return register(reg, hist, name)
}
