package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecalculationCollector exposes route calculation and forcing metrics. It
// satisfies routing.Recorder.
type RecalculationCollector struct {
	gatherer prometheus.Gatherer

	RouteCalculationDuration prometheus.Histogram
	ForcingRecalculations    prometheus.Counter
	ForcedPorts              *prometheus.GaugeVec
	SchedulerTriggers        *prometheus.CounterVec
}

// NewRecalculationCollector registers recalculation metrics against the
// provided registerer.
func NewRecalculationCollector(reg prometheus.Registerer) (*RecalculationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linerouter_route_calculation_duration_seconds",
		Help:    "Duration of single-item route calculations.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "linerouter_route_calculation_duration_seconds")
	if err != nil {
		return nil, err
	}

	recalcs, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linerouter_forcing_recalculations_total",
		Help: "Completed forcing recalculation passes.",
	}), "linerouter_forcing_recalculations_total")
	if err != nil {
		return nil, err
	}

	forced, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linerouter_forced_ports",
		Help: "Forced ports after the last recalculation, labeled by whether route-all is enabled.",
	}, []string{"state"}), "linerouter_forced_ports")
	if err != nil {
		return nil, err
	}

	triggers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linerouter_scheduler_triggers_total",
		Help: "Recalculation triggers, labeled by scheduler and whether they were folded into a scheduled run.",
	}, []string{"scheduler", "coalesced"}), "linerouter_scheduler_triggers_total")
	if err != nil {
		return nil, err
	}

	return &RecalculationCollector{
		gatherer:                 gatherer,
		RouteCalculationDuration: duration,
		ForcingRecalculations:    recalcs,
		ForcedPorts:              forced,
		SchedulerTriggers:        triggers,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RecalculationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveRouteCalculation records one single-item calculation.
func (c *RecalculationCollector) ObserveRouteCalculation(d time.Duration, _ bool) {
	if c == nil || c.RouteCalculationDuration == nil {
		return
	}
	c.RouteCalculationDuration.Observe(d.Seconds())
}

func (c *RecalculationCollector) IncForcingRecalculations() {
	if c == nil || c.ForcingRecalculations == nil {
		return
	}
	c.ForcingRecalculations.Inc()
}

// SetForcedPorts publishes the outcome of the last forcing pass.
func (c *RecalculationCollector) SetForcedPorts(enabled, disabled int) {
	if c == nil || c.ForcedPorts == nil {
		return
	}
	c.ForcedPorts.WithLabelValues("enabled").Set(float64(enabled))
	c.ForcedPorts.WithLabelValues("disabled").Set(float64(disabled))
}

// ObserveTrigger counts one scheduler trigger.
func (c *RecalculationCollector) ObserveTrigger(scheduler string, coalesced bool) {
	if c == nil || c.SchedulerTriggers == nil {
		return
	}
	c.SchedulerTriggers.WithLabelValues(scheduler, strconv.FormatBool(coalesced)).Inc()
}
