package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/linerouter/core"
	"github.com/signalsfoundry/linerouter/internal/logging"
	"github.com/signalsfoundry/linerouter/internal/scheduler"
	"github.com/signalsfoundry/linerouter/model"
)

// ForcingRouteCalculator adds operator overrides to RouteCalculator: a forced
// port releases every item over its edge for as long as the edge's target can
// take them.
//
// Recalculation is debounced through a SingleAction scheduler. The forcing
// state is guarded by mu, which DoRecalculateRoute holds for its whole run, so
// API calls and recalculations never interleave.
type ForcingRouteCalculator struct {
	*RouteCalculator

	mu                sync.Mutex
	forcedPorts       map[string]map[int]struct{}
	ignoreTargetState map[string]struct{}

	recalc *scheduler.SingleAction
}

// ForcingOption customises a ForcingRouteCalculator.
type ForcingOption func(*forcingSettings)

type forcingSettings struct {
	window    time.Duration
	onTrigger func(coalesced bool)
}

// WithCoalesceWindow delays each scheduled recalculation by d so that bursts
// of state changes collapse into one run.
func WithCoalesceWindow(d time.Duration) ForcingOption {
	return func(s *forcingSettings) { s.window = d }
}

// WithTriggerHook observes every recalculation request.
func WithTriggerHook(fn func(coalesced bool)) ForcingOption {
	return func(s *forcingSettings) { s.onTrigger = fn }
}

// NewForcingRouteCalculator wraps base.
func NewForcingRouteCalculator(base *RouteCalculator, opts ...ForcingOption) (*ForcingRouteCalculator, error) {
	if base == nil {
		return nil, ErrNilGraph
	}
	var settings forcingSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	f := &ForcingRouteCalculator{
		RouteCalculator:   base,
		forcedPorts:       make(map[string]map[int]struct{}),
		ignoreTargetState: make(map[string]struct{}),
	}
	f.recalc = scheduler.NewSingleAction(
		func() { f.DoRecalculateRoute(context.Background()) },
		scheduler.WithWindow(settings.window),
		scheduler.WithTriggerHook(settings.onTrigger),
	)
	return f, nil
}

// ForcePath forces all traffic leaving source through sourcePort onto the
// edge to target/targetPort. The edge must exist and allow forcing.
func (f *ForcingRouteCalculator) ForcePath(ctx context.Context, source, target core.Module, sourcePort, targetPort int) error {
	e, err := f.findEdge(source, target, sourcePort, targetPort)
	if err != nil {
		return err
	}
	if !e.IsForcingEnabled {
		return fmt.Errorf("%w: %s:%d -> %s:%d", ErrForcingDisabled, source.Name(), sourcePort, target.Name(), targetPort)
	}

	f.mu.Lock()
	ports, ok := f.forcedPorts[source.Name()]
	if !ok {
		ports = make(map[int]struct{})
		f.forcedPorts[source.Name()] = ports
	}
	ports[sourcePort] = struct{}{}
	f.mu.Unlock()

	f.log.Info(ctx, "path forced", logging.Module(source.Name()), logging.Port(sourcePort), logging.String("target", target.Name()))
	f.RecalculateRoute()
	return nil
}

// ReleaseForcePath removes a forced port and its route-all instruction.
func (f *ForcingRouteCalculator) ReleaseForcePath(ctx context.Context, source, target core.Module, sourcePort, targetPort int) error {
	if _, err := f.findEdge(source, target, sourcePort, targetPort); err != nil {
		return err
	}

	f.mu.Lock()
	if ports, ok := f.forcedPorts[source.Name()]; ok {
		delete(ports, sourcePort)
		if len(ports) == 0 {
			delete(f.forcedPorts, source.Name())
		}
	}
	source.RemovePortRouting(sourcePort)
	f.mu.Unlock()

	f.log.Info(ctx, "forced path released", logging.Module(source.Name()), logging.Port(sourcePort), logging.String("target", target.Name()))
	f.RecalculateRoute()
	return nil
}

// SetIgnoreDownstreamModule makes forcing from the named module disregard the
// state of its downstream targets. It reports whether the flag changed.
func (f *ForcingRouteCalculator) SetIgnoreDownstreamModule(name string, ignore bool) bool {
	f.mu.Lock()
	_, current := f.ignoreTargetState[name]
	if current == ignore {
		f.mu.Unlock()
		return false
	}
	if ignore {
		f.ignoreTargetState[name] = struct{}{}
	} else {
		delete(f.ignoreTargetState, name)
	}
	f.mu.Unlock()

	f.RecalculateRoute()
	return true
}

// GetIgnoreDownstreamModule reports whether downstream state is ignored for
// the named module.
func (f *ForcingRouteCalculator) GetIgnoreDownstreamModule(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ignoreTargetState[name]
	return ok
}

// CurrentForcedPorts returns the forced ports per module name, sorted.
func (f *ForcingRouteCalculator) CurrentForcedPorts() map[string][]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]int, len(f.forcedPorts))
	for name, ports := range f.forcedPorts {
		out[name] = sortedPorts(ports)
	}
	return out
}

// RecalculateRoute schedules a recalculation. Calls made while one is pending
// are collapsed; a call during a running recalculation yields one more run.
func (f *ForcingRouteCalculator) RecalculateRoute() {
	f.recalc.Trigger()
}

// Wait blocks until scheduled recalculations have finished.
func (f *ForcingRouteCalculator) Wait() {
	f.recalc.Wait()
}

// Close stops the recalculation scheduler.
func (f *ForcingRouteCalculator) Close() {
	f.recalc.Close()
}

// DoRecalculateRoute enables or disables route-all on every forced port
// according to the current state of its edge target.
//
// Modules are visited in name order. The first module that has not finished
// initialising ends the whole pass; the next trigger retries.
func (f *ForcingRouteCalculator) DoRecalculateRoute(ctx context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "routing/DoRecalculateRoute")
	defer span.End()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.metrics.IncForcingRecalculations()

	names := make([]string, 0, len(f.forcedPorts))
	for name := range f.forcedPorts {
		names = append(names, name)
	}
	sort.Strings(names)

	enabled, disabled := 0, 0
	defer func() {
		f.metrics.SetForcedPorts(enabled, disabled)
		span.SetAttributes(attribute.Int("forced.enabled", enabled), attribute.Int("forced.disabled", disabled))
	}()

	for _, name := range names {
		source := f.graph.Vertex(name)
		if source == nil {
			continue
		}
		if !source.IsInitialized() {
			f.log.Debug(ctx, "forcing deferred until module is initialized", logging.Module(name))
			return
		}
		_, ignoreTarget := f.ignoreTargetState[name]

		for _, port := range sortedPorts(f.forcedPorts[name]) {
			e := f.graph.EdgeFrom(source, port)
			if e == nil {
				source.RemovePortRouting(port)
				disabled++
				continue
			}
			target := e.Target

			isPortFree := !target.IsFull(e.TargetPort)
			capacityOK := hasCapacity(target)
			targetStateOK := ignoreTarget || model.IsRunStandbyOrInTransition(target.State(), target.OldState())

			if isPortFree && capacityOK && targetStateOK {
				source.AddPortRouting(port)
				enabled++
			} else {
				source.RemovePortRouting(port)
				disabled++
			}
		}
	}
}

func sortedPorts(ports map[int]struct{}) []int {
	out := make([]int, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
