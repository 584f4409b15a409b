// Package routing decides where items go next: RouteCalculator picks a
// single hop per item, ForcingRouteCalculator layers operator "route all"
// overrides on top.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/signalsfoundry/linerouter/core"
	"github.com/signalsfoundry/linerouter/internal/logging"
	"github.com/signalsfoundry/linerouter/model"
)

const tracerName = "github.com/signalsfoundry/linerouter/internal/routing"

// transitionCost is the fixed cost of one hop.
const transitionCost = 1

var (
	ErrNilGraph        = errors.New("module graph is nil")
	ErrForcingDisabled = errors.New("forcing is not enabled on edge")
)

// Recorder receives routing measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveRouteCalculation(d time.Duration, routed bool)
	IncForcingRecalculations()
	SetForcedPorts(enabled, disabled int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRouteCalculation(time.Duration, bool) {}
func (noopRecorder) IncForcingRecalculations()                  {}
func (noopRecorder) SetForcedPorts(int, int)                    {}

// Option customises a RouteCalculator.
type Option func(*RouteCalculator)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(c *RouteCalculator) { c.log = logging.OrNoop(l) }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *RouteCalculator) {
		if r != nil {
			c.metrics = r
		}
	}
}

// RouteCalculator computes next hops over a ModuleGraph. It never mutates
// item routes; it only issues routing instructions to modules.
type RouteCalculator struct {
	graph   *core.ModuleGraph
	log     logging.Logger
	metrics Recorder
}

// NewRouteCalculator creates a calculator for graph.
func NewRouteCalculator(graph *core.ModuleGraph, opts ...Option) (*RouteCalculator, error) {
	if graph == nil {
		return nil, ErrNilGraph
	}
	c := &RouteCalculator{
		graph:   graph,
		log:     logging.Noop(),
		metrics: noopRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Graph returns the underlying graph.
func (c *RouteCalculator) Graph() *core.ModuleGraph {
	return c.graph
}

// edgeCostFor prefers paths through less occupied modules and excludes targets
// that are not running or whose input port is full.
func edgeCostFor(e *core.ModuleGraphEdge) float64 {
	if e.Target.State() != model.StateRun || e.Target.IsFull(e.TargetPort) {
		return math.Inf(1)
	}
	return float64(transitionCost + e.Target.CurrentItemCount())
}

// IsRoutePossible reports whether target can be reached from source over
// running modules with free input ports. Capacity limits are not considered
// here; CalculateSingleItemRouting checks them separately.
func (c *RouteCalculator) IsRoutePossible(source, target core.Module) bool {
	if source == nil || target == nil {
		return false
	}
	return computeShortestPaths(c.graph, source, edgeCostFor).Reachable(target)
}

// CalculateSingleItemRouting picks the next hop for item at current and
// instructs the hop's source module. It returns false when there is nothing
// to route or no candidate is currently eligible; callers treat that as a
// steady state.
func (c *RouteCalculator) CalculateSingleItemRouting(ctx context.Context, item *model.PlatformItem, current core.Module) bool {
	if item == nil || item.Route == nil || current == nil {
		return false
	}
	next, ok := item.Route.Next()
	if !ok {
		return false
	}

	start := time.Now()
	routed := c.routeTowards(ctx, item, current, next)
	c.metrics.ObserveRouteCalculation(time.Since(start), routed)
	return routed
}

func (c *RouteCalculator) routeTowards(ctx context.Context, item *model.PlatformItem, current core.Module, next model.RouteItem) bool {
	log := c.log.With(logging.ItemID(item.ItemID), logging.Module(current.Name()))

	candidates := c.candidatesByLoad(next.ModuleType)
	if len(candidates) == 0 {
		log.Debug(ctx, "no module of required type", logging.Int("module_type", next.ModuleType))
		return false
	}

	paths := computeShortestPaths(c.graph, current, edgeCostFor)
	for _, candidate := range candidates {
		if !paths.Reachable(candidate) {
			continue
		}
		if next.ForceModuleInstance != "" && candidate.Name() != next.ForceModuleInstance {
			continue
		}
		path := paths.Path(candidate)
		if len(path) == 0 {
			continue
		}
		if next.ForbiddenModuleType != 0 && pathEnters(path, next.ForbiddenModuleType) {
			log.Debug(ctx, "path enters forbidden module type",
				logging.String("target", candidate.Name()),
				logging.Int("forbidden_type", next.ForbiddenModuleType))
			continue
		}

		hop := path[0]
		if candidate.State() != model.StateRun {
			continue
		}
		if hop.Target.IsFull(hop.TargetPort) {
			continue
		}
		if !hasCapacity(hop.Target) || !hasCapacity(candidate) {
			continue
		}

		hop.Source.AddItemRouting(item, hop.OriginPort)
		log.Debug(ctx, "item routed",
			logging.String("target", candidate.Name()),
			logging.String("next_hop", hop.Target.Name()),
			logging.Port(hop.OriginPort))
		return true
	}
	return false
}

// candidatesByLoad returns modules of the given type, least loaded first.
func (c *RouteCalculator) candidatesByLoad(moduleType int) []core.Module {
	var out []core.Module
	for _, m := range c.graph.Vertices() {
		if m.ModuleTypeID() == moduleType {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return loadRatio(out[i]) < loadRatio(out[j])
	})
	return out
}

func loadRatio(m core.Module) float64 {
	if m.MaxCapacity() <= 0 {
		return 0
	}
	return float64(m.CurrentItemCount()) / float64(m.MaxCapacity())
}

func hasCapacity(m core.Module) bool {
	limit := m.LimitItemCount()
	return limit <= 0 || m.CurrentItemCount() < limit
}

func pathEnters(path []*core.ModuleGraphEdge, moduleType int) bool {
	for _, e := range path {
		if e.Target.ModuleTypeID() == moduleType {
			return true
		}
	}
	return false
}

// GetTargetModule returns the module reached by releasing an item from
// module through releasePort, or nil when the port leads nowhere.
func (c *RouteCalculator) GetTargetModule(releasePort int, module core.Module) core.Module {
	e := c.graph.EdgeFrom(module, releasePort)
	if e == nil {
		return nil
	}
	return e.Target
}

// GraphToDTO snapshots the graph for diagnostics.
func (c *RouteCalculator) GraphToDTO() core.ModuleGraphDTO {
	return c.graph.ToDTO()
}

// findEdge returns the edge source/sourcePort -> target/targetPort.
func (c *RouteCalculator) findEdge(source, target core.Module, sourcePort, targetPort int) (*core.ModuleGraphEdge, error) {
	if source == nil || target == nil {
		return nil, fmt.Errorf("%w: nil module", core.ErrEdgeNotFound)
	}
	e := c.graph.EdgeFrom(source, sourcePort)
	if e == nil || e.Target.Name() != target.Name() || e.TargetPort != targetPort {
		return nil, fmt.Errorf("%w: %s:%d -> %s:%d", core.ErrEdgeNotFound, source.Name(), sourcePort, target.Name(), targetPort)
	}
	return e, nil
}
