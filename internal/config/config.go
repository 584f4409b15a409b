// Package config loads the line description and process settings from HCL.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults applied to omitted blocks and attributes.
const (
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultMetricsAddr    = ":9090"
	DefaultGRPCAddr       = ":50051"
	DefaultTraceExporter  = "stdout"
	DefaultCoalesceWindow = 20 * time.Millisecond
)

// Config is the decoded configuration file.
type Config struct {
	Line    Line     `hcl:"line,block"`
	Logging *Logging `hcl:"logging,block"`
	Metrics *Metrics `hcl:"metrics,block"`
	GRPC    *GRPC    `hcl:"grpc,block"`
	Tracing *Tracing `hcl:"tracing,block"`
	Routing *Routing `hcl:"routing,block"`
}

// Line describes the modules, their connections and the operator overrides
// applied at start-up.
type Line struct {
	Name             string   `hcl:"name,label"`
	Modules          []Module `hcl:"module,block"`
	Edges            []Edge   `hcl:"edge,block"`
	Forces           []Force  `hcl:"force,block"`
	IgnoreDownstream []string `hcl:"ignore_downstream,optional"`
}

type Module struct {
	Name        string `hcl:"name,label"`
	Type        int    `hcl:"type"`
	MaxCapacity int    `hcl:"max_capacity,optional"`
	Limit       int    `hcl:"limit,optional"`
}

type Edge struct {
	Source         string `hcl:"source"`
	SourcePort     int    `hcl:"source_port,optional"`
	Target         string `hcl:"target"`
	TargetPort     int    `hcl:"target_port,optional"`
	ForcingEnabled bool   `hcl:"forcing_enabled,optional"`
}

// Force forces the edge leaving Source through SourcePort.
type Force struct {
	Source     string `hcl:"source"`
	SourcePort int    `hcl:"source_port,optional"`
}

type Logging struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

type Metrics struct {
	Addr string `hcl:"addr,optional"`
}

type GRPC struct {
	Addr string `hcl:"addr,optional"`
}

type Tracing struct {
	Enabled     bool    `hcl:"enabled,optional"`
	Exporter    string  `hcl:"exporter,optional"`
	Endpoint    string  `hcl:"endpoint,optional"`
	SampleRatio float64 `hcl:"sample_ratio,optional"`
}

type Routing struct {
	CoalesceWindow string `hcl:"coalesce_window,optional"`
}

// Load reads, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(src, path)
}

// Parse decodes and validates HCL source. filename is only used in
// diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.GRPC == nil {
		c.GRPC = &GRPC{}
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = DefaultGRPCAddr
	}
	if c.Tracing == nil {
		c.Tracing = &Tracing{}
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = DefaultTraceExporter
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Routing == nil {
		c.Routing = &Routing{}
	}
	if c.Routing.CoalesceWindow == "" {
		c.Routing.CoalesceWindow = DefaultCoalesceWindow.String()
	}
}

// CoalesceWindow returns the parsed recalculation window.
func (c *Config) CoalesceWindow() time.Duration {
	if c.Routing == nil {
		return DefaultCoalesceWindow
	}
	d, err := time.ParseDuration(c.Routing.CoalesceWindow)
	if err != nil {
		return DefaultCoalesceWindow
	}
	return d
}

// Validate checks the line description for consistency. All problems are
// reported together, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	modules := make(map[string]Module, len(c.Line.Modules))
	for _, m := range c.Line.Modules {
		if m.Name == "" {
			add("module with empty name")
			continue
		}
		if _, dup := modules[m.Name]; dup {
			add("module %q declared twice", m.Name)
		}
		modules[m.Name] = m
		if m.Type <= 0 {
			add("module %q: type must be > 0, got %d", m.Name, m.Type)
		}
		if m.MaxCapacity < 0 {
			add("module %q: max_capacity must not be negative", m.Name)
		}
		if m.Limit < 0 {
			add("module %q: limit must not be negative", m.Name)
		}
	}
	if len(modules) == 0 {
		add("line %q declares no modules", c.Line.Name)
	}

	type portKey struct {
		source string
		port   int
	}
	edges := make(map[portKey]Edge, len(c.Line.Edges))
	for _, e := range c.Line.Edges {
		if _, ok := modules[e.Source]; !ok {
			add("edge source %q is not a declared module", e.Source)
		}
		if _, ok := modules[e.Target]; !ok {
			add("edge target %q is not a declared module", e.Target)
		}
		if e.SourcePort < 0 || e.TargetPort < 0 {
			add("edge %s:%d -> %s:%d: ports must not be negative", e.Source, e.SourcePort, e.Target, e.TargetPort)
		}
		key := portKey{e.Source, e.SourcePort}
		if _, dup := edges[key]; dup {
			add("edge from %s port %d declared twice", e.Source, e.SourcePort)
		}
		edges[key] = e
	}

	for _, f := range c.Line.Forces {
		e, ok := edges[portKey{f.Source, f.SourcePort}]
		switch {
		case !ok:
			add("force %s:%d does not match an edge", f.Source, f.SourcePort)
		case !e.ForcingEnabled:
			add("force %s:%d targets an edge without forcing_enabled", f.Source, f.SourcePort)
		}
	}
	for _, name := range c.Line.IgnoreDownstream {
		if _, ok := modules[name]; !ok {
			add("ignore_downstream references unknown module %q", name)
		}
	}

	if c.Tracing != nil && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		add("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	if c.Routing != nil && c.Routing.CoalesceWindow != "" {
		if d, err := time.ParseDuration(c.Routing.CoalesceWindow); err != nil {
			add("routing.coalesce_window: %v", err)
		} else if d < 0 {
			add("routing.coalesce_window must not be negative")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}
