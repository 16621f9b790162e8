// Package observer is the public entry point: an Observer is bound to one
// target (the system, a pid, or a process name) and polled for a bitmask of
// metrics.
//
//	obs, err := observer.New(models.NameTarget("nginx"))
//	if err != nil { ... }
//	defer obs.Close()
//	res, err := obs.Poll(ctx, registry.ProcessProcessorUsage|registry.ProcessThreads)
package observer

import (
	"context"
	"time"

	"github.com/HerbHall/procwatch/internal/collector"
	"github.com/HerbHall/procwatch/internal/engine"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
	"go.uber.org/zap"
)

// Outcome is the settled value of PollAsync.
type Outcome = engine.Outcome

// Recorder receives poll telemetry.
type Recorder = engine.Recorder

type options struct {
	collector platform.Collector
	backend   string
	engine    *engine.Engine
	logger    *zap.Logger
	clock     func() time.Time
	recorder  Recorder
	nameRetry bool
	fanout    int
}

// Option configures New and Processes.
type Option func(*options)

// WithCollector samples through c instead of the platform default.
func WithCollector(c platform.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithBackend selects the built-in collector: "auto", "procfs" or "gopsutil".
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

// WithEngine shares an existing engine between observers.
func WithEngine(e *engine.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source used to timestamp samples.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithNameRetry toggles the one-shot re-resolution of name targets that
// suddenly match nothing. Enabled by default.
func WithNameRetry(enabled bool) Option {
	return func(o *options) { o.nameRetry = enabled }
}

// WithFanout bounds concurrent sampling of name-target instances.
func WithFanout(n int) Option {
	return func(o *options) { o.fanout = n }
}

func buildOptions(opts []Option) options {
	o := options{backend: collector.BackendAuto, nameRetry: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func (o *options) platformCollector() (platform.Collector, error) {
	if o.engine != nil {
		return o.engine.Collector(), nil
	}
	if o.collector != nil {
		return o.collector, nil
	}
	c, err := collector.New(o.backend, o.logger)
	if err != nil {
		return nil, models.NewError(models.ErrorCollectorUnavailable, "collector", models.SystemTarget(), err)
	}
	return c, nil
}

// NewEngine builds an engine from opts, for callers that create many
// observers over one collector.
func NewEngine(opts ...Option) (*engine.Engine, error) {
	o := buildOptions(opts)
	o.engine = nil
	return o.newEngine()
}

func (o *options) newEngine() (*engine.Engine, error) {
	if o.engine != nil {
		return o.engine, nil
	}
	c, err := o.platformCollector()
	if err != nil {
		return nil, err
	}
	return engine.New(c,
		engine.WithLogger(o.logger.Named("engine")),
		engine.WithClock(o.clock),
		engine.WithRecorder(o.recorder),
		engine.WithNameRetry(o.nameRetry),
		engine.WithFanout(o.fanout),
	), nil
}

// Observer polls one target. It is safe for concurrent use; polls of one
// observer are serialized.
type Observer struct {
	engine  *engine.Engine
	session *engine.Session
}

// New returns an observer bound to target. The target is validated but not
// resolved: a missing process is reported by Poll.
func New(target models.Target, opts ...Option) (*Observer, error) {
	s, err := engine.NewSession(target)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	e, err := o.newEngine()
	if err != nil {
		return nil, err
	}
	return &Observer{engine: e, session: s}, nil
}

// Type returns the target kind.
func (o *Observer) Type() models.TargetKind { return o.session.Target().Kind }

// Object returns the bound identity: nil, the pid, or the process name.
func (o *Observer) Object() any { return o.session.Target().Object() }

// Target returns the bound target.
func (o *Observer) Target() models.Target { return o.session.Target() }

// Poll samples the metrics selected by mask. A zero mask returns an empty
// result without touching the OS.
func (o *Observer) Poll(ctx context.Context, mask models.MetricMask) (*models.PollResult, error) {
	return o.engine.Poll(ctx, o.session, mask)
}

// PollAsync starts a poll and returns a channel receiving its outcome.
func (o *Observer) PollAsync(ctx context.Context, mask models.MetricMask) <-chan Outcome {
	return o.engine.PollAsync(ctx, o.session, mask)
}

// Close releases the sample cache. Polls after Close fail with
// models.ErrClosed.
func (o *Observer) Close() error {
	o.session.Close()
	return nil
}
