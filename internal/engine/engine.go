// Package engine runs polls: it resolves a session's target, samples the raw
// counters the requested metrics need, and turns them into readings using
// the session's sample cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/HerbHall/procwatch/internal/registry"
	"github.com/HerbHall/procwatch/internal/resolver"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Recorder receives poll telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	PollFinished(kind models.TargetKind, err error, elapsed time.Duration)
	MetricUnavailable(kind models.TargetKind, key string)
}

type nopRecorder struct{}

func (nopRecorder) PollFinished(models.TargetKind, error, time.Duration) {}
func (nopRecorder) MetricUnavailable(models.TargetKind, string)          {}

// Outcome is the settled value of an asynchronous poll.
type Outcome struct {
	Result *models.PollResult
	Err    error
}

// Engine executes polls against one collector. It holds no per-target state;
// that lives in Session.
type Engine struct {
	collector platform.Collector
	resolver  *resolver.Resolver
	now       func() time.Time
	logger    *zap.Logger
	recorder  Recorder
	nameRetry bool
	fanout    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the time source used to timestamp samples.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithNameRetry toggles the single re-resolution of a name target that
// matched processes on its previous poll and matches none now.
func WithNameRetry(enabled bool) Option {
	return func(e *Engine) { e.nameRetry = enabled }
}

// WithFanout bounds how many name-target instances are sampled at once.
func WithFanout(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fanout = n
		}
	}
}

// New returns an Engine sampling through c.
func New(c platform.Collector, opts ...Option) *Engine {
	e := &Engine{
		collector: c,
		resolver:  resolver.New(c),
		now:       time.Now,
		logger:    zap.NewNop(),
		recorder:  nopRecorder{},
		nameRetry: true,
		fanout:    runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Collector returns the collector the engine samples through.
func (e *Engine) Collector() platform.Collector { return e.collector }

// Poll runs one poll of s and waits for it or for ctx. When ctx ends first
// the poll keeps running in the background until the collector returns.
func (e *Engine) Poll(ctx context.Context, s *Session, mask models.MetricMask) (*models.PollResult, error) {
	ch := e.PollAsync(ctx, s, mask)
	select {
	case o := <-ch:
		return o.Result, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PollAsync starts a poll of s and returns a channel that receives exactly
// one Outcome.
func (e *Engine) PollAsync(ctx context.Context, s *Session, mask models.MetricMask) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		start := time.Now()
		res, err := e.run(ctx, s, mask)
		e.recorder.PollFinished(s.target.Kind, err, time.Since(start))
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

func (e *Engine) run(ctx context.Context, s *Session, mask models.MetricMask) (res *models.PollResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("poll panicked",
				zap.Stringer("target", s.target),
				zap.Any("panic", r),
			)
			res = nil
			err = models.NewError(models.ErrorCollectorUnavailable, "poll", s.target, fmt.Errorf("panic: %v", r))
		}
	}()

	if s.Closed() {
		return nil, models.NewError(models.ErrorClosed, "poll", s.target, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Closed() {
		return nil, models.NewError(models.ErrorClosed, "poll", s.target, nil)
	}

	metrics := registry.Lookup(s.target.Kind, mask)
	if len(metrics) == 0 {
		return &models.PollResult{
			Target:    s.target,
			Timestamp: e.now(),
			Values:    map[string]models.Reading{},
		}, nil
	}
	keys := registry.Sources(metrics)

	resolved, err := e.resolve(ctx, s)
	if err != nil {
		return nil, err
	}

	switch s.target.Kind {
	case models.TargetProcessID:
		return e.pollProcess(ctx, s, resolved.Processes[0], metrics, keys)
	case models.TargetProcessName:
		return e.pollName(ctx, s, resolved, metrics, keys)
	}
	return e.pollSystem(ctx, s, metrics, keys)
}

// resolve resolves the session target and applies the name retry rule.
// Cache entries of a process id target that no longer resolves are evicted.
func (e *Engine) resolve(ctx context.Context, s *Session) (models.ResolvedTarget, error) {
	resolved, err := e.resolver.Resolve(ctx, s.target)
	if err != nil {
		if s.target.Kind == models.TargetProcessID && errors.Is(err, models.ErrTargetNotFound) {
			s.cache.Clear()
		}
		return models.ResolvedTarget{}, err
	}

	if s.target.Kind == models.TargetProcessName && len(resolved.Processes) == 0 && s.lastMatched > 0 && e.nameRetry {
		e.logger.Debug("name target matched nothing, re-resolving",
			zap.String("name", s.target.Name),
			zap.Int("previous_matches", s.lastMatched),
		)
		resolved, err = e.resolver.Resolve(ctx, s.target)
		if err != nil {
			return models.ResolvedTarget{}, err
		}
	}
	s.lastMatched = len(resolved.Processes)
	return resolved, nil
}

func (e *Engine) pollSystem(ctx context.Context, s *Session, metrics []registry.Metric, keys []string) (*models.PollResult, error) {
	raw, err := e.collector.SampleSystem(ctx, keys)
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return nil, models.NewError(models.ErrorCollectorUnavailable, "sample", s.target, err)
	}
	at := e.now()
	return &models.PollResult{
		Target:    s.target,
		Timestamp: at,
		Values:    e.evaluate(s, models.SystemKey, metrics, raw, at),
	}, nil
}

func (e *Engine) pollProcess(ctx context.Context, s *Session, ref models.ProcessRef, metrics []registry.Metric, keys []string) (*models.PollResult, error) {
	id := ref.Key()
	// A pid recycled by a new process gets a new key; the old entry goes.
	s.cache.Retain([]string{id})

	raw, err := e.collector.SampleProcess(ctx, ref.PID, keys)
	at := e.now()
	if err != nil {
		switch {
		case isContextErr(err):
			return nil, err
		case errors.Is(err, models.ErrTargetNotFound):
			e.logger.Debug("process exited before sampling", zap.Uint32("pid", ref.PID))
			s.cache.Release(id)
			return &models.PollResult{
				Target:    s.target,
				Timestamp: at,
				Values:    e.unavailable(s.target.Kind, metrics),
			}, nil
		case models.KindOf(err) != "":
			return nil, err
		}
		return nil, models.NewError(models.ErrorCollectorUnavailable, "sample", s.target, err)
	}

	return &models.PollResult{
		Target:    s.target,
		Timestamp: at,
		Values:    e.evaluate(s, id, metrics, raw, at),
	}, nil
}

func (e *Engine) pollName(ctx context.Context, s *Session, resolved models.ResolvedTarget, metrics []registry.Metric, keys []string) (*models.PollResult, error) {
	s.cache.Retain(resolved.Keys())

	instances := make([]models.InstanceResult, len(resolved.Processes))
	var g errgroup.Group
	g.SetLimit(e.fanout)
	for i, ref := range resolved.Processes {
		g.Go(func() error {
			instances[i] = e.sampleInstance(ctx, s, ref, metrics, keys)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.PollResult{
		Target:    s.target,
		Timestamp: e.now(),
		Values:    aggregate(metrics, instances),
		Instances: instances,
	}, nil
}

// sampleInstance samples one process matched by a name target. Failures
// degrade only this instance.
func (e *Engine) sampleInstance(ctx context.Context, s *Session, ref models.ProcessRef, metrics []registry.Metric, keys []string) models.InstanceResult {
	id := ref.Key()
	raw, err := e.collector.SampleProcess(ctx, ref.PID, keys)
	at := e.now()
	if err != nil {
		if errors.Is(err, models.ErrTargetNotFound) {
			s.cache.Release(id)
		}
		e.logger.Debug("instance sample failed",
			zap.String("name", s.target.Name),
			zap.Uint32("pid", ref.PID),
			zap.Error(err),
		)
		return models.InstanceResult{PID: ref.PID, Values: e.unavailable(s.target.Kind, metrics)}
	}
	return models.InstanceResult{PID: ref.PID, Values: e.evaluate(s, id, metrics, raw, at)}
}

// evaluate computes every metric from raw, reading the previous sample of
// id before recording the new one.
func (e *Engine) evaluate(s *Session, id string, metrics []registry.Metric, raw models.RawValues, at time.Time) map[string]models.Reading {
	prev, _ := s.cache.Get(id)
	out := make(map[string]models.Reading, len(metrics))

	for _, m := range metrics {
		var (
			v  float64
			ok bool
		)
		if m.RequiresPriorSample {
			p, hasPrev := prev.Latest(m.Counter)
			cur, hasCur := raw[m.Counter]
			if hasPrev && hasCur {
				v, ok = m.Rate(p.Value, cur, at.Sub(p.At).Seconds(), raw)
			}
		} else {
			v, ok = m.Value(raw)
		}

		if ok {
			out[m.Key] = models.AvailableReading(v)
			continue
		}
		out[m.Key] = models.Unavailable
		e.recorder.MetricUnavailable(s.target.Kind, m.Key)
	}

	// A session closed mid-poll has a closed cache; the record is dropped.
	s.cache.Record(id, models.Snapshot{Timestamp: at, Values: raw})
	return out
}

func (e *Engine) unavailable(kind models.TargetKind, metrics []registry.Metric) map[string]models.Reading {
	out := make(map[string]models.Reading, len(metrics))
	for _, m := range metrics {
		out[m.Key] = models.Unavailable
		e.recorder.MetricUnavailable(kind, m.Key)
	}
	return out
}

// aggregate sums each metric over the instances that produced it. A metric
// no instance produced is unavailable.
func aggregate(metrics []registry.Metric, instances []models.InstanceResult) map[string]models.Reading {
	out := make(map[string]models.Reading, len(metrics))
	for _, m := range metrics {
		sum := models.Unavailable
		for _, inst := range instances {
			r := inst.Values[m.Key]
			if !r.Available {
				continue
			}
			sum = models.AvailableReading(sum.Value + r.Value)
		}
		out[m.Key] = sum
	}
	return out
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
