// Package watch runs the polls declared in the watches section of the
// configuration on their own intervals and publishes every outcome.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/procwatch/internal/config"
	"github.com/HerbHall/procwatch/internal/engine"
	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/internal/history"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/observer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Watch is one configured periodic poll.
type Watch struct {
	name     string
	obs      *observer.Observer
	mask     models.MetricMask
	interval time.Duration
}

// Build creates the observer a watch polls through eng.
func Build(s config.WatchSettings, eng *engine.Engine) (*Watch, error) {
	kind := models.TargetSystem
	if s.Kind != "" {
		k, err := models.ParseTargetKind(strings.ToLower(s.Kind))
		if err != nil {
			return nil, fmt.Errorf("watch %q: %w", s.Name, err)
		}
		kind = k
	}

	var mask models.MetricMask
	var err error
	switch {
	case s.Mask != 0:
		mask, err = observer.ParseMask(s.Mask)
	case len(s.Metrics) > 0:
		mask, err = observer.MaskFor(kind, s.Metrics...)
	default:
		mask, err = observer.MaskFor(kind, "all")
	}
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", s.Name, err)
	}

	target := models.Target{Kind: kind, PID: s.PID, Name: s.Process}
	obs, err := observer.New(target, observer.WithEngine(eng))
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", s.Name, err)
	}
	return &Watch{name: s.Name, obs: obs, mask: mask, interval: s.Interval}, nil
}

// Name returns the configured watch name.
func (w *Watch) Name() string { return w.name }

// Source is the event source of the watch's polls.
func (w *Watch) Source() string { return "watch:" + w.name }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHistory prunes samples older than retention from repo every
// interval while the scheduler runs.
func WithHistory(repo history.Repository, retention, interval time.Duration) Option {
	return func(s *Scheduler) {
		s.history = repo
		s.retention = retention
		s.pruneEvery = interval
	}
}

// WithClock replaces time.Now for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs a set of watches.
type Scheduler struct {
	watches []*Watch
	bus     event.Publisher
	logger  *zap.Logger
	now     func() time.Time

	history    history.Repository
	retention  time.Duration
	pruneEvery time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewScheduler builds every watch in settings. All invalid watches are
// reported together.
func NewScheduler(settings []config.WatchSettings, eng *engine.Engine, bus event.Publisher, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{bus: bus, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	var errs []error
	for _, ws := range settings {
		w, err := Build(ws, eng)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.watches = append(s.watches, w)
	}
	if err := errors.Join(errs...); err != nil {
		s.closeAll()
		return nil, err
	}
	return s, nil
}

// Watches returns the scheduled watches.
func (s *Scheduler) Watches() []*Watch { return s.watches }

// Run polls every watch until ctx is cancelled, then closes the observers.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	defer s.closeAll()

	s.logger.Info("watch scheduler starting", zap.Int("watches", len(s.watches)))

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.watches {
		g.Go(func() error {
			s.loop(ctx, w)
			return nil
		})
	}
	if s.history != nil && s.retention > 0 && s.pruneEvery > 0 {
		g.Go(func() error {
			s.pruneLoop(ctx)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("watch scheduler stopped")
	return err
}

// Stop signals Run to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context, w *Watch) {
	logger := s.logger.With(zap.String("watch", w.name))
	logger.Debug("watch started", zap.Duration("interval", w.interval), zap.Stringer("target", w.obs.Target()))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx, w, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one poll of w and publishes its outcome.
func (s *Scheduler) tick(ctx context.Context, w *Watch, logger *zap.Logger) {
	res, err := w.obs.Poll(ctx, w.mask)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Debug("watch poll failed", zap.Error(err))
		s.bus.PublishAsync(ctx, event.Event{
			Topic:   event.TopicPollFailed,
			Source:  w.Source(),
			Payload: event.PollFailed{Target: w.obs.Target(), Err: err},
		})
		return
	}
	s.bus.PublishAsync(ctx, event.Event{
		Topic:   event.TopicPollCompleted,
		Source:  w.Source(),
		Payload: event.PollCompleted{Result: res},
	})
}

func (s *Scheduler) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("history prune failed", zap.Error(err))
			}
		}
	}
}

// Prune deletes history samples older than the retention period.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	if s.history == nil || s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.history.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("pruned history", zap.Int64("samples", n), zap.Time("before", cutoff))
	}
	return n, nil
}

func (s *Scheduler) closeAll() {
	for _, w := range s.watches {
		w.obs.Close()
	}
}
