package watch

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/procwatch/internal/config"
	"github.com/HerbHall/procwatch/internal/engine"
	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/internal/history"
	"github.com/HerbHall/procwatch/internal/registry"
	"github.com/HerbHall/procwatch/internal/testutil"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine() (*engine.Engine, *testutil.FakeCollector) {
	f := testutil.NewFakeCollector()
	f.SetSystem(models.RawValues{platform.KeyProcesses: 12, platform.KeyThreads: 40})
	f.AddProcess(models.ProcessRef{PID: 42, Name: "nginx"}, models.RawValues{platform.KeyThreads: 3})
	return engine.New(f, engine.WithLogger(testutil.Logger())), f
}

func TestBuild(t *testing.T) {
	eng, _ := newEngine()
	tests := []struct {
		name     string
		settings config.WatchSettings
		kind     models.TargetKind
		mask     models.MetricMask
	}{
		{
			name:     "default kind selects every system metric",
			settings: config.WatchSettings{Name: "host", Interval: time.Second},
			kind:     models.TargetSystem,
			mask:     registry.Range(models.TargetSystem),
		},
		{
			name:     "metrics by key",
			settings: config.WatchSettings{Name: "web", Kind: "name", Process: "nginx", Metrics: []string{"threads"}, Interval: time.Second},
			kind:     models.TargetProcessName,
			mask:     registry.ProcessThreads,
		},
		{
			name:     "explicit mask wins",
			settings: config.WatchSettings{Name: "one", Kind: "PID", PID: 42, Mask: uint32(registry.ProcessHandles), Metrics: []string{"threads"}, Interval: time.Second},
			kind:     models.TargetProcessID,
			mask:     registry.ProcessHandles,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Build(tt.settings, eng)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, w.obs.Type())
			assert.Equal(t, tt.mask, w.mask)
			assert.Equal(t, "watch:"+tt.settings.Name, w.Source())
		})
	}
}

func TestBuild_Invalid(t *testing.T) {
	eng, _ := newEngine()
	tests := []struct {
		name     string
		settings config.WatchSettings
	}{
		{"unknown kind", config.WatchSettings{Name: "x", Kind: "thread", Interval: time.Second}},
		{"unknown metric", config.WatchSettings{Name: "x", Metrics: []string{"handles"}, Interval: time.Second}},
		{"empty process name", config.WatchSettings{Name: "x", Kind: "name", Interval: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.settings, eng)
			assert.Error(t, err)
		})
	}
}

func TestNewScheduler_ReportsEveryInvalidWatch(t *testing.T) {
	eng, _ := newEngine()
	_, err := NewScheduler([]config.WatchSettings{
		{Name: "a", Kind: "thread", Interval: time.Second},
		{Name: "b", Kind: "name", Interval: time.Second},
	}, eng, testutil.NewMockBus(), testutil.Logger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `watch "a"`)
	assert.Contains(t, err.Error(), `watch "b"`)
}

func TestScheduler_PublishesResults(t *testing.T) {
	eng, _ := newEngine()
	bus := testutil.NewMockBus()
	s, err := NewScheduler([]config.WatchSettings{
		{Name: "host", Metrics: []string{"processes"}, Interval: 10 * time.Millisecond},
		{Name: "gone", Kind: "pid", PID: 999, Interval: 10 * time.Millisecond},
	}, eng, bus, testutil.Logger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		return len(bus.Topic(event.TopicPollCompleted)) >= 2 && len(bus.Topic(event.TopicPollFailed)) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	completed := bus.Topic(event.TopicPollCompleted)[0]
	assert.Equal(t, "watch:host", completed.Source)
	pc, ok := completed.Payload.(event.PollCompleted)
	require.True(t, ok)
	assert.Equal(t, models.AvailableReading(12), pc.Result.Values["processes"])

	failed := bus.Topic(event.TopicPollFailed)[0]
	assert.Equal(t, "watch:gone", failed.Source)
	pf, ok := failed.Payload.(event.PollFailed)
	require.True(t, ok)
	assert.ErrorIs(t, pf.Err, models.ErrTargetNotFound)

	for _, w := range s.Watches() {
		_, err := w.obs.Poll(context.Background(), w.mask)
		assert.ErrorIs(t, err, models.ErrClosed, "watch %s", w.Name())
	}
}

func TestScheduler_Prune(t *testing.T) {
	ctx := context.Background()
	repo, err := history.New(ctx, testutil.NewStore(t))
	require.NoError(t, err)

	clock := testutil.NewClock()
	old := testutil.NewPollResult(testutil.WithTimestamp(clock.Now().Add(-2 * time.Hour)))
	recent := testutil.NewPollResult(testutil.WithTimestamp(clock.Now().Add(-time.Minute)))
	require.NoError(t, repo.Record(ctx, "watch:host", old))
	require.NoError(t, repo.Record(ctx, "watch:host", recent))

	eng, _ := newEngine()
	s, err := NewScheduler(nil, eng, testutil.NewMockBus(), testutil.Logger(),
		WithHistory(repo, time.Hour, time.Minute), WithClock(clock.Now))
	require.NoError(t, err)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)

	samples, err := repo.Query(ctx, history.Query{Source: "watch:host"})
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	for _, smp := range samples {
		assert.True(t, smp.Timestamp.After(clock.Now().Add(-time.Hour)), "sample at %v survived pruning", smp.Timestamp)
	}
}

func TestScheduler_PruneWithoutHistory(t *testing.T) {
	eng, _ := newEngine()
	s, err := NewScheduler(nil, eng, testutil.NewMockBus(), testutil.Logger())
	require.NoError(t, err)
	n, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
