package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/procwatch/internal/registry"
	"github.com/HerbHall/procwatch/internal/testutil"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu          sync.Mutex
	polls       int
	failures    int
	unavailable map[string]int
}

func (r *recorder) PollFinished(_ models.TargetKind, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if err != nil {
		r.failures++
	}
}

func (r *recorder) MetricUnavailable(_ models.TargetKind, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable == nil {
		r.unavailable = map[string]int{}
	}
	r.unavailable[key]++
}

func systemValues(busy float64) models.RawValues {
	return models.RawValues{
		platform.KeyProcesses:     120,
		platform.KeyThreads:       900,
		platform.KeyCPUBusy:       busy,
		platform.KeyCPUCount:      4,
		platform.KeyPhysicalUsed:  37.5,
		platform.KeyPhysicalTotal: 100,
		platform.KeyVirtualUsed:   3 * 1024,
		platform.KeyVirtualTotal:  8 * 1024,
	}
}

func processValues(threads, cpu float64) models.RawValues {
	return models.RawValues{
		platform.KeyThreads:       threads,
		platform.KeyHandles:       10,
		platform.KeyCPUTime:       cpu,
		platform.KeyCPUCount:      2,
		platform.KeyRSS:           2048,
		platform.KeyPhysicalTotal: 8192,
	}
}

func newEngine(t *testing.T, c platform.Collector, opts ...Option) (*Engine, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(c, opts...), clock
}

func newSession(t *testing.T, target models.Target) *Session {
	t.Helper()
	s, err := NewSession(target)
	require.NoError(t, err)
	return s
}

func TestPoll_EmptyMaskMakesNoCalls(t *testing.T) {
	tests := []struct {
		name   string
		target models.Target
		mask   models.MetricMask
	}{
		{"system zero", models.SystemTarget(), 0},
		{"pid zero", models.PIDTarget(1), 0},
		{"name zero", models.NameTarget("x"), 0},
		{"system unknown bits", models.SystemTarget(), 1 << 20},
		{"process unknown bits", models.PIDTarget(1), 1 << 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testutil.NewFakeCollector()
			e, _ := newEngine(t, f)

			res, err := e.Poll(context.Background(), newSession(t, tt.target), tt.mask)
			require.NoError(t, err)
			assert.Empty(t, res.Values)
			assert.Equal(t, tt.target, res.Target)
			assert.Zero(t, f.Calls())
		})
	}
}

func TestPoll_UnknownHighBitDropped(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(0))
	e, _ := newEngine(t, f)

	res, err := e.Poll(context.Background(), newSession(t, models.SystemTarget()), registry.SystemProcesses|registry.SystemThreads|1<<30)
	require.NoError(t, err)
	assert.Equal(t, map[string]models.Reading{
		"processes": models.AvailableReading(120),
		"threads":   models.AvailableReading(900),
	}, res.Values)
}

func TestPoll_SystemFirstAndSecond(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(100))
	e, clock := newEngine(t, f)
	s := newSession(t, models.SystemTarget())
	mask := registry.SystemProcessorUsage | registry.SystemPhysicalMemory | registry.SystemVirtualMemoryKB | registry.SystemProcesses

	first, err := e.Poll(context.Background(), s, mask)
	require.NoError(t, err)
	assert.False(t, first.Values["procusage"].Available, "rate needs a prior sample")
	assert.Equal(t, models.AvailableReading(37), first.Values["pmemusage"])
	assert.Equal(t, models.AvailableReading(3), first.Values["vmemusagekb"])
	assert.Equal(t, models.AvailableReading(120), first.Values["processes"])
	assert.Len(t, first.Values, 4)

	clock.Advance(time.Second)
	f.SetSystem(systemValues(102))

	second, err := e.Poll(context.Background(), s, mask)
	require.NoError(t, err)
	// 2 busy seconds over 1s on 4 cores.
	assert.Equal(t, models.AvailableReading(50), second.Values["procusage"])
	assert.Equal(t, int64(2), f.SystemCalls.Load(), "one sample per poll")
}

func TestPoll_CounterResetIsUnavailable(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(500))
	e, clock := newEngine(t, f)
	s := newSession(t, models.SystemTarget())

	_, err := e.Poll(context.Background(), s, registry.SystemProcessorUsage)
	require.NoError(t, err)

	clock.Advance(time.Second)
	f.SetSystem(systemValues(10))
	res, err := e.Poll(context.Background(), s, registry.SystemProcessorUsage)
	require.NoError(t, err)
	assert.False(t, res.Values["procusage"].Available)

	clock.Advance(time.Second)
	f.SetSystem(systemValues(11))
	res, err = e.Poll(context.Background(), s, registry.SystemProcessorUsage)
	require.NoError(t, err)
	assert.Equal(t, models.AvailableReading(25), res.Values["procusage"])
}

func TestPoll_SystemCollectorFailure(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.FailSystem(errors.New("pdh query failed"))
	e, _ := newEngine(t, f)

	_, err := e.Poll(context.Background(), newSession(t, models.SystemTarget()), registry.SystemThreads)
	assert.ErrorIs(t, err, models.ErrCollectorUnavailable)
}

func TestPoll_MissingMetricDegradesOnlyThatMetric(t *testing.T) {
	f := testutil.NewFakeCollector()
	values := processValues(4, 1)
	delete(values, platform.KeyHandles)
	f.AddProcess(models.ProcessRef{PID: 7, Name: "svc"}, values)
	rec := &recorder{}
	e, _ := newEngine(t, f, WithRecorder(rec))

	res, err := e.Poll(context.Background(), newSession(t, models.PIDTarget(7)), registry.ProcessHandles|registry.ProcessThreads)
	require.NoError(t, err)
	assert.False(t, res.Values["handles"].Available)
	assert.Equal(t, models.AvailableReading(4), res.Values["threads"])
	assert.Equal(t, 1, rec.unavailable["handles"])
	assert.Equal(t, 1, rec.polls)
}

func TestPoll_MissingThreadsDegradesOnlyThreads(t *testing.T) {
	f := testutil.NewFakeCollector()
	values := processValues(4, 1)
	delete(values, platform.KeyThreads)
	f.AddProcess(models.ProcessRef{PID: 7, Name: "svc"}, values)
	e, _ := newEngine(t, f)

	res, err := e.Poll(context.Background(), newSession(t, models.PIDTarget(7)), registry.ProcessThreads|registry.ProcessPhysicalMemory)
	require.NoError(t, err)
	assert.False(t, res.Values["threads"].Available)
	assert.Equal(t, models.AvailableReading(25), res.Values["pmemusage"])
}

func TestPoll_ProcessIDNotFoundEvictsCache(t *testing.T) {
	f := testutil.NewFakeCollector()
	ref := models.ProcessRef{PID: 7, Name: "svc", StartTime: 1000}
	f.AddProcess(ref, processValues(4, 1))
	e, _ := newEngine(t, f)
	s := newSession(t, models.PIDTarget(7))

	_, err := e.Poll(context.Background(), s, registry.ProcessThreads)
	require.NoError(t, err)
	require.Equal(t, 1, s.Cached())

	f.RemoveProcess(7)
	_, err = e.Poll(context.Background(), s, registry.ProcessThreads)
	assert.ErrorIs(t, err, models.ErrTargetNotFound)
	assert.Zero(t, s.Cached())
}

func TestPoll_ProcessExitsBetweenResolveAndSample(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.AddProcess(models.ProcessRef{PID: 7, Name: "svc"}, processValues(4, 1))
	f.FailProcess(7, models.NewError(models.ErrorTargetNotFound, "sample", models.PIDTarget(7), nil))
	e, _ := newEngine(t, f)

	res, err := e.Poll(context.Background(), newSession(t, models.PIDTarget(7)), registry.ProcessThreads|registry.ProcessPhysicalMemory)
	require.NoError(t, err)
	assert.Len(t, res.Values, 2)
	for k, r := range res.Values {
		assert.False(t, r.Available, "metric %s should be unavailable", k)
	}
}

func TestPoll_ProcessPermissionDeniedRejects(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.AddProcess(models.ProcessRef{PID: 1, Name: "init"}, processValues(1, 1))
	f.FailProcess(1, models.NewError(models.ErrorPermissionDenied, "sample", models.PIDTarget(1), nil))
	e, _ := newEngine(t, f)

	_, err := e.Poll(context.Background(), newSession(t, models.PIDTarget(1)), registry.ProcessHandles)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestPoll_RecycledPIDStartsFresh(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.AddProcess(models.ProcessRef{PID: 7, Name: "old", StartTime: 1}, processValues(1, 10))
	e, clock := newEngine(t, f)
	s := newSession(t, models.PIDTarget(7))

	_, err := e.Poll(context.Background(), s, registry.ProcessProcessorUsage)
	require.NoError(t, err)

	f.RemoveProcess(7)
	f.AddProcess(models.ProcessRef{PID: 7, Name: "new", StartTime: 2}, processValues(1, 11))
	clock.Advance(time.Second)

	res, err := e.Poll(context.Background(), s, registry.ProcessProcessorUsage)
	require.NoError(t, err)
	assert.False(t, res.Values["procusage"].Available, "new process must not pair with old counters")
	assert.Equal(t, 1, s.Cached())
}

func TestPoll_NameAggregatesInstances(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.AddProcess(models.ProcessRef{PID: 30, Name: "worker"}, processValues(5, 1))
	f.AddProcess(models.ProcessRef{PID: 10, Name: "worker"}, processValues(3, 1))
	f.AddProcess(models.ProcessRef{PID: 20, Name: "other"}, processValues(100, 1))
	e, clock := newEngine(t, f, WithFanout(1))
	s := newSession(t, models.NameTarget("worker"))
	mask := registry.ProcessThreads | registry.ProcessProcessorUsage

	res, err := e.Poll(context.Background(), s, mask)
	require.NoError(t, err)
	assert.Equal(t, models.AvailableReading(8), res.Values["threads"])
	assert.False(t, res.Values["procusage"].Available)
	require.Len(t, res.Instances, 2)
	assert.Equal(t, uint32(10), res.Instances[0].PID)
	assert.Equal(t, uint32(30), res.Instances[1].PID)
	assert.Equal(t, 2, s.Cached())

	clock.Advance(2 * time.Second)
	f.SetProcess(10, processValues(3, 2)) // 0.5 cpu-s/s over 2 cores
	f.SetProcess(30, processValues(5, 1.4))

	res, err = e.Poll(context.Background(), s, mask)
	require.NoError(t, err)
	assert.Equal(t, models.AvailableReading(25), res.Instances[0].Values["procusage"])
	assert.InDelta(t, 10, res.Instances[1].Values["procusage"].Value, 1e-9)
	assert.InDelta(t, 35, res.Values["procusage"].Value, 1e-9)
}

func TestPoll_NameInstanceExitDegradesOnlyIt(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.AddProcess(models.ProcessRef{PID: 10, Name: "worker"}, processValues(3, 1))
	f.AddProcess(models.ProcessRef{PID: 30, Name: "worker"}, processValues(5, 1))
	e, _ := newEngine(t, f)
	s := newSession(t, models.NameTarget("worker"))

	_, err := e.Poll(context.Background(), s, registry.ProcessThreads)
	require.NoError(t, err)
	require.Equal(t, 2, s.Cached())

	f.FailProcess(30, models.NewError(models.ErrorTargetNotFound, "sample", models.PIDTarget(30), nil))
	res, err := e.Poll(context.Background(), s, registry.ProcessThreads)
	require.NoError(t, err)
	assert.Equal(t, models.AvailableReading(3), res.Values["threads"])
	assert.False(t, res.Instances[1].Values["threads"].Available)
	assert.Equal(t, 1, s.Cached(), "exited instance evicted")
}

func TestPoll_NameZeroMatches(t *testing.T) {
	f := testutil.NewFakeCollector()
	e, _ := newEngine(t, f)

	res, err := e.Poll(context.Background(), newSession(t, models.NameTarget("ghost")), registry.ProcessThreads)
	require.NoError(t, err)
	assert.False(t, res.Values["threads"].Available)
	assert.Empty(t, res.Instances)
	assert.Equal(t, int64(1), f.EnumerateCalls.Load(), "no retry without a previous match")
}

func TestPoll_NameRetry(t *testing.T) {
	for _, retry := range []bool{true, false} {
		f := testutil.NewFakeCollector()
		f.AddProcess(models.ProcessRef{PID: 10, Name: "worker"}, processValues(3, 1))
		e, _ := newEngine(t, f, WithNameRetry(retry))
		s := newSession(t, models.NameTarget("worker"))

		_, err := e.Poll(context.Background(), s, registry.ProcessThreads)
		require.NoError(t, err)
		f.RemoveProcess(10)
		before := f.EnumerateCalls.Load()

		_, err = e.Poll(context.Background(), s, registry.ProcessThreads)
		require.NoError(t, err)
		want := int64(1)
		if retry {
			want = 2
		}
		assert.Equal(t, want, f.EnumerateCalls.Load()-before, "retry=%v", retry)
	}
}

func TestPoll_ClosedSession(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(1))
	e, _ := newEngine(t, f)
	s := newSession(t, models.SystemTarget())

	_, err := e.Poll(context.Background(), s, registry.SystemThreads)
	require.NoError(t, err)
	s.Close()
	s.Close()

	_, err = e.Poll(context.Background(), s, registry.SystemThreads)
	assert.ErrorIs(t, err, models.ErrClosed)
	assert.Zero(t, s.Cached())
}

func TestPoll_CloseDuringSampleLeavesCacheEmpty(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(1))
	f.SetDelay(200 * time.Millisecond)
	e, _ := newEngine(t, f)
	s := newSession(t, models.SystemTarget())

	ch := e.PollAsync(context.Background(), s, registry.SystemProcessorUsage)
	require.Eventually(t, func() bool { return f.SystemCalls.Load() == 1 }, time.Second, time.Millisecond)
	s.Close()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not finish")
	}
	assert.Equal(t, int64(1), f.Finished.Load())
	assert.Zero(t, s.Cached(), "sample recorded after Close")
}

func TestPoll_SessionsDoNotShareCache(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(100))
	e, clock := newEngine(t, f)
	a := newSession(t, models.SystemTarget())
	b := newSession(t, models.SystemTarget())

	_, err := e.Poll(context.Background(), a, registry.SystemProcessorUsage)
	require.NoError(t, err)
	clock.Advance(time.Second)

	res, err := e.Poll(context.Background(), b, registry.SystemProcessorUsage)
	require.NoError(t, err)
	assert.False(t, res.Values["procusage"].Available)
}

func TestPoll_CancelledBeforeStartCollectsNothing(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(1))
	e, _ := newEngine(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := <-e.PollAsync(ctx, newSession(t, models.SystemTarget()), registry.SystemThreads)
	assert.ErrorIs(t, o.Err, context.Canceled)
	assert.Zero(t, f.Calls())
}

func TestPoll_AbandonedPollCompletes(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(1))
	f.SetDelay(100 * time.Millisecond)
	e, _ := newEngine(t, f)
	s := newSession(t, models.SystemTarget())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Poll(ctx, s, registry.SystemThreads)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool { return f.Finished.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Cached() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPollAsync_SerializedPerSession(t *testing.T) {
	f := testutil.NewFakeCollector()
	f.SetSystem(systemValues(1))
	f.SetDelay(20 * time.Millisecond)
	e, _ := newEngine(t, f)
	s := newSession(t, models.SystemTarget())

	start := time.Now()
	chs := make([]<-chan Outcome, 3)
	for i := range chs {
		chs[i] = e.PollAsync(context.Background(), s, registry.SystemThreads)
	}
	for _, ch := range chs {
		o := <-ch
		require.NoError(t, o.Err)
		assert.Equal(t, models.AvailableReading(900), o.Result.Values["threads"])
	}
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestNewSession_InvalidTarget(t *testing.T) {
	_, err := NewSession(models.NameTarget(""))
	assert.ErrorIs(t, err, models.ErrInvalidTarget)
}
