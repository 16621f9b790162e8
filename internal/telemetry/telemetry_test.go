package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/internal/testutil"
	"github.com/HerbHall/procwatch/pkg/models"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestPollFinished(t *testing.T) {
	m := New()
	m.PollFinished(models.TargetSystem, nil, 2*time.Millisecond)
	m.PollFinished(models.TargetProcessID, models.NewError(models.ErrorTargetNotFound, "resolve", models.PIDTarget(1), nil), time.Millisecond)
	m.PollFinished(models.TargetProcessID, errors.New("plain"), time.Millisecond)

	if got := promtest.ToFloat64(m.polls.WithLabelValues("system", "ok")); got != 1 {
		t.Errorf("system ok = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.polls.WithLabelValues("pid", "target_not_found")); got != 1 {
		t.Errorf("pid target_not_found = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.polls.WithLabelValues("pid", "error")); got != 1 {
		t.Errorf("pid error = %v, want 1", got)
	}
	if n := promtest.CollectAndCount(m.duration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestMetricUnavailable(t *testing.T) {
	m := New()
	m.MetricUnavailable(models.TargetSystem, "procusage")
	m.MetricUnavailable(models.TargetSystem, "procusage")
	if got := promtest.ToFloat64(m.unavailable.WithLabelValues("system", "procusage")); got != 2 {
		t.Errorf("unavailable = %v, want 2", got)
	}
}

func TestObserveAndForget(t *testing.T) {
	m := New()
	m.Observe("watch:box", testutil.NewPollResult())

	if got := promtest.ToFloat64(m.readings.WithLabelValues("watch:box", "system", "processes")); got != 120 {
		t.Errorf("processes gauge = %v, want 120", got)
	}
	// procusage is unavailable and must not be exported. The ToFloat64 call
	// above created no extra series, so one series remains.
	if n := promtest.CollectAndCount(m.readings); n != 1 {
		t.Errorf("reading series = %d, want 1", n)
	}

	m.Observe("watch:box", testutil.NewPollResult(testutil.WithReading("processes", models.Unavailable)))
	if n := promtest.CollectAndCount(m.readings); n != 0 {
		t.Errorf("reading series after unavailable = %d, want 0", n)
	}

	m.Observe("a", testutil.NewPollResult())
	m.Observe("b", testutil.NewPollResult())
	if removed := m.Forget("a"); removed != 1 {
		t.Errorf("Forget removed %d, want 1", removed)
	}
}

func TestSubscribe(t *testing.T) {
	m := New()
	bus := event.NewBus(zap.NewNop())
	unsub := m.Subscribe(bus)
	defer unsub()

	ctx := context.Background()
	_ = bus.Publish(ctx, event.Event{
		Topic:   event.TopicPollCompleted,
		Source:  "api:1",
		Payload: event.PollCompleted{Result: testutil.NewPollResult()},
	})
	if n := promtest.CollectAndCount(m.readings); n != 1 {
		t.Fatalf("reading series = %d, want 1", n)
	}

	_ = bus.Publish(ctx, event.Event{Topic: event.TopicObserverReleased, Source: "api:1"})
	if n := promtest.CollectAndCount(m.readings); n != 0 {
		t.Errorf("reading series after release = %d, want 0", n)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.PollFinished(models.TargetSystem, nil, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"procwatch_polls_total", "procwatch_poll_duration_seconds", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition lacks %s", want)
		}
	}
}
