package samplecache

import (
	"testing"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
)

func snap(at time.Time, values models.RawValues) models.Snapshot {
	return models.Snapshot{Timestamp: at, Values: values}
}

func TestGetMissing(t *testing.T) {
	c := New()
	if _, ok := c.Get("system"); ok {
		t.Fatal("Get on empty cache returned an entry")
	}
}

func TestRecordKeepsTwoNewest(t *testing.T) {
	c := New()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Record("system", snap(t0, models.RawValues{"cpu.busy": 1}))
	c.Record("system", snap(t0.Add(time.Second), models.RawValues{"cpu.busy": 2}))
	c.Record("system", snap(t0.Add(2*time.Second), models.RawValues{"cpu.busy": 3}))

	e, ok := c.Get("system")
	if !ok {
		t.Fatal("entry missing after Record")
	}
	f, ok := e.Family("cpu.busy")
	if !ok {
		t.Fatal("family missing")
	}
	if !f.HasPrevious || f.Previous.Value != 2 || f.Current.Value != 3 {
		t.Errorf("family = %+v, want previous 2 and current 3", f)
	}
	if !f.Current.At.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("Current.At = %v", f.Current.At)
	}
}

func TestRecordTracksFamiliesIndependently(t *testing.T) {
	c := New()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Record("pid:1", snap(t0, models.RawValues{"cpu.time": 5}))
	c.Record("pid:1", snap(t0.Add(time.Second), models.RawValues{"mem.rss": 100}))

	e, _ := c.Get("pid:1")
	p, ok := e.Latest("cpu.time")
	if !ok || p.Value != 5 || !p.At.Equal(t0) {
		t.Errorf("cpu.time latest = %+v, %v; want 5 at t0", p, ok)
	}
	if f, _ := e.Family("mem.rss"); f.HasPrevious {
		t.Error("mem.rss should have no previous point")
	}
	if e.Len() != 2 {
		t.Errorf("Len() = %d, want 2", e.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := New()
	t0 := time.Now()
	c.Record("system", snap(t0, models.RawValues{"threads": 1}))

	e, _ := c.Get("system")
	c.Record("system", snap(t0.Add(time.Second), models.RawValues{"threads": 2}))

	if p, _ := e.Latest("threads"); p.Value != 1 {
		t.Errorf("earlier entry changed to %v after Record", p.Value)
	}
}

func TestReleaseRetainClear(t *testing.T) {
	c := New()
	now := time.Now()
	for _, id := range []string{"pid:1", "pid:2", "pid:3"} {
		c.Record(id, snap(now, models.RawValues{"threads": 1}))
	}

	c.Release("pid:1")
	if _, ok := c.Get("pid:1"); ok {
		t.Error("pid:1 still present after Release")
	}

	if removed := c.Retain([]string{"pid:3"}); removed != 1 {
		t.Errorf("Retain removed %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
}

func TestCloseDropsLaterRecords(t *testing.T) {
	c := New()
	now := time.Now()
	if !c.Record("system", snap(now, models.RawValues{"threads": 1})) {
		t.Fatal("Record on an open cache reported false")
	}

	c.Close()
	if c.Len() != 0 {
		t.Errorf("Len() after Close = %d, want 0", c.Len())
	}
	if c.Record("system", snap(now.Add(time.Second), models.RawValues{"threads": 2})) {
		t.Error("Record after Close reported true")
	}
	if c.Len() != 0 {
		t.Errorf("Len() after Record on closed cache = %d, want 0", c.Len())
	}
}
