package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
)

// Compile-time interface checks.
var (
	_ platform.Collector        = (*FakeCollector)(nil)
	_ platform.ProcessDescriber = (*FakeCollector)(nil)
	_ platform.ProcessLookup    = (*LookupCollector)(nil)
)

// FakeCollector is an in-memory platform.Collector. Values are set by the
// test; every call is counted. Delay is applied to each sampling call and is
// not interrupted by context cancellation, like a blocking OS read.
type FakeCollector struct {
	mu        sync.Mutex
	procs     []models.ProcessRef
	system    models.RawValues
	process   map[uint32]models.RawValues
	procErr   map[uint32]error
	systemErr error
	enumErr   error
	delay     time.Duration

	EnumerateCalls atomic.Int64
	SystemCalls    atomic.Int64
	ProcessCalls   atomic.Int64
	// Finished counts sampling calls that ran to completion.
	Finished atomic.Int64
}

// NewFakeCollector returns an empty fake collector.
func NewFakeCollector() *FakeCollector {
	return &FakeCollector{
		system:  models.RawValues{},
		process: map[uint32]models.RawValues{},
		procErr: map[uint32]error{},
	}
}

// SetProcesses replaces the process table.
func (f *FakeCollector) SetProcesses(refs ...models.ProcessRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = append([]models.ProcessRef(nil), refs...)
}

// AddProcess appends one process with its raw values.
func (f *FakeCollector) AddProcess(ref models.ProcessRef, values models.RawValues) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = append(f.procs, ref)
	f.process[ref.PID] = clone(values)
}

// RemoveProcess drops pid from the process table, as if it exited.
func (f *FakeCollector) RemoveProcess(pid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.procs[:0]
	for _, r := range f.procs {
		if r.PID != pid {
			out = append(out, r)
		}
	}
	f.procs = out
	delete(f.process, pid)
}

// SetSystem replaces the system raw values.
func (f *FakeCollector) SetSystem(values models.RawValues) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = clone(values)
}

// SetProcess replaces the raw values of pid.
func (f *FakeCollector) SetProcess(pid uint32, values models.RawValues) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.process[pid] = clone(values)
}

// FailSystem makes SampleSystem return err.
func (f *FakeCollector) FailSystem(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemErr = err
}

// FailEnumerate makes EnumerateProcesses return err.
func (f *FakeCollector) FailEnumerate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumErr = err
}

// FailProcess makes SampleProcess(pid) return err.
func (f *FakeCollector) FailProcess(pid uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procErr[pid] = err
}

// SetDelay sets the artificial latency of every sampling call.
func (f *FakeCollector) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns the total number of collector calls.
func (f *FakeCollector) Calls() int64 {
	return f.EnumerateCalls.Load() + f.SystemCalls.Load() + f.ProcessCalls.Load()
}

func (f *FakeCollector) EnumerateProcesses(_ context.Context) ([]models.ProcessRef, error) {
	f.EnumerateCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	return append([]models.ProcessRef(nil), f.procs...), nil
}

func (f *FakeCollector) SampleSystem(_ context.Context, keys []string) (models.RawValues, error) {
	f.SystemCalls.Add(1)
	f.sleep()
	defer f.Finished.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.systemErr != nil {
		return nil, f.systemErr
	}
	return pick(f.system, keys), nil
}

func (f *FakeCollector) SampleProcess(_ context.Context, pid uint32, keys []string) (models.RawValues, error) {
	f.ProcessCalls.Add(1)
	f.sleep()
	defer f.Finished.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.procErr[pid]; err != nil {
		return nil, err
	}
	values, ok := f.process[pid]
	if !ok {
		return nil, models.NewError(models.ErrorTargetNotFound, "sample", models.PIDTarget(pid), nil)
	}
	return pick(values, keys), nil
}

func (f *FakeCollector) DescribeProcess(_ context.Context, ref models.ProcessRef) (models.ProcessDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, ok := f.process[ref.PID]
	if !ok {
		return models.ProcessDescriptor{}, models.NewError(models.ErrorTargetNotFound, "describe", models.PIDTarget(ref.PID), nil)
	}
	return models.ProcessDescriptor{
		PID:            ref.PID,
		Name:           ref.Name,
		Threads:        uint32(values[platform.KeyThreads]),
		Handles:        uint32(values[platform.KeyHandles]),
		UserTime:       values[platform.KeyCPUTime],
		PhysicalMemory: uint64(values[platform.KeyRSS]),
		VirtualMemory:  uint64(values[platform.KeyVMS]),
	}, nil
}

func (f *FakeCollector) sleep() {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// LookupCollector adds the single-pid lookup capability to a FakeCollector.
type LookupCollector struct {
	*FakeCollector
	LookupCalls atomic.Int64
}

// NewLookupCollector wraps f.
func NewLookupCollector(f *FakeCollector) *LookupCollector {
	return &LookupCollector{FakeCollector: f}
}

func (l *LookupCollector) LookupProcess(_ context.Context, pid uint32) (models.ProcessRef, error) {
	l.LookupCalls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.procs {
		if r.PID == pid {
			return r, nil
		}
	}
	return models.ProcessRef{}, models.NewError(models.ErrorTargetNotFound, "lookup", models.PIDTarget(pid), nil)
}

func pick(values models.RawValues, keys []string) models.RawValues {
	out := make(models.RawValues, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}

func clone(values models.RawValues) models.RawValues {
	out := make(models.RawValues, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
