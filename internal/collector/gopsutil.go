package collector

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Compile-time guards.
var (
	_ platform.Collector        = (*gopsutilCollector)(nil)
	_ platform.ProcessLookup    = (*gopsutilCollector)(nil)
	_ platform.ProcessDescriber = (*gopsutilCollector)(nil)
)

// gopsutilCollector is the portable backend used on every OS without procfs.
type gopsutilCollector struct {
	logger *zap.Logger
}

func newGopsutilCollector(logger *zap.Logger) platform.Collector {
	return &gopsutilCollector{logger: logger.Named("gopsutil")}
}

func (c *gopsutilCollector) Name() string { return BackendGopsutil }

func (c *gopsutilCollector) EnumerateProcesses(ctx context.Context) ([]models.ProcessRef, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, mapError("enumerate", models.SystemTarget(), err)
	}
	refs := make([]models.ProcessRef, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited, or a kernel process without a readable name.
			continue
		}
		ref := models.ProcessRef{PID: uint32(p.Pid), Name: name}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			ref.StartTime = ms
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (c *gopsutilCollector) LookupProcess(ctx context.Context, pid uint32) (models.ProcessRef, error) {
	target := models.PIDTarget(pid)
	p, err := c.open(ctx, pid)
	if err != nil {
		return models.ProcessRef{}, mapError("lookup", target, err)
	}
	ref := models.ProcessRef{PID: pid}
	if name, err := p.NameWithContext(ctx); err == nil {
		ref.Name = name
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		ref.StartTime = ms
	}
	return ref, nil
}

func (c *gopsutilCollector) SampleSystem(ctx context.Context, keys []string) (models.RawValues, error) {
	want := newKeySet(keys)
	out := make(models.RawValues, len(keys))
	target := models.SystemTarget()

	if want.any(platform.KeyProcesses, platform.KeyThreads) {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return nil, mapError("sample", target, err)
		}
		out[platform.KeyProcesses] = float64(len(procs))
		if want.any(platform.KeyThreads) {
			var threads int64
			for _, p := range procs {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if n, err := p.NumThreadsWithContext(ctx); err == nil {
					threads += int64(n)
				}
			}
			out[platform.KeyThreads] = float64(threads)
		}
	}

	if want.any(platform.KeyCPUBusy, platform.KeyCPUCount) {
		times, err := cpu.TimesWithContext(ctx, false)
		if err != nil || len(times) == 0 {
			if err == nil {
				err = errors.New("no cpu times reported")
			}
			return nil, mapError("sample", target, err)
		}
		t := times[0]
		out[platform.KeyCPUBusy] = t.Total() - t.Idle - t.Iowait
		if n, err := cpu.CountsWithContext(ctx, true); err == nil {
			out[platform.KeyCPUCount] = float64(n)
		}
	}

	if want.any(platform.KeyPhysicalUsed, platform.KeyPhysicalTotal, platform.KeyVirtualUsed, platform.KeyVirtualTotal) {
		if err := c.memory(ctx, out); err != nil {
			c.logger.Debug("memory read failed", zap.Error(err))
		}
	}

	if want.any(platform.KeyDiskBusy, platform.KeyDiskCount) {
		if counters, err := disk.IOCountersWithContext(ctx); err == nil {
			var busyMs uint64
			count := 0
			for name, s := range counters {
				if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") {
					continue
				}
				busyMs += s.IoTime
				count++
			}
			if count > 0 {
				out[platform.KeyDiskBusy] = float64(busyMs) / 1000
				out[platform.KeyDiskCount] = float64(count)
			}
		} else {
			c.logger.Debug("disk counters read failed", zap.Error(err))
		}
	}
	return out, nil
}

func (c *gopsutilCollector) SampleProcess(ctx context.Context, pid uint32, keys []string) (models.RawValues, error) {
	want := newKeySet(keys)
	target := models.PIDTarget(pid)

	p, err := c.open(ctx, pid)
	if err != nil {
		return nil, mapError("sample", target, err)
	}

	out := make(models.RawValues, len(keys))
	if want.any(platform.KeyThreads) {
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			out[platform.KeyThreads] = float64(n)
		} else if perr := sampleFailure(target, err); perr != nil {
			return nil, perr
		}
	}
	if want.any(platform.KeyHandles) {
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			out[platform.KeyHandles] = float64(n)
		} else if perr := sampleFailure(target, err); perr != nil {
			return nil, perr
		}
	}
	if want.any(platform.KeyCPUTime) {
		if t, err := p.TimesWithContext(ctx); err == nil {
			out[platform.KeyCPUTime] = t.User + t.System
		} else if perr := sampleFailure(target, err); perr != nil {
			return nil, perr
		}
		if n, err := cpu.CountsWithContext(ctx, true); err == nil {
			out[platform.KeyCPUCount] = float64(n)
		}
	}
	if want.any(platform.KeyRSS, platform.KeyVMS) {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			out[platform.KeyRSS] = float64(mi.RSS)
			out[platform.KeyVMS] = float64(mi.VMS)
		} else if perr := sampleFailure(target, err); perr != nil {
			return nil, perr
		}
	}
	if want.any(platform.KeyPhysicalTotal, platform.KeyVirtualTotal) {
		if err := c.memory(ctx, out); err != nil {
			c.logger.Debug("memory read failed", zap.Error(err))
		}
		delete(out, platform.KeyPhysicalUsed)
		delete(out, platform.KeyVirtualUsed)
	}
	return out, nil
}

func (c *gopsutilCollector) DescribeProcess(ctx context.Context, ref models.ProcessRef) (models.ProcessDescriptor, error) {
	target := models.PIDTarget(ref.PID)
	p, err := c.open(ctx, ref.PID)
	if err != nil {
		return models.ProcessDescriptor{}, mapError("describe", target, err)
	}

	d := models.ProcessDescriptor{PID: ref.PID, Name: ref.Name}
	if d.Name == "" {
		d.Name, _ = p.NameWithContext(ctx)
	}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		d.PPID = uint32(ppid)
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		d.Path = exe
	}
	if u, err := p.UsernameWithContext(ctx); err == nil {
		d.Owner = u
	}
	if nice, err := p.NiceWithContext(ctx); err == nil {
		d.Priority = nice
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		d.Status = st[0]
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		d.Threads = uint32(n)
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		d.Handles = uint32(n)
	}
	if t, err := p.TimesWithContext(ctx); err == nil {
		d.KernelTime = t.System
		d.UserTime = t.User
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		d.Start = time.UnixMilli(ms)
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		d.PhysicalMemory = mi.RSS
		d.VirtualMemory = mi.VMS
	}
	return d, nil
}

// open returns a handle on pid, failing with process.ErrorProcessNotRunning
// when it does not exist.
func (c *gopsutilCollector) open(ctx context.Context, pid uint32) (*process.Process, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, process.ErrorProcessNotRunning
	}
	return process.NewProcessWithContext(ctx, int32(pid))
}

func (c *gopsutilCollector) memory(ctx context.Context, out models.RawValues) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	out[platform.KeyPhysicalTotal] = float64(vm.Total)
	out[platform.KeyPhysicalUsed] = float64(vm.Total - vm.Available)

	var swapTotal, swapUsed float64
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		swapTotal = float64(sw.Total)
		swapUsed = float64(sw.Used)
	}
	out[platform.KeyVirtualTotal] = float64(vm.Total) + swapTotal
	out[platform.KeyVirtualUsed] = float64(vm.Total-vm.Available) + swapUsed
	return nil
}
