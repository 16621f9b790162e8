//go:build linux

package collector

import (
	"context"
	"errors"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
	"github.com/tklauser/go-sysconf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// defaultHZ is the USER_HZ of every mainstream kernel, used when
// SC_CLK_TCK cannot be read.
const defaultHZ = 100

// commLen is the kernel's truncation length for /proc/<pid>/comm.
const commLen = 15

// Compile-time guards.
var (
	_ platform.Collector        = (*procfsCollector)(nil)
	_ platform.ProcessLookup    = (*procfsCollector)(nil)
	_ platform.ProcessDescriber = (*procfsCollector)(nil)
)

// procfsCollector reads /proc and /sys directly.
type procfsCollector struct {
	fs       procfs.FS
	block    *blockdevice.FS
	bootTime float64
	hz       float64
	cpus     int
	logger   *zap.Logger
}

func newProcfsCollector(logger *zap.Logger) (platform.Collector, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	stat, err := fs.Stat()
	if err != nil {
		return nil, err
	}

	c := &procfsCollector{
		fs:       fs,
		bootTime: float64(stat.BootTime),
		hz:       clockTicks(),
		cpus:     len(stat.CPU),
		logger:   logger.Named("procfs"),
	}
	if block, err := blockdevice.NewDefaultFS(); err == nil {
		c.block = &block
	} else {
		c.logger.Warn("block device stats unavailable, disk usage will not be reported", zap.Error(err))
	}
	return c, nil
}

func (c *procfsCollector) Name() string { return BackendProcfs }

// EnumerateProcesses lists every process whose stat file is readable.
// Processes that exit while the table is walked are skipped.
func (c *procfsCollector) EnumerateProcesses(ctx context.Context) ([]models.ProcessRef, error) {
	procs, err := c.fs.AllProcs()
	if err != nil {
		return nil, mapError("enumerate", models.SystemTarget(), err)
	}

	refs := make([]models.ProcessRef, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		refs = append(refs, c.ref(p, stat))
	}
	return refs, nil
}

// LookupProcess probes pid with signal 0 before reading its stat file.
func (c *procfsCollector) LookupProcess(_ context.Context, pid uint32) (models.ProcessRef, error) {
	target := models.PIDTarget(pid)
	if err := unix.Kill(int(pid), 0); errors.Is(err, unix.ESRCH) {
		return models.ProcessRef{}, mapError("lookup", target, err)
	}
	p, err := c.fs.Proc(int(pid))
	if err != nil {
		return models.ProcessRef{}, mapError("lookup", target, err)
	}
	stat, err := p.Stat()
	if err != nil {
		return models.ProcessRef{}, mapError("lookup", target, err)
	}
	return c.ref(p, stat), nil
}

func (c *procfsCollector) SampleSystem(ctx context.Context, keys []string) (models.RawValues, error) {
	want := newKeySet(keys)
	out := make(models.RawValues, len(keys))
	target := models.SystemTarget()

	if want.any(platform.KeyProcesses, platform.KeyThreads) {
		procs, err := c.fs.AllProcs()
		if err != nil {
			return nil, mapError("sample", target, err)
		}
		out[platform.KeyProcesses] = float64(len(procs))
		if want.any(platform.KeyThreads) {
			threads := 0
			for _, p := range procs {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if stat, err := p.Stat(); err == nil {
					threads += stat.NumThreads
				}
			}
			out[platform.KeyThreads] = float64(threads)
		}
	}

	if want.any(platform.KeyCPUBusy, platform.KeyCPUCount) {
		stat, err := c.fs.Stat()
		if err != nil {
			return nil, mapError("sample", target, err)
		}
		t := stat.CPUTotal
		// Guest time is already accounted in user time.
		total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.IRQ + t.SoftIRQ + t.Steal
		out[platform.KeyCPUBusy] = total - t.Idle - t.Iowait
		out[platform.KeyCPUCount] = float64(len(stat.CPU))
	}

	if want.any(platform.KeyPhysicalUsed, platform.KeyPhysicalTotal, platform.KeyVirtualUsed, platform.KeyVirtualTotal) {
		if err := c.memory(out); err != nil {
			c.logger.Debug("meminfo read failed", zap.Error(err))
		}
	}

	if want.any(platform.KeyDiskBusy, platform.KeyDiskCount) && c.block != nil {
		if busy, count, err := c.disks(); err == nil {
			out[platform.KeyDiskBusy] = busy
			out[platform.KeyDiskCount] = float64(count)
		} else {
			c.logger.Debug("diskstats read failed", zap.Error(err))
		}
	}
	return out, nil
}

func (c *procfsCollector) SampleProcess(_ context.Context, pid uint32, keys []string) (models.RawValues, error) {
	want := newKeySet(keys)
	target := models.PIDTarget(pid)

	p, err := c.fs.Proc(int(pid))
	if err != nil {
		return nil, mapError("sample", target, err)
	}
	stat, err := p.Stat()
	if err != nil {
		return nil, mapError("sample", target, err)
	}

	out := models.RawValues{
		platform.KeyThreads:  float64(stat.NumThreads),
		platform.KeyCPUTime:  c.seconds(uint64(stat.UTime + stat.STime)),
		platform.KeyCPUCount: float64(c.cpus),
		platform.KeyRSS:      float64(stat.ResidentMemory()),
		platform.KeyVMS:      float64(stat.VirtualMemory()),
	}
	if want.any(platform.KeyHandles) {
		// Reading another user's fd table needs privileges; leave the
		// key out so only the handle metric degrades.
		if n, err := p.FileDescriptorsLen(); err == nil {
			out[platform.KeyHandles] = float64(n)
		}
	}
	if want.any(platform.KeyPhysicalTotal, platform.KeyVirtualTotal) {
		if err := c.memory(out); err != nil {
			c.logger.Debug("meminfo read failed", zap.Error(err))
		}
		delete(out, platform.KeyPhysicalUsed)
		delete(out, platform.KeyVirtualUsed)
	}
	return out, nil
}

func (c *procfsCollector) DescribeProcess(_ context.Context, ref models.ProcessRef) (models.ProcessDescriptor, error) {
	target := models.PIDTarget(ref.PID)
	p, err := c.fs.Proc(int(ref.PID))
	if err != nil {
		return models.ProcessDescriptor{}, mapError("describe", target, err)
	}
	stat, err := p.Stat()
	if err != nil {
		return models.ProcessDescriptor{}, mapError("describe", target, err)
	}

	d := models.ProcessDescriptor{
		PID:            ref.PID,
		PPID:           uint32(stat.PPID),
		Name:           c.name(p, stat),
		Priority:       int32(stat.Priority),
		Status:         stat.State,
		Threads:        uint32(stat.NumThreads),
		KernelTime:     c.seconds(uint64(stat.STime)),
		UserTime:       c.seconds(uint64(stat.UTime)),
		Start:          c.startTime(stat),
		PhysicalMemory: uint64(stat.ResidentMemory()),
		VirtualMemory:  uint64(stat.VirtualMemory()),
	}
	if exe, err := p.Executable(); err == nil {
		d.Path = exe
	}
	if n, err := p.FileDescriptorsLen(); err == nil {
		d.Handles = uint32(n)
	}
	if status, err := p.NewStatus(); err == nil {
		d.Owner = owner(status.UIDs[1])
	}
	return d, nil
}

func (c *procfsCollector) ref(p procfs.Proc, stat procfs.ProcStat) models.ProcessRef {
	return models.ProcessRef{
		PID:       uint32(stat.PID),
		Name:      c.name(p, stat),
		StartTime: c.startTime(stat).UnixMilli(),
	}
}

// name returns the command name, recovering the full executable name when
// the kernel truncated comm.
func (c *procfsCollector) name(p procfs.Proc, stat procfs.ProcStat) string {
	if len(stat.Comm) < commLen {
		return stat.Comm
	}
	if exe, err := p.Executable(); err == nil && exe != "" {
		if base := filepath.Base(exe); strings.HasPrefix(base, stat.Comm) {
			return base
		}
	}
	return stat.Comm
}

func (c *procfsCollector) startTime(stat procfs.ProcStat) time.Time {
	secs := c.bootTime + c.seconds(stat.Starttime)
	return time.UnixMilli(int64(secs * 1000))
}

// seconds converts clock ticks from a stat file.
func (c *procfsCollector) seconds(ticks uint64) float64 {
	return float64(ticks) / c.hz
}

// clockTicks returns SC_CLK_TCK, the unit of the tick fields in stat files.
func clockTicks() float64 {
	if hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && hz > 0 {
		return float64(hz)
	}
	return defaultHZ
}

// memory fills physical and virtual (physical plus swap) totals and usage.
func (c *procfsCollector) memory(out models.RawValues) error {
	mi, err := c.fs.Meminfo()
	if err != nil {
		return err
	}
	if mi.MemTotalBytes == nil || mi.MemAvailableBytes == nil {
		return errors.New("meminfo lacks MemTotal or MemAvailable")
	}
	total := float64(*mi.MemTotalBytes)
	used := total - float64(*mi.MemAvailableBytes)
	out[platform.KeyPhysicalTotal] = total
	out[platform.KeyPhysicalUsed] = used

	var swapTotal, swapFree float64
	if mi.SwapTotalBytes != nil {
		swapTotal = float64(*mi.SwapTotalBytes)
	}
	if mi.SwapFreeBytes != nil {
		swapFree = float64(*mi.SwapFreeBytes)
	}
	out[platform.KeyVirtualTotal] = total + swapTotal
	out[platform.KeyVirtualUsed] = used + swapTotal - swapFree
	return nil
}

// disks sums the I/O busy time of whole block devices, ignoring loop and
// ram devices and partitions.
func (c *procfsCollector) disks() (float64, int, error) {
	stats, err := c.block.ProcDiskstats()
	if err != nil {
		return 0, 0, err
	}
	whole := map[string]struct{}{}
	if names, err := c.block.SysBlockDevices(); err == nil {
		for _, n := range names {
			whole[n] = struct{}{}
		}
	}

	var busyMs uint64
	count := 0
	for _, d := range stats {
		name := d.DeviceName
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "zram") {
			continue
		}
		if len(whole) > 0 {
			if _, ok := whole[name]; !ok {
				continue
			}
		}
		busyMs += d.IOsTotalTicks
		count++
	}
	if count == 0 {
		return 0, 0, errors.New("no block devices")
	}
	return float64(busyMs) / 1000, count, nil
}

func owner(uid uint64) string {
	id := strconv.FormatUint(uid, 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}
