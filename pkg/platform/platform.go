// Package platform defines the capability the observation engine needs from
// an operating system: enumerating processes and sampling raw counters.
package platform

import (
	"context"

	"github.com/HerbHall/procwatch/pkg/models"
)

// Raw collector keys. System samples use the system keys, process samples
// the process keys; the totals are answered by both so process percentages
// can be computed from a single sample.
const (
	KeyProcesses     = "processes"
	KeyThreads       = "threads"
	KeyHandles       = "handles"
	KeyCPUBusy       = "cpu.busy" // cumulative busy CPU seconds, all cores
	KeyCPUTime       = "cpu.time" // cumulative user+system seconds of one process
	KeyCPUCount      = "cpu.count"
	KeyPhysicalUsed  = "mem.physical.used"
	KeyPhysicalTotal = "mem.physical.total"
	KeyVirtualUsed   = "mem.virtual.used"
	KeyVirtualTotal  = "mem.virtual.total"
	KeyRSS           = "mem.rss"
	KeyVMS           = "mem.vms"
	KeyDiskBusy      = "disk.busy" // cumulative seconds spent doing I/O, all disks
	KeyDiskCount     = "disk.count"
)

// Collector samples raw values from the operating system.
//
// Implementations return only the keys they could read; a missing key makes
// the metrics built on it unavailable for that poll. SampleProcess returns an
// error matching models.ErrTargetNotFound when the process no longer exists
// and models.ErrPermissionDenied when the OS refuses access.
type Collector interface {
	EnumerateProcesses(ctx context.Context) ([]models.ProcessRef, error)
	SampleSystem(ctx context.Context, keys []string) (models.RawValues, error)
	SampleProcess(ctx context.Context, pid uint32, keys []string) (models.RawValues, error)
}

// ProcessLookup is implemented by collectors that can check a single pid
// without enumerating every process.
type ProcessLookup interface {
	LookupProcess(ctx context.Context, pid uint32) (models.ProcessRef, error)
}

// ProcessDescriber is implemented by collectors that can report the details
// of a process beyond its pid and name.
type ProcessDescriber interface {
	DescribeProcess(ctx context.Context, ref models.ProcessRef) (models.ProcessDescriptor, error)
}

// Namer is implemented by collectors that report a backend name for logs.
type Namer interface {
	Name() string
}
