// Package registry holds the catalog of selectable metrics for each target
// kind and the rules that turn raw collector values into metric readings.
package registry

import (
	"fmt"
	"math"
	"strings"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
)

// System metric bits.
const (
	SystemProcesses          models.MetricMask = 1 << iota // processes
	SystemThreads                                          // threads
	SystemProcessorUsage                                   // procusage
	SystemPhysicalMemory                                   // pmemusage
	SystemPhysicalMemoryKB                                 // pmemusagekb
	SystemVirtualMemory                                    // vmemusage
	SystemVirtualMemoryKB                                  // vmemusagekb
	SystemDiskUsage                                        // diskusage
)

// Process metric bits.
const (
	ProcessHandles          models.MetricMask = 1 << iota // handles
	ProcessThreads                                        // threads
	ProcessProcessorUsage                                 // procusage
	ProcessPhysicalMemory                                 // pmemusage
	ProcessPhysicalMemoryKB                               // pmemusagekb
	ProcessVirtualMemory                                  // vmemusage
	ProcessVirtualMemoryKB                                // vmemusagekb
)

const kbytes = 1024

// Metric is a catalog entry plus the rule that computes its value.
type Metric struct {
	models.MetricDescriptor

	// Sources lists the raw collector keys the metric is built from.
	Sources []string

	// Counter is the cumulative raw key a delta metric differentiates.
	Counter string

	gauge func(cur models.RawValues) (float64, bool)
	scale func(rate float64, cur models.RawValues) (float64, bool)
}

// Value computes a non-delta metric from one sample.
func (m Metric) Value(cur models.RawValues) (float64, bool) {
	if m.gauge == nil {
		return 0, false
	}
	return m.gauge(cur)
}

// Rate computes a delta metric from the counter's previous and current
// points. It reports false when the interval is not positive or the counter
// went backwards.
func (m Metric) Rate(prev, cur float64, seconds float64, sample models.RawValues) (float64, bool) {
	if m.scale == nil || seconds <= 0 || cur < prev {
		return 0, false
	}
	return m.scale((cur-prev)/seconds, sample)
}

var (
	systemTable = []Metric{
		direct(SystemProcesses, "processes", "Process count", platform.KeyProcesses),
		direct(SystemThreads, "threads", "Thread count", platform.KeyThreads),
		perCount(SystemProcessorUsage, "procusage", "Processor usage, %", platform.KeyCPUBusy, platform.KeyCPUCount),
		percent(SystemPhysicalMemory, "pmemusage", "Physical memory usage, %", platform.KeyPhysicalUsed, platform.KeyPhysicalTotal),
		kilobytes(SystemPhysicalMemoryKB, "pmemusagekb", "Physical memory usage, KB", platform.KeyPhysicalUsed),
		percent(SystemVirtualMemory, "vmemusage", "Virtual memory usage, %", platform.KeyVirtualUsed, platform.KeyVirtualTotal),
		kilobytes(SystemVirtualMemoryKB, "vmemusagekb", "Virtual memory usage, KB", platform.KeyVirtualUsed),
		perCount(SystemDiskUsage, "diskusage", "Disk usage, %", platform.KeyDiskBusy, platform.KeyDiskCount),
	}

	processTable = []Metric{
		direct(ProcessHandles, "handles", "Open handles", platform.KeyHandles),
		direct(ProcessThreads, "threads", "Thread count", platform.KeyThreads),
		perCount(ProcessProcessorUsage, "procusage", "Processor usage, %", platform.KeyCPUTime, platform.KeyCPUCount),
		percent(ProcessPhysicalMemory, "pmemusage", "Physical memory usage, %", platform.KeyRSS, platform.KeyPhysicalTotal),
		kilobytes(ProcessPhysicalMemoryKB, "pmemusagekb", "Physical memory usage, KB", platform.KeyRSS),
		percent(ProcessVirtualMemory, "vmemusage", "Virtual memory usage, %", platform.KeyVMS, platform.KeyVirtualTotal),
		kilobytes(ProcessVirtualMemoryKB, "vmemusagekb", "Virtual memory usage, KB", platform.KeyVMS),
	}

	catalog = models.MetricCatalog{
		System:  descriptors(systemTable),
		Process: descriptors(processTable),
	}
)

func table(kind models.TargetKind) []Metric {
	if kind.IsProcess() {
		return processTable
	}
	return systemTable
}

// Lookup decomposes mask into its set bits in ascending order and returns
// the metric of each bit for kind. Bits without a metric are skipped.
func Lookup(kind models.TargetKind, mask models.MetricMask) []Metric {
	if mask == 0 {
		return nil
	}
	t := table(kind)
	out := make([]Metric, 0, len(t))
	for _, bit := range mask.Bits() {
		for _, m := range t {
			if m.Bit == bit {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Describe returns the full ordered catalog for kind.
func Describe(kind models.TargetKind) []models.MetricDescriptor {
	if kind.IsProcess() {
		return clone(catalog.Process)
	}
	return clone(catalog.System)
}

// Catalog returns the bit-to-key tables of both target kinds.
func Catalog() models.MetricCatalog {
	return models.MetricCatalog{System: clone(catalog.System), Process: clone(catalog.Process)}
}

// Range returns the union of all declared bits for kind.
func Range(kind models.TargetKind) models.MetricMask {
	var mask models.MetricMask
	for _, m := range table(kind) {
		mask |= m.Bit
	}
	return mask
}

// MaskFor builds a mask from metric keys. "all" selects every metric of kind.
func MaskFor(kind models.TargetKind, keys ...string) (models.MetricMask, error) {
	var mask models.MetricMask
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if key == "all" {
			mask |= Range(kind)
			continue
		}
		found := false
		for _, m := range table(kind) {
			if m.Key == key {
				mask |= m.Bit
				found = true
				break
			}
		}
		if !found {
			return 0, models.Errorf(models.ErrorInvalidMask, "mask", "no %s metric named %q", kind, key)
		}
	}
	return mask, nil
}

// Sources returns the deduplicated raw keys needed by metrics, in order.
func Sources(metrics []Metric) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range metrics {
		for _, k := range m.Sources {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

func descriptors(metrics []Metric) []models.MetricDescriptor {
	out := make([]models.MetricDescriptor, len(metrics))
	for i, m := range metrics {
		out[i] = m.MetricDescriptor
	}
	return out
}

func clone(d []models.MetricDescriptor) []models.MetricDescriptor {
	return append([]models.MetricDescriptor(nil), d...)
}

func descriptor(bit models.MetricMask, key, title string, delta bool) models.MetricDescriptor {
	return models.MetricDescriptor{Bit: bit, Key: key, Title: title, RequiresPriorSample: delta}
}

// direct reports a raw value as is.
func direct(bit models.MetricMask, key, title, source string) Metric {
	return Metric{
		MetricDescriptor: descriptor(bit, key, title, false),
		Sources:          []string{source},
		gauge: func(cur models.RawValues) (float64, bool) {
			v, ok := cur[source]
			return v, ok
		},
	}
}

// kilobytes converts a byte count to KB.
func kilobytes(bit models.MetricMask, key, title, source string) Metric {
	return Metric{
		MetricDescriptor: descriptor(bit, key, title, false),
		Sources:          []string{source},
		gauge: func(cur models.RawValues) (float64, bool) {
			v, ok := cur[source]
			return v / kbytes, ok
		},
	}
}

// percent reports floor(used*100/total).
func percent(bit models.MetricMask, key, title, used, total string) Metric {
	return Metric{
		MetricDescriptor: descriptor(bit, key, title, false),
		Sources:          []string{used, total},
		gauge: func(cur models.RawValues) (float64, bool) {
			u, ok1 := cur[used]
			t, ok2 := cur[total]
			if !ok1 || !ok2 || t <= 0 {
				return 0, false
			}
			return math.Floor(u * 100 / t), true
		},
	}
}

// perCount turns the per-second growth of counter into a percentage of the
// capacity given by count (cores or disks), clamped to [0, 100].
func perCount(bit models.MetricMask, key, title, counter, count string) Metric {
	return Metric{
		MetricDescriptor: descriptor(bit, key, title, true),
		Sources:          []string{counter, count},
		Counter:          counter,
		scale: func(rate float64, cur models.RawValues) (float64, bool) {
			n, ok := cur[count]
			if !ok || n <= 0 {
				return 0, false
			}
			return math.Min(100, math.Max(0, rate/n*100)), true
		},
	}
}

// String renders the metric as "key(bit)".
func (m Metric) String() string { return fmt.Sprintf("%s(%d)", m.Key, m.Bit) }
