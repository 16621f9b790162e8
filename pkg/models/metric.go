package models

import (
	"math/bits"
	"strconv"
	"time"
)

// MetricMask selects metrics with one bit per metric. The meaning of a bit
// depends on the target kind it is paired with.
type MetricMask uint32

// Has reports whether every bit of m is set.
func (mask MetricMask) Has(m MetricMask) bool { return mask&m == m }

// Bits returns the set bits in ascending order.
func (mask MetricMask) Bits() []MetricMask {
	out := make([]MetricMask, 0, bits.OnesCount32(uint32(mask)))
	for v := uint32(mask); v != 0; v &= v - 1 {
		out = append(out, MetricMask(v&-v))
	}
	return out
}

func (mask MetricMask) String() string { return strconv.FormatUint(uint64(mask), 10) }

// MetricDescriptor describes one selectable metric.
type MetricDescriptor struct {
	Bit                 MetricMask `json:"mask" yaml:"mask"`
	Key                 string     `json:"key" yaml:"key"`
	Title               string     `json:"title" yaml:"title"`
	RequiresPriorSample bool       `json:"delta" yaml:"delta"`
}

// MetricCatalog is the full bit-to-key table for both target kinds.
type MetricCatalog struct {
	System  []MetricDescriptor `json:"system" yaml:"system"`
	Process []MetricDescriptor `json:"process" yaml:"process"`
}

// RawValues maps collector keys to raw sampled numbers.
type RawValues map[string]float64

// Snapshot is one timestamped raw sample of a resolved target.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Values    RawValues `json:"values"`
}
