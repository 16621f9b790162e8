// Package collector provides the platform collectors the observation engine
// samples through.
package collector

import (
	"fmt"
	"runtime"

	"github.com/HerbHall/procwatch/pkg/platform"
	"go.uber.org/zap"
)

// Backend names accepted by New.
const (
	BackendAuto     = "auto"
	BackendProcfs   = "procfs"
	BackendGopsutil = "gopsutil"
)

// New returns the collector for backend. "auto" (or "") selects procfs on
// Linux and gopsutil elsewhere.
func New(backend string, logger *zap.Logger) (platform.Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch backend {
	case "", BackendAuto:
		if runtime.GOOS == "linux" {
			c, err := newProcfsCollector(logger)
			if err == nil {
				return c, nil
			}
			logger.Warn("procfs unavailable, falling back to gopsutil", zap.Error(err))
		}
		return newGopsutilCollector(logger), nil
	case BackendProcfs:
		return newProcfsCollector(logger)
	case BackendGopsutil:
		return newGopsutilCollector(logger), nil
	}
	return nil, fmt.Errorf("unknown collector backend %q", backend)
}

// keySet answers "was this raw key requested".
type keySet map[string]struct{}

func newKeySet(keys []string) keySet {
	s := make(keySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s keySet) any(keys ...string) bool {
	for _, k := range keys {
		if _, ok := s[k]; ok {
			return true
		}
	}
	return false
}
