//go:build !linux

package collector

import (
	"fmt"
	"runtime"

	"github.com/HerbHall/procwatch/pkg/platform"
	"go.uber.org/zap"
)

func newProcfsCollector(_ *zap.Logger) (platform.Collector, error) {
	return nil, fmt.Errorf("procfs collector is not supported on %s", runtime.GOOS)
}
