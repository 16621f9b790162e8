package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/HerbHall/procwatch/internal/registry"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Masks returns the bit-to-key catalog of both target kinds.
func Masks() models.MetricCatalog { return registry.Catalog() }

// MaskFor builds a mask of kind from metric keys; "all" selects everything.
func MaskFor(kind models.TargetKind, keys ...string) (models.MetricMask, error) {
	return registry.MaskFor(kind, keys...)
}

// ParseMask validates a mask received from outside Go: an integer, an
// integral float (as decoded from JSON), a json.Number or a decimal string.
// Negative, fractional and out-of-range values fail with
// models.ErrInvalidMask.
func ParseMask(v any) (models.MetricMask, error) {
	switch x := v.(type) {
	case models.MetricMask:
		return x, nil
	case int:
		return fromInt(int64(x))
	case int8:
		return fromInt(int64(x))
	case int16:
		return fromInt(int64(x))
	case int32:
		return fromInt(int64(x))
	case int64:
		return fromInt(x)
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return fromUint(uint64(x))
	case uint16:
		return fromUint(uint64(x))
	case uint32:
		return models.MetricMask(x), nil
	case uint64:
		return fromUint(x)
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case json.Number:
		return ParseMask(string(x))
	case string:
		s := strings.TrimSpace(x)
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, models.Errorf(models.ErrorInvalidMask, "mask", "%q is not an unsigned 32-bit integer", x)
		}
		return models.MetricMask(n), nil
	case nil:
		return 0, models.Errorf(models.ErrorInvalidMask, "mask", "mask is missing")
	}
	return 0, models.Errorf(models.ErrorInvalidMask, "mask", "unsupported mask type %T", v)
}

func fromInt(n int64) (models.MetricMask, error) {
	if n < 0 {
		return 0, models.Errorf(models.ErrorInvalidMask, "mask", "mask %d is negative", n)
	}
	return fromUint(uint64(n))
}

func fromUint(n uint64) (models.MetricMask, error) {
	if n > math.MaxUint32 {
		return 0, models.Errorf(models.ErrorInvalidMask, "mask", "mask %d exceeds 32 bits", n)
	}
	return models.MetricMask(n), nil
}

func fromFloat(f float64) (models.MetricMask, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, models.Errorf(models.ErrorInvalidMask, "mask", "mask %v is not an integer", f)
	}
	if f < 0 || f > math.MaxUint32 {
		return 0, models.Errorf(models.ErrorInvalidMask, "mask", "mask %v is out of range", f)
	}
	return models.MetricMask(f), nil
}

// Processes lists the running processes ordered by pid. When the collector
// can describe processes, each entry carries the full descriptor; processes
// that exit while being described are left out.
func Processes(ctx context.Context, opts ...Option) ([]models.ProcessDescriptor, error) {
	o := buildOptions(opts)
	c, err := o.platformCollector()
	if err != nil {
		return nil, err
	}

	refs, err := c.EnumerateProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}

	out := make([]models.ProcessDescriptor, len(refs))
	keep := make([]bool, len(refs))
	describer, ok := c.(platform.ProcessDescriber)

	var g errgroup.Group
	limit := o.fanout
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g.SetLimit(limit)
	for i, ref := range refs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d := models.ProcessDescriptor{PID: ref.PID, Name: ref.Name}
			if ok {
				desc, err := describer.DescribeProcess(ctx, ref)
				switch {
				case errors.Is(err, models.ErrTargetNotFound):
					return nil
				case err != nil:
					o.logger.Debug("describe process failed", zap.Uint32("pid", ref.PID), zap.Error(err))
				default:
					d = desc
				}
			}
			out[i] = d
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	descs := out[:0]
	for i, d := range out {
		if keep[i] {
			descs = append(descs, d)
		}
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].PID < descs[j].PID })
	return descs, nil
}
