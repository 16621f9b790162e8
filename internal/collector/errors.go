package collector

import (
	"context"
	"errors"
	"io/fs"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/shirou/gopsutil/v3/process"
)

// mapError translates OS and library errors into observer errors. Context
// errors pass through unchanged.
func mapError(op string, target models.Target, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if models.KindOf(err) != "" {
		return err
	}

	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, errNoSuchProcess),
		errors.Is(err, process.ErrorProcessNotRunning):
		return models.NewError(models.ErrorTargetNotFound, op, target, err)
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, process.ErrorNotPermitted):
		return models.NewError(models.ErrorPermissionDenied, op, target, err)
	}
	return models.NewError(models.ErrorCollectorUnavailable, op, target, err)
}

// sampleFailure decides whether a failed read of one raw key fails the whole
// process sample. Only a vanished process or an ended context do; anything
// else (permissions, unsupported counters) leaves the key out so that just
// the metrics built on it degrade.
func sampleFailure(target models.Target, err error) error {
	mapped := mapError("sample", target, err)
	if models.KindOf(mapped) == models.ErrorTargetNotFound || models.KindOf(mapped) == "" {
		return mapped
	}
	return nil
}
