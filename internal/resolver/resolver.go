// Package resolver turns an observation target into the concrete set of
// processes it denotes at one moment.
package resolver

import (
	"context"
	"errors"
	"sort"

	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/HerbHall/procwatch/pkg/platform"
)

// Resolver resolves targets through a collector. It keeps no state between
// calls.
type Resolver struct {
	collector platform.Collector
}

// New returns a Resolver backed by c.
func New(c platform.Collector) *Resolver {
	return &Resolver{collector: c}
}

// Resolve maps target to its current processes.
//
// System always resolves to the singleton system entry. A ProcessID target
// fails with models.ErrTargetNotFound when the pid does not exist. A
// ProcessName target returns every exact name match ordered by pid; no match
// is a valid, empty result.
func (r *Resolver) Resolve(ctx context.Context, target models.Target) (models.ResolvedTarget, error) {
	if err := target.Validate(); err != nil {
		return models.ResolvedTarget{}, err
	}

	switch target.Kind {
	case models.TargetProcessID:
		ref, err := r.lookup(ctx, target.PID)
		if err != nil {
			return models.ResolvedTarget{}, err
		}
		return models.ResolvedTarget{Kind: target.Kind, Processes: []models.ProcessRef{ref}}, nil

	case models.TargetProcessName:
		refs, err := r.collector.EnumerateProcesses(ctx)
		if err != nil {
			return models.ResolvedTarget{}, enumerateError(target, err)
		}
		matches := make([]models.ProcessRef, 0, 4)
		for _, ref := range refs {
			if ref.Name == target.Name {
				matches = append(matches, ref)
			}
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].PID < matches[j].PID })
		return models.ResolvedTarget{Kind: target.Kind, Processes: matches}, nil
	}

	return models.ResolvedTarget{Kind: models.TargetSystem}, nil
}

func (r *Resolver) lookup(ctx context.Context, pid uint32) (models.ProcessRef, error) {
	target := models.PIDTarget(pid)
	if l, ok := r.collector.(platform.ProcessLookup); ok {
		ref, err := l.LookupProcess(ctx, pid)
		if err != nil {
			return models.ProcessRef{}, asResolveError(target, err)
		}
		return ref, nil
	}

	refs, err := r.collector.EnumerateProcesses(ctx)
	if err != nil {
		return models.ProcessRef{}, enumerateError(target, err)
	}
	for _, ref := range refs {
		if ref.PID == pid {
			return ref, nil
		}
	}
	return models.ProcessRef{}, models.NewError(models.ErrorTargetNotFound, "resolve", target, nil)
}

// asResolveError keeps not-found and permission errors and reports any
// other lookup failure as target not found.
func asResolveError(target models.Target, err error) error {
	if isContextErr(err) {
		return err
	}
	switch models.KindOf(err) {
	case models.ErrorTargetNotFound, models.ErrorPermissionDenied:
		return err
	}
	return models.NewError(models.ErrorTargetNotFound, "resolve", target, err)
}

func enumerateError(target models.Target, err error) error {
	if isContextErr(err) {
		return err
	}
	if models.KindOf(err) == models.ErrorPermissionDenied {
		return err
	}
	return models.NewError(models.ErrorTargetNotFound, "resolve", target, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
