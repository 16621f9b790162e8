package models

import "time"

// ProcessDescriptor describes one observable process. Collectors that can
// only enumerate fill PID and Name; the rest is best effort.
type ProcessDescriptor struct {
	PID            uint32    `json:"pid" yaml:"pid"`
	PPID           uint32    `json:"ppid" yaml:"ppid"`
	Name           string    `json:"name" yaml:"name"`
	Path           string    `json:"path,omitempty" yaml:"path,omitempty"`
	Owner          string    `json:"owner,omitempty" yaml:"owner,omitempty"`
	Priority       int32     `json:"priority" yaml:"priority"`
	Status         string    `json:"status,omitempty" yaml:"status,omitempty"`
	Threads        uint32    `json:"threads" yaml:"threads"`
	Handles        uint32    `json:"handles" yaml:"handles"`
	KernelTime     float64   `json:"ktime" yaml:"ktime"`
	UserTime       float64   `json:"utime" yaml:"utime"`
	Start          time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	PhysicalMemory uint64    `json:"pmemory" yaml:"pmemory"`
	VirtualMemory  uint64    `json:"vmemory" yaml:"vmemory"`
}

// Ref returns the minimal identity of the descriptor.
func (d ProcessDescriptor) Ref() ProcessRef {
	ref := ProcessRef{PID: d.PID, Name: d.Name}
	if !d.Start.IsZero() {
		ref.StartTime = d.Start.UnixMilli()
	}
	return ref
}
