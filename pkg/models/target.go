package models

import (
	"fmt"
	"strconv"
	"strings"
)

// TargetKind identifies what an observer watches.
type TargetKind uint8

const (
	TargetSystem      TargetKind = 0
	TargetProcessID   TargetKind = 1
	TargetProcessName TargetKind = 2
)

// String returns the short name used in config files and the HTTP API.
func (k TargetKind) String() string {
	switch k {
	case TargetSystem:
		return "system"
	case TargetProcessID:
		return "pid"
	case TargetProcessName:
		return "name"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// IsProcess reports whether the kind selects the process metric table.
func (k TargetKind) IsProcess() bool {
	return k == TargetProcessID || k == TargetProcessName
}

// ParseTargetKind accepts "system", "pid" or "name" (and the numeric forms 0, 1, 2).
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system", "0":
		return TargetSystem, nil
	case "pid", "processid", "1":
		return TargetProcessID, nil
	case "name", "processname", "2":
		return TargetProcessName, nil
	}
	return 0, fmt.Errorf("unknown target kind %q", s)
}

// Target is the observation subject bound to an observer. It is immutable
// once the observer exists.
type Target struct {
	Kind TargetKind `json:"kind"`
	PID  uint32     `json:"pid,omitempty"`
	Name string     `json:"name,omitempty"`
}

// SystemTarget returns the system-wide target.
func SystemTarget() Target { return Target{Kind: TargetSystem} }

// PIDTarget returns a target bound to one process id.
func PIDTarget(pid uint32) Target { return Target{Kind: TargetProcessID, PID: pid} }

// NameTarget returns a target matching every process with the given name.
func NameTarget(name string) Target { return Target{Kind: TargetProcessName, Name: name} }

// Validate checks that the identity matches the kind.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetSystem, TargetProcessID:
		return nil
	case TargetProcessName:
		if strings.TrimSpace(t.Name) == "" {
			return &ObserverError{Kind: ErrorInvalidTarget, Op: "validate", Err: fmt.Errorf("process name is empty")}
		}
		return nil
	}
	return &ObserverError{Kind: ErrorInvalidTarget, Op: "validate", Err: fmt.Errorf("unknown target kind %d", t.Kind)}
}

// Object returns the bound identity: nil for the system, the pid for a
// process id target and the name for a process name target.
func (t Target) Object() any {
	switch t.Kind {
	case TargetProcessID:
		return t.PID
	case TargetProcessName:
		return t.Name
	}
	return nil
}

// String renders the target as "system", "pid:42" or "name:nginx".
func (t Target) String() string {
	switch t.Kind {
	case TargetProcessID:
		return "pid:" + strconv.FormatUint(uint64(t.PID), 10)
	case TargetProcessName:
		return "name:" + t.Name
	}
	return t.Kind.String()
}

// ProcessRef is the minimal OS identity of a running process.
type ProcessRef struct {
	PID  uint32 `json:"pid"`
	Name string `json:"name"`
	// StartTime is the process start in milliseconds since the epoch, or
	// zero when the platform cannot tell.
	StartTime int64 `json:"start_time,omitempty"`
}

// Key identifies the process across polls. Including the start time keeps a
// recycled pid from pairing with counters of the process that used it before.
func (r ProcessRef) Key() string {
	key := "pid:" + strconv.FormatUint(uint64(r.PID), 10)
	if r.StartTime != 0 {
		key += "@" + strconv.FormatInt(r.StartTime, 10)
	}
	return key
}

// SystemKey is the sample cache identity of the system target.
const SystemKey = "system"

// ResolvedTarget is the concrete identity a target maps to for one poll.
type ResolvedTarget struct {
	Kind      TargetKind
	Processes []ProcessRef
}

// Keys returns the sample cache identities of the resolved target.
func (r ResolvedTarget) Keys() []string {
	if r.Kind == TargetSystem {
		return []string{SystemKey}
	}
	keys := make([]string, 0, len(r.Processes))
	for _, p := range r.Processes {
		keys = append(keys, p.Key())
	}
	return keys
}
