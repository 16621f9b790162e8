package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Reading is one metric value in a poll result. An unavailable reading
// (first sample of a delta metric, a process that exited mid-poll, a value
// the platform could not read) has Available false and Value 0, and is
// encoded as JSON null.
type Reading struct {
	Value     float64
	Available bool
}

// AvailableReading returns a reading carrying v.
func AvailableReading(v float64) Reading { return Reading{Value: v, Available: true} }

// Unavailable is the no-data marker.
var Unavailable = Reading{}

func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Available {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

func (r *Reading) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Unavailable
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = AvailableReading(v)
	return nil
}

// MarshalYAML renders unavailable readings as null.
func (r Reading) MarshalYAML() (any, error) {
	if !r.Available {
		return nil, nil
	}
	return r.Value, nil
}

// InstanceResult holds the readings of one process matched by a name target.
type InstanceResult struct {
	PID    uint32             `json:"pid" yaml:"pid"`
	Values map[string]Reading `json:"values" yaml:"values"`
}

// PollResult is the outcome of one successful poll. It is never modified
// after it is returned.
type PollResult struct {
	Target    Target             `json:"target" yaml:"target"`
	Timestamp time.Time          `json:"timestamp" yaml:"timestamp"`
	Values    map[string]Reading `json:"values" yaml:"values"`
	Instances []InstanceResult   `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// Get returns the reading for key.
func (r *PollResult) Get(key string) (Reading, bool) {
	v, ok := r.Values[key]
	return v, ok
}

// Keys returns the metric keys present in the result, sorted.
func (r *PollResult) Keys() []string {
	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Numbers flattens the result to key -> value, dropping unavailable readings.
func (r *PollResult) Numbers() map[string]float64 {
	out := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		if v.Available {
			out[k] = v.Value
		}
	}
	return out
}
