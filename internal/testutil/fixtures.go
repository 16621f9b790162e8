package testutil

import (
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
)

// NewPollResult returns a system PollResult with two readings, suitable for
// test fixtures. Override individual fields with options.
func NewPollResult(opts ...func(*models.PollResult)) *models.PollResult {
	r := &models.PollResult{
		Target:    models.SystemTarget(),
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Values: map[string]models.Reading{
			"processes": models.AvailableReading(120),
			"procusage": models.Unavailable,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithTarget sets the result target.
func WithTarget(t models.Target) func(*models.PollResult) {
	return func(r *models.PollResult) { r.Target = t }
}

// WithTimestamp sets the result timestamp.
func WithTimestamp(ts time.Time) func(*models.PollResult) {
	return func(r *models.PollResult) { r.Timestamp = ts }
}

// WithReading sets one reading.
func WithReading(key string, v models.Reading) func(*models.PollResult) {
	return func(r *models.PollResult) { r.Values[key] = v }
}

// WithInstance appends a per-process result.
func WithInstance(pid uint32, values map[string]models.Reading) func(*models.PollResult) {
	return func(r *models.PollResult) {
		r.Instances = append(r.Instances, models.InstanceResult{PID: pid, Values: values})
	}
}
