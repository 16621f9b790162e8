package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestMetricMaskBits(t *testing.T) {
	tests := []struct {
		name string
		mask MetricMask
		want []MetricMask
	}{
		{"zero", 0, []MetricMask{}},
		{"single", 4, []MetricMask{4}},
		{"ascending", 1 | 8 | 128, []MetricMask{1, 8, 128}},
		{"high bit", 1 << 31, []MetricMask{1 << 31}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.mask.Bits()
			if len(got) != len(tt.want) {
				t.Fatalf("Bits() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Bits()[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadingJSON(t *testing.T) {
	values := map[string]Reading{
		"threads":   AvailableReading(12),
		"procusage": Unavailable,
	}
	data, err := json.Marshal(values)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"procusage":null,"threads":12}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}

	var back map[string]Reading
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back["procusage"].Available {
		t.Error("procusage should decode as unavailable")
	}
	if !back["threads"].Available || back["threads"].Value != 12 {
		t.Errorf("threads = %+v, want available 12", back["threads"])
	}
}

func TestObserverErrorIs(t *testing.T) {
	err := NewError(ErrorTargetNotFound, "resolve", PIDTarget(42), errors.New("no such process"))
	wrapped := fmt.Errorf("poll: %w", err)

	if !errors.Is(wrapped, ErrTargetNotFound) {
		t.Error("errors.Is(wrapped, ErrTargetNotFound) = false, want true")
	}
	if errors.Is(wrapped, ErrPermissionDenied) {
		t.Error("errors.Is(wrapped, ErrPermissionDenied) = true, want false")
	}
	if got := KindOf(wrapped); got != ErrorTargetNotFound {
		t.Errorf("KindOf = %q, want %q", got, ErrorTargetNotFound)
	}
	if got := err.Error(); got != "resolve: target_not_found (pid:42): no such process" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTargetObjectAndValidate(t *testing.T) {
	tests := []struct {
		target  Target
		object  any
		str     string
		wantErr bool
	}{
		{SystemTarget(), nil, "system", false},
		{PIDTarget(7), uint32(7), "pid:7", false},
		{NameTarget("nginx"), "nginx", "name:nginx", false},
		{NameTarget("  "), "  ", "name:  ", true},
		{Target{Kind: 9}, nil, "kind(9)", true},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if got := tt.target.Object(); got != tt.object {
				t.Errorf("Object() = %v, want %v", got, tt.object)
			}
			if got := tt.target.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
			err := tt.target.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("Validate() error = %v, want ErrInvalidTarget", err)
			}
		})
	}
}

func TestParseTargetKind(t *testing.T) {
	for in, want := range map[string]TargetKind{
		"system": TargetSystem, "PID": TargetProcessID, "name": TargetProcessName, "2": TargetProcessName,
	} {
		got, err := ParseTargetKind(in)
		if err != nil || got != want {
			t.Errorf("ParseTargetKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseTargetKind("thread"); err == nil {
		t.Error("ParseTargetKind(thread) should fail")
	}
}

func TestProcessRefKey(t *testing.T) {
	if got := (ProcessRef{PID: 10}).Key(); got != "pid:10" {
		t.Errorf("Key() = %q", got)
	}
	if got := (ProcessRef{PID: 10, StartTime: 1700}).Key(); got != "pid:10@1700" {
		t.Errorf("Key() = %q", got)
	}
	rt := ResolvedTarget{Kind: TargetSystem}
	if keys := rt.Keys(); len(keys) != 1 || keys[0] != SystemKey {
		t.Errorf("system Keys() = %v", keys)
	}
}
