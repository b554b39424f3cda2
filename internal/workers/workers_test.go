package workers

import (
	"runtime"
	"testing"
)

func TestCount(t *testing.T) {
	t.Setenv("PREVIEW_WORKERS", "")

	available := runtime.GOMAXPROCS(0)

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		want       int
	}{
		{"CPUBound", 1.0, 0, available},
		{"LimitApplied", 1.0, 1, 1},
		{"MinimumOne", 0.0, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Count(tt.multiplier, tt.limit); got != tt.want {
				t.Errorf("Count(%v, %d) = %d, want %d", tt.multiplier, tt.limit, got, tt.want)
			}
		})
	}
}

func TestCountOverride(t *testing.T) {
	t.Setenv("PREVIEW_WORKERS", "3")

	if got := Count(1.0, 0); got != 3 {
		t.Errorf("Expected override of 3, got %d", got)
	}

	// Override is still capped by the limit
	if got := Count(1.0, 2); got != 2 {
		t.Errorf("Expected limit to cap override at 2, got %d", got)
	}
}

func TestCountInvalidOverride(t *testing.T) {
	t.Setenv("PREVIEW_WORKERS", "not-a-number")

	if got := Count(1.0, 0); got < 1 {
		t.Errorf("Expected at least 1 worker with invalid override, got %d", got)
	}
}
