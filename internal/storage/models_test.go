package storage

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusTimeout, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusKilled, true},
		{StatusRunning, StatusQueued, false},
		{StatusCompleted, StatusRunning, false},
		{StatusTimeout, StatusCompleted, false},
		{StatusKilled, StatusFailed, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusKilled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if Status("paused").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestFilterLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100}, {-1, 100}, {25, 25}, {1000, 1000}, {1001, 100},
	}
	for _, tt := range tests {
		if got := (ExecutionFilter{Limit: tt.in}).limit(); got != tt.want {
			t.Errorf("limit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
