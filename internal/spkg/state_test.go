package spkg

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateStart, StateEnvChecked, true},
		{StateStart, StateSourceReady, false},
		{StateEnvChecked, StateSourceReady, true},
		{StateSourceReady, StatePatched, true},
		{StatePatched, StateBuilt, true},
		{StateBuilt, StateInstalled, true},
		{StateInstalled, StatePackaged, true},
		{StateInstalled, StateDone, true},
		{StatePackaged, StateDone, true},
		{StateBuilt, StateDone, false},
		{StateStart, StateFailed, true},
		{StatePackaged, StateFailed, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateStart, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestResultAdvance(t *testing.T) {
	r := &Result{State: StateStart, History: []State{StateStart}}
	if err := r.advance(StateEnvChecked); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := r.advance(StateBuilt); err == nil {
		t.Fatal("expected error skipping stages")
	}
	if r.State != StateEnvChecked {
		t.Fatalf("state = %s, want %s", r.State, StateEnvChecked)
	}
	if err := r.advance(StateFailed); err != nil {
		t.Fatalf("advance to FAILED: %v", err)
	}
	if len(r.History) != 3 {
		t.Fatalf("history = %v, want 3 entries", r.History)
	}
}
