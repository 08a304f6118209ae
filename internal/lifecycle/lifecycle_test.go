package lifecycle

import (
	"errors"
	"testing"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		status Status
		start  bool
		run    bool
		stop   bool
		delete bool
	}{
		{StatusPending, true, true, false, true},
		{StatusStopped, true, true, false, true},
		{StatusFailed, true, true, false, true},
		{StatusRunning, false, false, true, false},
		{StatusProcessing, false, false, true, false},
		{StatusCompleted, false, false, false, true},
		{StatusCancelled, false, false, false, false},
		{Status("exploded"), false, false, false, false},
		{Status(""), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			checks := map[Action]bool{
				ActionStart:  tt.start,
				ActionRun:    tt.run,
				ActionStop:   tt.stop,
				ActionDelete: tt.delete,
			}
			for action, want := range checks {
				if got := Allowed(tt.status, action); got != want {
					t.Errorf("Allowed(%q, %q) = %v, want %v", tt.status, action, got, want)
				}
			}
		})
	}
}

func TestCheckReturnsGuardError(t *testing.T) {
	err := Check("job-1", StatusPending, ActionStop)
	if err == nil {
		t.Fatalf("Check(pending, stop) = nil, want error")
	}
	var guardErr *GuardError
	if !errors.As(err, &guardErr) {
		t.Fatalf("Check() error %T is not *GuardError", err)
	}
	if guardErr.JobID != "job-1" || guardErr.Action != ActionStop {
		t.Errorf("GuardError = %+v", guardErr)
	}
	if !errors.Is(err, ErrTransitionNotAllowed) {
		t.Errorf("errors.Is(err, ErrTransitionNotAllowed) = false")
	}

	if err := Check("job-1", StatusRunning, ActionStop); err != nil {
		t.Errorf("Check(running, stop) = %v, want nil", err)
	}
}

func TestClasses(t *testing.T) {
	if !IsActive(StatusRunning) || !IsActive(StatusProcessing) {
		t.Errorf("running/processing should be active")
	}
	if IsActive(StatusPending) {
		t.Errorf("pending should not be active until started")
	}
	if IsActive(StatusFailed) || IsActive(StatusCompleted) || IsActive(Status("weird")) {
		t.Errorf("failed/completed/unknown should not be active")
	}
	if !IsTerminal(Status("weird")) {
		t.Errorf("unknown status should be terminal")
	}
	if IsTerminal(StatusStopped) {
		t.Errorf("stopped is re-enterable, not terminal")
	}
	if Known(Status("weird")) {
		t.Errorf("Known(weird) = true")
	}
}

func TestActions(t *testing.T) {
	got := Actions(StatusFailed)
	want := []Action{ActionStart, ActionRun, ActionDelete}
	if len(got) != len(want) {
		t.Fatalf("Actions(failed) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Actions(failed)[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(Actions(StatusCancelled)) != 0 {
		t.Errorf("Actions(cancelled) should be empty")
	}
}
