package statemachine

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"in_progress_to_processing", InProgress, ProcessingAI, true},
		{"in_progress_to_failed", InProgress, Failed, true},
		{"in_progress_to_completed", InProgress, Completed, true},
		{"in_progress_to_archived", InProgress, Archived, false},
		{"processing_to_completed", ProcessingAI, Completed, true},
		{"processing_to_failed", ProcessingAI, Failed, true},
		{"processing_to_in_progress", ProcessingAI, InProgress, false},
		{"failed_to_processing", Failed, ProcessingAI, true},
		{"failed_to_archived", Failed, Archived, true},
		{"failed_to_completed", Failed, Completed, false},
		{"completed_to_archived", Completed, Archived, true},
		{"completed_to_processing", Completed, ProcessingAI, false},
		{"archived_is_terminal", Archived, ProcessingAI, false},
		{"self_loop_rejected", InProgress, InProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransitionError(t *testing.T) {
	err := Transition(Archived, InProgress)
	if err == nil {
		t.Fatal("expected an error for archived -> in_progress")
	}
	var illegal *ErrIllegalTransition
	if !asIllegal(err, &illegal) {
		t.Fatalf("expected *ErrIllegalTransition, got %T", err)
	}
	if illegal.From != Archived || illegal.To != InProgress {
		t.Errorf("unexpected fields: %+v", illegal)
	}

	if err := Transition(InProgress, ProcessingAI); err != nil {
		t.Errorf("expected legal transition to succeed, got %v", err)
	}
}

func asIllegal(err error, target **ErrIllegalTransition) bool {
	e, ok := err.(*ErrIllegalTransition)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestValid(t *testing.T) {
	for _, s := range []State{InProgress, ProcessingAI, Completed, Failed, Archived} {
		if !Valid(s) {
			t.Errorf("Valid(%s) = false, want true", s)
		}
	}
	if Valid(State("BOGUS")) {
		t.Error("Valid(BOGUS) = true, want false")
	}
}
