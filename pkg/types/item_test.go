package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func validItem() Item {
	now := time.Now().UTC()
	return Item{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Title:     "write release notes",
		Status:    StatusTodo,
		Priority:  3,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusTodo, StatusInProgress, true},
		{StatusTodo, StatusDone, true}, // direct completion is valid
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusTodo, false},
		{StatusDone, StatusTodo, false},
		{StatusDone, StatusInProgress, false},
		{StatusDone, StatusDone, true}, // no-op update
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: expected allowed=%v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestCheckInvariantsValid(t *testing.T) {
	it := validItem()
	if err := it.CheckInvariants(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckInvariantsCompletedAt(t *testing.T) {
	// done without completed_at must be rejected
	it := validItem()
	it.Status = StatusDone
	if err := it.CheckInvariants(); err != ErrCompletedAtMismatch {
		t.Errorf("done without completed_at: expected ErrCompletedAtMismatch, got %v", err)
	}

	// completed_at without done must be rejected
	it = validItem()
	now := time.Now().UTC()
	it.CompletedAt = &now
	if err := it.CheckInvariants(); err != ErrCompletedAtMismatch {
		t.Errorf("completed_at without done: expected ErrCompletedAtMismatch, got %v", err)
	}

	// both set is fine
	it.Status = StatusDone
	if err := it.CheckInvariants(); err != nil {
		t.Errorf("done with completed_at: unexpected error: %v", err)
	}
}

func TestCheckInvariantsBounds(t *testing.T) {
	it := validItem()
	it.Priority = 6
	if err := it.CheckInvariants(); err != ErrInvalidPriority {
		t.Errorf("priority 6: expected ErrInvalidPriority, got %v", err)
	}

	it = validItem()
	it.Priority = 0
	if err := it.CheckInvariants(); err != ErrInvalidPriority {
		t.Errorf("priority 0: expected ErrInvalidPriority, got %v", err)
	}

	it = validItem()
	it.Depth = MaxDepth + 1
	if err := it.CheckInvariants(); err != ErrDepthExceeded {
		t.Errorf("depth %d: expected ErrDepthExceeded, got %v", it.Depth, err)
	}

	it = validItem()
	it.Status = "cancelled"
	if err := it.CheckInvariants(); err != ErrInvalidStatus {
		t.Errorf("unknown status: expected ErrInvalidStatus, got %v", err)
	}
}

func TestIsOverdue(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-24 * time.Hour)

	it := validItem()
	if it.IsOverdue(now) {
		t.Error("item without due date should not be overdue")
	}

	it.DueDate = &past
	if !it.IsOverdue(now) {
		t.Error("item past due date should be overdue")
	}

	it.Status = StatusDone
	it.CompletedAt = &now
	if it.IsOverdue(now) {
		t.Error("completed item should never be overdue")
	}
}

func TestInteractionCheckInvariants(t *testing.T) {
	in := Interaction{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		ItemID:          uuid.New(),
		InteractionType: "subtask_generation",
		Prompt:          "break down this task",
		Response:        "1. draft, 2. review",
	}
	if err := in.CheckInvariants(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in.Prompt = ""
	if err := in.CheckInvariants(); err != ErrIncompleteInteraction {
		t.Errorf("empty prompt: expected ErrIncompleteInteraction, got %v", err)
	}
}
