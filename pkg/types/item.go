// Package types provides core data types for shardtask.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an item.
type Status string

const (
	// StatusTodo is the initial state of a newly created item.
	StatusTodo Status = "todo"

	// StatusInProgress marks an item that is actively being worked on.
	StatusInProgress Status = "in_progress"

	// StatusDone is the terminal state. Items never leave it; once old
	// enough they are moved to the archive store.
	StatusDone Status = "done"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition s → next is allowed.
// Allowed transitions: todo → in_progress, todo → done, in_progress → done.
// There is no transition out of done (reopening is unsupported).
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusTodo:
		return next == StatusInProgress || next == StatusDone
	case StatusInProgress:
		return next == StatusDone
	case StatusDone:
		return false
	}
	return false
}

// MaxDepth is the maximum nesting depth of the item tree.
const MaxDepth = 10

// Item represents a single todo item. The same shape is stored in both the
// active and archive stores; ArchivedAt is set only on archive copies.
type Item struct {
	// ID is the immutable unique identifier, assigned at creation.
	ID uuid.UUID `json:"id"`

	// UserID is the tenant key. It is immutable and routes the item to a
	// physical partition of the active store.
	UserID uuid.UUID `json:"user_id"`

	// ProjectID optionally references an external grouping entity.
	ProjectID *uuid.UUID `json:"project_id,omitempty"`

	// ParentID optionally references another item, forming a tree.
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"` // 1-5 scale

	// Depth is the cached nesting depth (0 for roots), derived from the
	// parent at insert time so reads never recompute it.
	Depth int `json:"depth"`

	DueDate *time.Time `json:"due_date,omitempty"`

	// CompletedAt is non-nil iff Status is done. Enforced at every write
	// path, not just by convention.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// AIGenerated marks items created by the subtask-generation collaborator.
	AIGenerated bool `json:"ai_generated"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ArchivedAt is set at the moment of archival and never modified
	// afterward. Nil on active-store rows.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// CheckInvariants verifies the write-time constraints on an item:
// status domain, priority range, depth bound, and completed_at iff done.
func (it *Item) CheckInvariants() error {
	if it.ID == uuid.Nil {
		return ErrMissingID
	}
	if it.UserID == uuid.Nil {
		return ErrMissingTenant
	}
	if it.Title == "" {
		return ErrMissingTitle
	}
	if !it.Status.Valid() {
		return ErrInvalidStatus
	}
	if it.Priority < 1 || it.Priority > 5 {
		return ErrInvalidPriority
	}
	if it.Depth < 0 || it.Depth > MaxDepth {
		return ErrDepthExceeded
	}
	if (it.Status == StatusDone) != (it.CompletedAt != nil) {
		return ErrCompletedAtMismatch
	}
	return nil
}

// IsOverdue reports whether the item is past its due date and not completed.
func (it *Item) IsOverdue(now time.Time) bool {
	return it.DueDate != nil && it.DueDate.Before(now) && it.Status != StatusDone
}
