package types

import (
	"time"

	"github.com/google/uuid"
)

// Interaction is an AI-interaction log record. Records are append-only and
// are never updated or deleted in normal operation.
type Interaction struct {
	ID uuid.UUID `json:"id"`

	// UserID is the tenant key; interactions share the active store's
	// routing scheme with an independently sized partition count.
	UserID uuid.UUID `json:"user_id"`

	// ItemID is a logical reference to the item the interaction concerns.
	// Not a physical foreign key: it may cross partition boundaries.
	ItemID uuid.UUID `json:"item_id"`

	InteractionType string `json:"interaction_type"` // subtask_generation, file_analysis, ...
	Prompt          string `json:"prompt"`
	Response        string `json:"response"`

	// SubtasksGenerated counts items created from this interaction.
	SubtasksGenerated int `json:"subtasks_generated"`

	// ModelUsed records which model produced the response.
	ModelUsed string `json:"model_used,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckInvariants verifies the write-time constraints on an interaction.
func (in *Interaction) CheckInvariants() error {
	if in.ID == uuid.Nil {
		return ErrMissingID
	}
	if in.UserID == uuid.Nil {
		return ErrMissingTenant
	}
	if in.InteractionType == "" || in.Prompt == "" {
		return ErrIncompleteInteraction
	}
	return nil
}
