package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

// ActionType names the change a WorkItem requests.
type ActionType string

const (
	ActionCreateOrUpdate ActionType = "CREATE_OR_UPDATE"
	ActionDelete         ActionType = "DELETE"
)

// ParseActionType accepts the canonical names plus a few CLI-friendly
// aliases.
func ParseActionType(s string) (ActionType, error) {
	switch s {
	case string(ActionCreateOrUpdate), "create", "update", "index":
		return ActionCreateOrUpdate, nil
	case string(ActionDelete), "delete", "remove":
		return ActionDelete, nil
	}
	return "", cierrors.New(cierrors.ErrCodeUnsupportedAction, fmt.Sprintf("unknown action %q", s), nil).
		WithSuggestion("use CREATE_OR_UPDATE or DELETE")
}

// Identity is the deduplication key of a WorkItem. Owner, host and
// creation time do not take part.
type Identity struct {
	ParticipantID string     `json:"participant_id"`
	Action        ActionType `json:"action"`
}

// String renders the identity as "participant/ACTION".
func (id Identity) String() string {
	return id.ParticipantID + "/" + string(id.Action)
}

// WorkItem is one requested change. It is a value type; copies are
// independent and nothing mutates an item after NewWorkItem.
type WorkItem struct {
	// ID is unique per request and only used for log correlation.
	ID             string     `json:"id"`
	ParticipantID  string     `json:"participant_id"`
	Action         ActionType `json:"action"`
	OwnerID        string     `json:"owner_id"`
	RequestingHost string     `json:"requesting_host"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewWorkItem validates its input and builds a WorkItem. The participant
// identifier is opaque and used exactly as given.
func NewWorkItem(participantID string, action ActionType, ownerID, host string, now time.Time) (WorkItem, error) {
	item := WorkItem{
		ID:             uuid.NewString(),
		ParticipantID:  participantID,
		Action:         action,
		OwnerID:        ownerID,
		RequestingHost: host,
		CreatedAt:      now,
	}
	if err := item.Validate(); err != nil {
		return WorkItem{}, err
	}
	return item, nil
}

// Validate checks the fields that execution depends on.
func (w WorkItem) Validate() error {
	if w.ParticipantID == "" {
		return cierrors.New(cierrors.ErrCodeInvalidParticipant, "participant identifier must not be empty", nil)
	}
	if _, ok := ActionFor(w.Action); !ok {
		return cierrors.New(cierrors.ErrCodeUnsupportedAction, fmt.Sprintf("unsupported action %q", w.Action), nil).
			WithDetail("participant", w.ParticipantID)
	}
	return nil
}

// Identity returns the deduplication key.
func (w WorkItem) Identity() Identity {
	return Identity{ParticipantID: w.ParticipantID, Action: w.Action}
}
