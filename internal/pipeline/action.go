package pipeline

import (
	"context"
	"time"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// Provider fetches a participant's business card from its registry.
// A card the registry does not know is reported as an error.
type Provider interface {
	Fetch(ctx context.Context, participantID string) (*store.BusinessCard, error)
}

// Env is what an Action needs to run.
type Env struct {
	Provider Provider
	Store    store.Store
	Now      time.Time
}

// Action is the execution strategy for one ActionType.
type Action interface {
	Type() ActionType
	Execute(ctx context.Context, item WorkItem, env Env) error
}

// CreateOrUpdate fetches the card and writes it to the store.
type CreateOrUpdate struct{}

// Type implements Action.
func (CreateOrUpdate) Type() ActionType { return ActionCreateOrUpdate }

// Execute implements Action.
func (CreateOrUpdate) Execute(ctx context.Context, item WorkItem, env Env) error {
	if env.Provider == nil {
		return cierrors.New(cierrors.ErrCodeNoProvider, "no business card provider configured", nil)
	}
	card, err := env.Provider.Fetch(ctx, item.ParticipantID)
	if err != nil {
		return err
	}
	if card == nil {
		return cierrors.New(cierrors.ErrCodeCardNotFound, "provider returned no business card", nil).
			WithDetail("participant", item.ParticipantID)
	}
	return env.Store.CreateOrUpdate(ctx, card, store.Metadata{
		OwnerID:        item.OwnerID,
		RequestingHost: item.RequestingHost,
		IndexedAt:      env.Now,
	})
}

// Delete removes the participant from the store.
type Delete struct{}

// Type implements Action.
func (Delete) Type() ActionType { return ActionDelete }

// Execute implements Action.
func (Delete) Execute(ctx context.Context, item WorkItem, env Env) error {
	return env.Store.Delete(ctx, item.ParticipantID)
}

var actions = map[ActionType]Action{
	ActionCreateOrUpdate: CreateOrUpdate{},
	ActionDelete:         Delete{},
}

// ActionFor returns the strategy for t.
func ActionFor(t ActionType) (Action, bool) {
	a, ok := actions[t]
	return a, ok
}
