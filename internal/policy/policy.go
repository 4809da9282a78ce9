// Package policy decides whether a stage transition may proceed. It is
// the single place the lost-reason rule lives, so drag-and-drop, bulk
// moves and API calls all obey it identically.
package policy

import (
	"errors"
	"fmt"

	"funil/internal/domain"
	"funil/internal/registry"
)

type Kind int

const (
	Allowed Kind = iota
	RequiresLostReason
	Rejected
)

// Decision is the outcome of evaluating a requested transition.
// Reason is set only for Rejected.
type Decision struct {
	Kind   Kind
	Reason string
}

// Options carries caller intent that affects evaluation.
type Options struct {
	// Reopen permits leaving a final stage. Without it, a card in a
	// won or lost stage stays put.
	Reopen bool
}

// Evaluate checks the requested move of card to targetStageID against
// the board's stage registry. It never mutates anything.
func Evaluate(reg *registry.Registry, card domain.Card, targetStageID string, opts Options) (Decision, error) {
	current, err := reg.Get(card.StageID)
	if err != nil {
		// The card points at a stage the registry does not know:
		// corrupted data, surfaced rather than papered over.
		return Decision{}, err
	}
	target, err := reg.Get(targetStageID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownStage) {
			return Decision{Kind: Rejected, Reason: fmt.Sprintf("stage %s does not exist on board %s", targetStageID, reg.BoardID())}, nil
		}
		return Decision{}, err
	}
	if target.ID == current.ID {
		return Decision{Kind: Rejected, Reason: "card is already in that stage"}, nil
	}
	if current.Final && !opts.Reopen {
		outcome := "lost"
		if current.Won {
			outcome = "won"
		}
		return Decision{Kind: Rejected, Reason: fmt.Sprintf("card is closed as %s; reopen it explicitly to move it", outcome)}, nil
	}
	if target.RequiresReason {
		return Decision{Kind: RequiresLostReason}, nil
	}
	return Decision{Kind: Allowed}, nil
}
