// Package registry holds an immutable snapshot of a board's stage set.
// It is loaded once at startup and shared read-only; stage edits are an
// admin operation that requires a restart, not a runtime mutation.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"funil/internal/domain"
)

var ErrUnknownStage = errors.New("unknown stage")

type Registry struct {
	boardID string
	ordered []domain.Stage
	byID    map[string]domain.Stage
}

// New builds a registry from a board's stages, ordered by position.
// An unknown stage id queried later is a data-integrity error, not a
// user-facing one; callers get ErrUnknownStage to surface, never a
// silently defaulted stage.
func New(boardID string, stages []domain.Stage) (*Registry, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("board %s has no stages", boardID)
	}
	ordered := make([]domain.Stage, len(stages))
	copy(ordered, stages)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })
	byID := make(map[string]domain.Stage, len(ordered))
	for _, s := range ordered {
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("board %s: duplicate stage id %s", boardID, s.ID)
		}
		if s.Won && !s.Final {
			return nil, fmt.Errorf("board %s: stage %s is won but not final", boardID, s.ID)
		}
		byID[s.ID] = s
	}
	return &Registry{boardID: boardID, ordered: ordered, byID: byID}, nil
}

func (r *Registry) BoardID() string { return r.boardID }

// List returns all stages ordered by position.
func (r *Registry) List() []domain.Stage {
	out := make([]domain.Stage, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Get(id string) (domain.Stage, error) {
	s, ok := r.byID[id]
	if !ok {
		return domain.Stage{}, fmt.Errorf("%w: %s", ErrUnknownStage, id)
	}
	return s, nil
}

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) IsTerminal(id string) (bool, error) {
	s, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return s.Final, nil
}

func (r *Registry) IsWon(id string) (bool, error) {
	s, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return s.Won, nil
}

// Initial returns the first non-final stage by position: the stage new
// cards are created in.
func (r *Registry) Initial() (domain.Stage, error) {
	for _, s := range r.ordered {
		if !s.Final {
			return s, nil
		}
	}
	return domain.Stage{}, fmt.Errorf("board %s has no non-final stage", r.boardID)
}
