// Package board holds the pure projection and reorder arithmetic for
// the Kanban view. Nothing here touches storage; the engine translates
// the outputs into writes.
package board

import (
	"fmt"
	"sort"

	"funil/internal/domain"
)

// Project groups cards into one column per stage, ordered by stage
// position. Stages with no cards still get a column so the board always
// shows every configured stage. Cards within a column keep their
// persisted position order (stable on ties by creation time, then id).
func Project(stages []domain.Stage, cards []domain.Card) []domain.Column {
	ordered := make([]domain.Stage, len(stages))
	copy(ordered, stages)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	byStage := make(map[string][]domain.Card, len(ordered))
	for _, c := range cards {
		byStage[c.StageID] = append(byStage[c.StageID], c)
	}
	columns := make([]domain.Column, 0, len(ordered))
	for _, s := range ordered {
		col := byStage[s.ID]
		sort.SliceStable(col, func(i, j int) bool {
			if col[i].Position != col[j].Position {
				return col[i].Position < col[j].Position
			}
			if col[i].CreatedAt != col[j].CreatedAt {
				return col[i].CreatedAt < col[j].CreatedAt
			}
			return col[i].ID < col[j].ID
		})
		columns = append(columns, domain.Column{Stage: s, Cards: col})
	}
	return columns
}

// Reorder splices movedID from fromIndex to toIndex within one column
// and returns the resulting id order. It is a no-op (same slice order)
// when the indices are equal.
func Reorder(ids []string, movedID string, fromIndex, toIndex int) ([]string, error) {
	if fromIndex < 0 || fromIndex >= len(ids) {
		return nil, fmt.Errorf("from index %d out of range", fromIndex)
	}
	if toIndex < 0 || toIndex >= len(ids) {
		return nil, fmt.Errorf("to index %d out of range", toIndex)
	}
	if ids[fromIndex] != movedID {
		return nil, fmt.Errorf("card %s is not at index %d", movedID, fromIndex)
	}
	out := make([]string, 0, len(ids))
	out = append(out, ids...)
	if fromIndex == toIndex {
		return out, nil
	}
	out = append(out[:fromIndex], out[fromIndex+1:]...)
	out = append(out[:toIndex], append([]string{movedID}, out[toIndex:]...)...)
	return out, nil
}

// InsertAt places id into the order at the given index, clamping to the
// slice bounds. Used when a card enters a column from another stage.
func InsertAt(ids []string, id string, index int) []string {
	if index < 0 {
		index = 0
	}
	if index > len(ids) {
		index = len(ids)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:index]...)
	out = append(out, id)
	out = append(out, ids[index:]...)
	return out
}

// PositionUpdate is one persistence call the reorder needs.
type PositionUpdate struct {
	CardID   string
	Position int
}

// PlanPositions compares the previous order with the new one and emits
// the minimal set of position writes: only cards whose index changed.
// before maps card id to its persisted position.
func PlanPositions(before map[string]int, order []string) []PositionUpdate {
	var updates []PositionUpdate
	for idx, id := range order {
		if pos, ok := before[id]; ok && pos == idx {
			continue
		}
		updates = append(updates, PositionUpdate{CardID: id, Position: idx})
	}
	return updates
}

// IDs extracts the card ids of a column in order.
func IDs(cards []domain.Card) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}

// Positions maps card id to persisted position for a column.
func Positions(cards []domain.Card) map[string]int {
	out := make(map[string]int, len(cards))
	for _, c := range cards {
		out[c.ID] = c.Position
	}
	return out
}
