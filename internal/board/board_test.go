package board_test

import (
	"testing"

	"funil/internal/board"
	"funil/internal/domain"
)

func TestProjectIncludesEmptyColumns(t *testing.T) {
	stages := []domain.Stage{
		{ID: "done", Position: 2},
		{ID: "todo", Position: 0},
		{ID: "doing", Position: 1},
	}
	cards := []domain.Card{
		{ID: "b", StageID: "todo", Position: 1},
		{ID: "a", StageID: "todo", Position: 0},
		{ID: "c", StageID: "done", Position: 0},
	}
	columns := board.Project(stages, cards)
	if len(columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(columns))
	}
	if columns[0].Stage.ID != "todo" || columns[1].Stage.ID != "doing" || columns[2].Stage.ID != "done" {
		t.Fatalf("columns not in stage-position order")
	}
	if len(columns[1].Cards) != 0 {
		t.Fatalf("empty stage should still get a column with no cards")
	}
	if columns[0].Cards[0].ID != "a" || columns[0].Cards[1].ID != "b" {
		t.Fatalf("cards not sorted by position")
	}
}

func TestProjectTieBreaksByCreationThenID(t *testing.T) {
	stages := []domain.Stage{{ID: "todo", Position: 0}}
	cards := []domain.Card{
		{ID: "z", StageID: "todo", Position: 0, CreatedAt: "2026-01-02T00:00:00Z"},
		{ID: "b", StageID: "todo", Position: 0, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "a", StageID: "todo", Position: 0, CreatedAt: "2026-01-01T00:00:00Z"},
	}
	columns := board.Project(stages, cards)
	got := columns[0].Cards
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "z" {
		t.Fatalf("unexpected tie-break order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestReorderSplice(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	out, err := board.Reorder(ids, "a", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "c", "a", "d"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
	// moving toward the front
	out, err = board.Reorder(ids, "d", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "d" || out[1] != "a" {
		t.Fatalf("unexpected front move: %v", out)
	}
	// original slice untouched
	if ids[0] != "a" || ids[3] != "d" {
		t.Fatalf("input mutated: %v", ids)
	}
}

func TestReorderValidation(t *testing.T) {
	ids := []string{"a", "b"}
	if _, err := board.Reorder(ids, "a", 5, 0); err == nil {
		t.Fatalf("expected out-of-range from index error")
	}
	if _, err := board.Reorder(ids, "a", 0, -1); err == nil {
		t.Fatalf("expected out-of-range to index error")
	}
	if _, err := board.Reorder(ids, "b", 0, 1); err == nil {
		t.Fatalf("expected identity mismatch error")
	}
}

func TestInsertAtClamps(t *testing.T) {
	ids := []string{"a", "b"}
	if out := board.InsertAt(ids, "x", -3); out[0] != "x" {
		t.Fatalf("negative index should clamp to front: %v", out)
	}
	if out := board.InsertAt(ids, "x", 99); out[2] != "x" {
		t.Fatalf("oversized index should clamp to back: %v", out)
	}
	if out := board.InsertAt(ids, "x", 1); out[1] != "x" || len(out) != 3 {
		t.Fatalf("unexpected insert: %v", out)
	}
}

func TestPlanPositionsMinimalWrites(t *testing.T) {
	before := map[string]int{"a": 0, "b": 1, "c": 2}
	updates := board.PlanPositions(before, []string{"a", "c", "b"})
	if len(updates) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(updates))
	}
	for _, u := range updates {
		if u.CardID == "a" {
			t.Fatalf("unchanged card scheduled for write")
		}
	}
	if updates := board.PlanPositions(before, []string{"a", "b", "c"}); len(updates) != 0 {
		t.Fatalf("identity order should plan no writes, got %d", len(updates))
	}
	// a card new to the column always gets a write
	if updates := board.PlanPositions(before, []string{"x", "a", "b", "c"}); len(updates) != 4 {
		t.Fatalf("expected writes for shifted cards plus newcomer, got %d", len(updates))
	}
}
