package domain

type Board struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind" enum:"leads,tasks"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Stage struct {
	ID             string `json:"id"`
	BoardID        string `json:"board_id"`
	Name           string `json:"name"`
	Position       int    `json:"position"`
	Color          string `json:"color,omitempty"`
	Final          bool   `json:"final"`
	Won            bool   `json:"won"`
	RequiresReason bool   `json:"requires_reason"`
}

// Card is the entity moving through a board's stages: a lead on the
// funnel board, a task on the task board. Its StageID is mutated only
// by the engine's transition path.
type Card struct {
	ID           string  `json:"id"`
	BoardID      string  `json:"board_id"`
	StageID      string  `json:"stage_id"`
	Title        string  `json:"title"`
	ContactName  string  `json:"contact_name,omitempty"`
	ContactPhone string  `json:"contact_phone,omitempty"`
	ContactEmail string  `json:"contact_email,omitempty"`
	Description  string  `json:"description,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
	Position     int     `json:"position"`
	LostReasonID *string `json:"lost_reason_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// HistoryEntry is one immutable stage-change record. FromStage is nil
// for the card's creation entry.
type HistoryEntry struct {
	ID        int64   `json:"id"`
	BoardID   string  `json:"board_id"`
	CardID    string  `json:"card_id"`
	FromStage *string `json:"from_stage,omitempty"`
	ToStage   string  `json:"to_stage"`
	ActorID   string  `json:"actor_id"`
	Notes     string  `json:"notes,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
}

type LostReason struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Active   bool   `json:"active"`
	Position int    `json:"position"`
}

// Column is the derived board view: a stage plus the cards in it,
// ordered by position. Rebuilt on every read, never persisted.
type Column struct {
	Stage Stage  `json:"stage"`
	Cards []Card `json:"cards"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
