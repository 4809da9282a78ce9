package server

import (
	"funil/internal/domain"
)

// Request payloads

type CreateCardRequest struct {
	ID           *string `json:"id,omitempty"`
	Title        string  `json:"title"`
	ContactName  *string `json:"contact_name,omitempty"`
	ContactPhone *string `json:"contact_phone,omitempty"`
	ContactEmail *string `json:"contact_email,omitempty"`
	Description  *string `json:"description,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
}

// UpdateCardRequest deliberately has no stage field: stage changes go
// through the transition endpoint only.
type UpdateCardRequest struct {
	Title        *string `json:"title,omitempty"`
	ContactName  *string `json:"contact_name,omitempty"`
	ContactPhone *string `json:"contact_phone,omitempty"`
	ContactEmail *string `json:"contact_email,omitempty"`
	Description  *string `json:"description,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
}

type TransitionRequest struct {
	ToStage      string  `json:"to_stage"`
	LostReasonID *string `json:"lost_reason_id,omitempty"`
	Notes        *string `json:"notes,omitempty"`
	Reopen       bool    `json:"reopen,omitempty"`
}

type MoveRequest struct {
	ToStage      string  `json:"to_stage"`
	ToIndex      int     `json:"to_index"`
	LostReasonID *string `json:"lost_reason_id,omitempty"`
	Notes        *string `json:"notes,omitempty"`
	Reopen       bool    `json:"reopen,omitempty"`
}

type ReorderRequest struct {
	CardID    string `json:"card_id"`
	FromIndex int    `json:"from_index"`
	ToIndex   int    `json:"to_index"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Responses

type BoardResponse struct {
	Board  domain.Board   `json:"board"`
	Stages []domain.Stage `json:"stages,omitempty"`
}

type BoardViewResponse struct {
	Board   domain.Board    `json:"board"`
	Columns []domain.Column `json:"columns"`
}

type ColumnResponse struct {
	Stage domain.Stage  `json:"stage"`
	Cards []domain.Card `json:"cards"`
}

type CardListResponse struct {
	Items      []domain.Card `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type HistoryResponse struct {
	Items []domain.HistoryEntry `json:"items"`
}
