package funilsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Funil HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Card represents the API card model.
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
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// Stage represents a board column definition.
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

// Column is one stage of the board view with its ordered cards.
type Column struct {
	Stage Stage  `json:"stage"`
	Cards []Card `json:"cards"`
}

// Board represents a board.
type Board struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

// BoardView is the full projection of a board.
type BoardView struct {
	Board   Board    `json:"board"`
	Columns []Column `json:"columns"`
}

// HistoryEntry is one stage-change record.
type HistoryEntry struct {
	ID        int64   `json:"id"`
	BoardID   string  `json:"board_id"`
	CardID    string  `json:"card_id"`
	FromStage *string `json:"from_stage,omitempty"`
	ToStage   string  `json:"to_stage"`
	ActorID   string  `json:"actor_id"`
	Notes     string  `json:"notes,omitempty"`
	TS        string  `json:"ts"`
}

// LostReason is a catalog entry for gated lost stages.
type LostReason struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Active   bool   `json:"active"`
	Position int    `json:"position"`
}

// TransitionRequest asks for a stage change.
type TransitionRequest struct {
	ToStage      string  `json:"to_stage"`
	LostReasonID *string `json:"lost_reason_id,omitempty"`
	Notes        *string `json:"notes,omitempty"`
	Reopen       bool    `json:"reopen,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// LostReasonRequired reports whether the error is the 422 gate asking
// for a lost reason.
func (e *APIError) LostReasonRequired() bool {
	return e.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(e.Body, "lost_reason_required")
}

// CreateCard creates a card in the board's initial stage.
func (c *Client) CreateCard(ctx context.Context, boardID, title string) (Card, error) {
	body := map[string]any{"title": title}
	var resp Card
	endpoint := fmt.Sprintf("v0/boards/%s/cards", url.PathEscape(boardID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetCard fetches a card by id.
func (c *Client) GetCard(ctx context.Context, id string) (Card, error) {
	var resp Card
	endpoint := fmt.Sprintf("v0/cards/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// BoardView returns the full projection of a board.
func (c *Client) BoardView(ctx context.Context, boardID string) (BoardView, error) {
	var resp BoardView
	endpoint := fmt.Sprintf("v0/boards/%s", url.PathEscape(boardID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a card to another stage.
func (c *Client) Transition(ctx context.Context, cardID string, req TransitionRequest) (Card, error) {
	var resp Card
	endpoint := fmt.Sprintf("v0/cards/%s/transition", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// History returns a card's stage-change ledger, oldest first.
func (c *Client) History(ctx context.Context, cardID string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/cards/%s/history", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// LostReasons returns the active lost-reason catalog.
func (c *Client) LostReasons(ctx context.Context) ([]LostReason, error) {
	var resp []LostReason
	err := c.do(ctx, http.MethodGet, "v0/reasons", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
