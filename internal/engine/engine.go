package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"funil/internal/board"
	"funil/internal/config"
	"funil/internal/domain"
	"funil/internal/ledger"
	"funil/internal/policy"
	"funil/internal/registry"
	"funil/internal/repo"
)

// ErrLostReasonRequired signals the two-step flow: the target stage is
// a gated lost stage and the caller must re-invoke the transition with
// a lost reason. It is control flow, not a failure.
var ErrLostReasonRequired = errors.New("lost reason required")

// RejectedError is a policy rejection: the move violates the board's
// rules and nothing was changed.
type RejectedError struct {
	Reason string
}

func (e RejectedError) Error() string {
	return "transition rejected: " + e.Reason
}

// StorageError wraps persistence failures so callers can tell a
// retryable storage problem from a policy rejection.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

func storage(op string, err error) error {
	return StorageError{Op: op, Err: err}
}

// Engine coordinates every card mutation. All stage changes go through
// Transition/Move; the card update and the ledger append commit in one
// transaction per card, which keeps the card's stage equal to the
// newest ledger entry's to_stage even with concurrent writers.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Config *config.Config
	Now    func() time.Time

	regs *registryCache
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		regs:   &registryCache{byBoard: map[string]*registry.Registry{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) clock() ledger.Writer {
	w := e.Ledger
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// registryCache caches the read-mostly stage sets, one load per board.
type registryCache struct {
	mu      sync.Mutex
	byBoard map[string]*registry.Registry
}

// Registry returns the cached stage registry for a board, loading it
// from the database on first use.
func (e Engine) Registry(ctx context.Context, boardID string) (*registry.Registry, error) {
	e.regs.mu.Lock()
	defer e.regs.mu.Unlock()
	if reg, ok := e.regs.byBoard[boardID]; ok {
		return reg, nil
	}
	stages, err := e.Repo.ListStages(ctx, boardID)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(boardID, stages)
	if err != nil {
		return nil, err
	}
	e.regs.byBoard[boardID] = reg
	return reg, nil
}

// CardCreateOptions are parameters for creating a card.
type CardCreateOptions struct {
	ID           string
	BoardID      string
	Title        string
	ContactName  string
	ContactPhone string
	ContactEmail string
	Description  string
	AssigneeID   string
	ActorID      string
}

// CreateCard creates a card in the board's initial stage and writes the
// creation ledger entry (from_stage null) in the same transaction.
func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, error) {
	if opts.Title == "" {
		return domain.Card{}, errors.New("title is required")
	}
	if opts.BoardID == "" {
		return domain.Card{}, errors.New("board is required")
	}
	if opts.ActorID == "" {
		return domain.Card{}, errors.New("actor is required")
	}
	if _, err := e.Repo.GetBoard(ctx, opts.BoardID); err != nil {
		return domain.Card{}, err
	}
	reg, err := e.Registry(ctx, opts.BoardID)
	if err != nil {
		return domain.Card{}, err
	}
	initial, err := reg.Initial()
	if err != nil {
		return domain.Card{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Card{
		ID:           id,
		BoardID:      opts.BoardID,
		StageID:      initial.ID,
		Title:        opts.Title,
		ContactName:  opts.ContactName,
		ContactPhone: opts.ContactPhone,
		ContactEmail: opts.ContactEmail,
		Description:  opts.Description,
		AssigneeID:   optionalString(opts.AssigneeID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, storage("begin", err)
	}
	defer tx.Rollback()

	pos, err := e.Repo.NextPositionTx(ctx, tx, c.BoardID, c.StageID)
	if err != nil {
		return domain.Card{}, storage("next position", err)
	}
	c.Position = pos
	if err := e.Repo.EnsureActorTx(ctx, tx, opts.ActorID, now); err != nil {
		return domain.Card{}, storage("ensure actor", err)
	}
	if err := e.Repo.InsertCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, storage("insert card", err)
	}
	if err := e.clock().Append(ctx, tx, domain.HistoryEntry{
		BoardID: c.BoardID,
		CardID:  c.ID,
		ToStage: c.StageID,
		ActorID: opts.ActorID,
	}); err != nil {
		return domain.Card{}, storage("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, storage("commit", err)
	}
	return c, nil
}

// TransitionOptions name the requested stage change.
type TransitionOptions struct {
	CardID        string
	TargetStageID string
	ActorID       string
	LostReasonID  string
	Notes         string
	// Reopen allows leaving a final stage; the ledger entry notes the
	// reopen and the card's lost reason is cleared.
	Reopen bool
	// ToIndex, when set, places the card at that index of the target
	// column instead of appending at the end.
	ToIndex *int
}

// Transition applies one validated stage change: policy check, lost
// reason gate, then an atomic card update plus ledger append. On any
// rejection the card and its history are untouched.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Card, error) {
	if opts.ActorID == "" {
		return domain.Card{}, errors.New("actor is required")
	}
	c, err := e.Repo.GetCard(ctx, opts.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	reg, err := e.Registry(ctx, c.BoardID)
	if err != nil {
		return domain.Card{}, err
	}
	decision, err := policy.Evaluate(reg, c, opts.TargetStageID, policy.Options{Reopen: opts.Reopen})
	if err != nil {
		return domain.Card{}, err
	}
	switch decision.Kind {
	case policy.Rejected:
		return domain.Card{}, RejectedError{Reason: decision.Reason}
	case policy.RequiresLostReason:
		if opts.LostReasonID == "" {
			return domain.Card{}, ErrLostReasonRequired
		}
	}

	notes := opts.Notes
	var lostReasonID *string
	if opts.LostReasonID != "" {
		// A lost reason belongs on gated lost stages only; everywhere
		// else the column must stay empty.
		if decision.Kind != policy.RequiresLostReason {
			return domain.Card{}, RejectedError{Reason: fmt.Sprintf("stage %s does not take a lost reason", opts.TargetStageID)}
		}
		reason, err := e.Repo.GetLostReason(ctx, opts.LostReasonID)
		if err != nil {
			return domain.Card{}, err
		}
		if !reason.Active {
			return domain.Card{}, RejectedError{Reason: fmt.Sprintf("lost reason %s is inactive", reason.ID)}
		}
		lostReasonID = &reason.ID
		if notes == "" {
			// Denormalized so the audit trail stays readable even if
			// the catalog entry is edited later.
			notes = reason.Label
		}
	}
	if opts.Reopen && notes == "" {
		notes = "reopened"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, storage("begin", err)
	}
	defer tx.Rollback()

	// Re-read inside the transaction so concurrent transitions on the
	// same card serialize on the row.
	evaluated := c.StageID
	c, err = e.Repo.GetCardTx(ctx, tx, opts.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	if c.StageID != evaluated {
		return domain.Card{}, RejectedError{Reason: "card was moved concurrently; reload the board"}
	}
	from := c.StageID
	now := e.now().UTC().Format(time.RFC3339)
	c.StageID = opts.TargetStageID
	c.LostReasonID = lostReasonID
	c.UpdatedAt = now
	if opts.ToIndex != nil {
		targetIDs, positions, err := e.stageOrderTx(ctx, tx, c.BoardID, opts.TargetStageID)
		if err != nil {
			return domain.Card{}, storage("load target column", err)
		}
		order := board.InsertAt(targetIDs, c.ID, *opts.ToIndex)
		for _, u := range board.PlanPositions(positions, order) {
			if u.CardID == c.ID {
				c.Position = u.Position
				continue
			}
			if err := e.Repo.UpdateCardPositionTx(ctx, tx, u.CardID, u.Position); err != nil {
				return domain.Card{}, storage("update position", err)
			}
		}
	} else {
		pos, err := e.Repo.NextPositionTx(ctx, tx, c.BoardID, opts.TargetStageID)
		if err != nil {
			return domain.Card{}, storage("next position", err)
		}
		c.Position = pos
	}
	if err := e.Repo.EnsureActorTx(ctx, tx, opts.ActorID, now); err != nil {
		return domain.Card{}, storage("ensure actor", err)
	}
	if err := e.Repo.UpdateCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, storage("update card", err)
	}
	if err := e.clock().Append(ctx, tx, domain.HistoryEntry{
		BoardID:   c.BoardID,
		CardID:    c.ID,
		FromStage: &from,
		ToStage:   c.StageID,
		ActorID:   opts.ActorID,
		Notes:     notes,
	}); err != nil {
		return domain.Card{}, storage("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, storage("commit", err)
	}
	return c, nil
}

// ReorderOptions describe an intra-column drag.
type ReorderOptions struct {
	BoardID   string
	StageID   string
	CardID    string
	FromIndex int
	ToIndex   int
}

// Reorder moves a card within its own column. It only rewrites
// positions that changed and never touches the ledger; dropping a card
// back onto its own index is a no-op with zero writes.
func (e Engine) Reorder(ctx context.Context, opts ReorderOptions) ([]domain.Card, error) {
	reg, err := e.Registry(ctx, opts.BoardID)
	if err != nil {
		return nil, err
	}
	if !reg.Has(opts.StageID) {
		return nil, RejectedError{Reason: fmt.Sprintf("stage %s does not exist on board %s", opts.StageID, opts.BoardID)}
	}
	cards, err := e.Repo.ListStageCards(ctx, opts.BoardID, opts.StageID)
	if err != nil {
		return nil, storage("load column", err)
	}
	order, err := board.Reorder(board.IDs(cards), opts.CardID, opts.FromIndex, opts.ToIndex)
	if err != nil {
		return nil, RejectedError{Reason: err.Error()}
	}
	updates := board.PlanPositions(board.Positions(cards), order)
	if len(updates) > 0 {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, storage("begin", err)
		}
		defer tx.Rollback()
		for _, u := range updates {
			if err := e.Repo.UpdateCardPositionTx(ctx, tx, u.CardID, u.Position); err != nil {
				return nil, storage("update position", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, storage("commit", err)
		}
	}
	cards, err = e.Repo.ListStageCards(ctx, opts.BoardID, opts.StageID)
	if err != nil {
		return nil, storage("load column", err)
	}
	return cards, nil
}

// MoveOptions describe a cross-column drag: a stage transition plus a
// drop index in the target column.
type MoveOptions struct {
	CardID       string
	ToStageID    string
	ToIndex      int
	ActorID      string
	LostReasonID string
	Notes        string
	Reopen       bool
}

// Move delegates the stage change to Transition; the drop index is
// position bookkeeping handled inside the same transaction, with no
// second validation pass.
func (e Engine) Move(ctx context.Context, opts MoveOptions) (domain.Card, error) {
	return e.Transition(ctx, TransitionOptions{
		CardID:        opts.CardID,
		TargetStageID: opts.ToStageID,
		ActorID:       opts.ActorID,
		LostReasonID:  opts.LostReasonID,
		Notes:         opts.Notes,
		Reopen:        opts.Reopen,
		ToIndex:       &opts.ToIndex,
	})
}

// CardUpdateOptions cover plain field edits. There is deliberately no
// stage field here: quick-edit forms cannot bypass the transition path.
type CardUpdateOptions struct {
	ID             string
	Title          *string
	ContactName    *string
	ContactPhone   *string
	ContactEmail   *string
	Description    *string
	Assign         *string
	AssignProvided bool
	ActorID        string
}

// UpdateCard edits the card's free-form fields.
func (e Engine) UpdateCard(ctx context.Context, opts CardUpdateOptions) (domain.Card, error) {
	c, err := e.Repo.GetCard(ctx, opts.ID)
	if err != nil {
		return c, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return c, errors.New("title is required")
		}
		c.Title = *opts.Title
	}
	if opts.ContactName != nil {
		c.ContactName = *opts.ContactName
	}
	if opts.ContactPhone != nil {
		c.ContactPhone = *opts.ContactPhone
	}
	if opts.ContactEmail != nil {
		c.ContactEmail = *opts.ContactEmail
	}
	if opts.Description != nil {
		c.Description = *opts.Description
	}
	if opts.AssignProvided {
		if opts.Assign == nil || *opts.Assign == "" {
			c.AssigneeID = nil
		} else {
			c.AssigneeID = opts.Assign
		}
	}
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCardTx(ctx, tx, c); err != nil {
		return c, storage("update card", err)
	}
	if err := tx.Commit(); err != nil {
		return c, storage("commit", err)
	}
	return c, nil
}

// BoardView returns the full projection: every configured stage as a
// column, empty or not, with its ordered cards.
func (e Engine) BoardView(ctx context.Context, boardID string) ([]domain.Column, error) {
	reg, err := e.Registry(ctx, boardID)
	if err != nil {
		return nil, err
	}
	cards, err := e.Repo.ListBoardCards(ctx, boardID)
	if err != nil {
		return nil, storage("load board", err)
	}
	return board.Project(reg.List(), cards), nil
}

// History returns a card's ledger oldest-first.
func (e Engine) History(ctx context.Context, cardID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetCard(ctx, cardID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, cardID)
}

func (e Engine) stageOrderTx(ctx context.Context, tx *sql.Tx, boardID, stageID string) ([]string, map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, position FROM cards WHERE board_id=? AND stage_id=? ORDER BY position, created_at, id`, boardID, stageID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var ids []string
	positions := map[string]int{}
	for rows.Next() {
		var id string
		var pos int
		if err := rows.Scan(&id, &pos); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		positions[id] = pos
	}
	return ids, positions, rows.Err()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
