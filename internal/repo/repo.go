package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"funil/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- boards ---

func (r Repo) InsertBoardTx(ctx context.Context, tx *sql.Tx, b domain.Board) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO boards(id,name,kind,created_at) VALUES (?,?,?,?)`,
		b.ID, b.Name, b.Kind, b.CreatedAt)
	return err
}

func (r Repo) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	var b domain.Board
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,kind,created_at FROM boards WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.Kind, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) GetBoardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Board, error) {
	var b domain.Board
	err := tx.QueryRowContext(ctx, `SELECT id,name,kind,created_at FROM boards WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.Kind, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBoards(ctx context.Context) ([]domain.Board, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,kind,created_at FROM boards ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Board
	for rows.Next() {
		var b domain.Board
		if err := rows.Scan(&b.ID, &b.Name, &b.Kind, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// --- stages ---

func (r Repo) UpsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,board_id,name,position,color,final,won,requires_reason) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(board_id,id) DO UPDATE SET name=excluded.name, position=excluded.position, color=excluded.color,
final=excluded.final, won=excluded.won, requires_reason=excluded.requires_reason`,
		s.ID, s.BoardID, s.Name, s.Position, nullable(s.Color), s.Final, s.Won, s.RequiresReason)
	return err
}

func (r Repo) ListStages(ctx context.Context, boardID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,board_id,name,position,COALESCE(color,''),final,won,requires_reason FROM stages WHERE board_id=? ORDER BY position`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.BoardID, &s.Name, &s.Position, &s.Color, &s.Final, &s.Won, &s.RequiresReason); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, rows.Err()
}

// --- lost reasons ---

func (r Repo) UpsertLostReasonTx(ctx context.Context, tx *sql.Tx, lr domain.LostReason) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lost_reasons(id,label,active,position) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET label=excluded.label, active=excluded.active, position=excluded.position`,
		lr.ID, lr.Label, lr.Active, lr.Position)
	return err
}

func (r Repo) GetLostReason(ctx context.Context, id string) (domain.LostReason, error) {
	var lr domain.LostReason
	err := r.DB.QueryRowContext(ctx, `SELECT id,label,active,position FROM lost_reasons WHERE id=?`, id).
		Scan(&lr.ID, &lr.Label, &lr.Active, &lr.Position)
	if err == sql.ErrNoRows {
		return lr, ErrNotFound
	}
	return lr, err
}

func (r Repo) ListLostReasons(ctx context.Context, activeOnly bool) ([]domain.LostReason, error) {
	query := `SELECT id,label,active,position FROM lost_reasons`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY position, id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LostReason
	for rows.Next() {
		var lr domain.LostReason
		if err := rows.Scan(&lr.ID, &lr.Label, &lr.Active, &lr.Position); err != nil {
			return nil, err
		}
		res = append(res, lr)
	}
	return res, rows.Err()
}

// --- cards ---

const cardColumns = `id,board_id,stage_id,title,contact_name,contact_phone,contact_email,description,assignee_id,position,lost_reason_id,created_at,updated_at`

type cardScanner interface {
	Scan(dest ...any) error
}

func scanCard(row cardScanner) (domain.Card, error) {
	var c domain.Card
	var contactName, contactPhone, contactEmail, description, assigneeID, lostReasonID sql.NullString
	err := row.Scan(&c.ID, &c.BoardID, &c.StageID, &c.Title, &contactName, &contactPhone, &contactEmail,
		&description, &assigneeID, &c.Position, &lostReasonID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ContactName = contactName.String
	c.ContactPhone = contactPhone.String
	c.ContactEmail = contactEmail.String
	c.Description = description.String
	if assigneeID.Valid {
		c.AssigneeID = &assigneeID.String
	}
	if lostReasonID.Valid {
		c.LostReasonID = &lostReasonID.String
	}
	return c, nil
}

func (r Repo) InsertCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.BoardID, c.StageID, c.Title, nullable(c.ContactName), nullable(c.ContactPhone), nullable(c.ContactEmail),
		nullable(c.Description), nullableStringPtr(c.AssigneeID), c.Position, nullableStringPtr(c.LostReasonID),
		c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCardTx writes every mutable field of the card. Stage and lost
// reason changes reach this only through the engine's transition path.
func (r Repo) UpdateCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	res, err := tx.ExecContext(ctx, `UPDATE cards SET stage_id=?, title=?, contact_name=?, contact_phone=?, contact_email=?,
description=?, assignee_id=?, position=?, lost_reason_id=?, updated_at=? WHERE id=?`,
		c.StageID, c.Title, nullable(c.ContactName), nullable(c.ContactPhone), nullable(c.ContactEmail),
		nullable(c.Description), nullableStringPtr(c.AssigneeID), c.Position, nullableStringPtr(c.LostReasonID),
		c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateCardPositionTx(ctx context.Context, tx *sql.Tx, cardID string, position int) error {
	res, err := tx.ExecContext(ctx, `UPDATE cards SET position=? WHERE id=?`, position, cardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return scanCard(r.DB.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	return scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

type CardFilters struct {
	BoardID         string
	StageID         string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCards(ctx context.Context, f CardFilters) ([]domain.Card, error) {
	var clauses []string
	var args []any
	if f.BoardID != "" {
		clauses = append(clauses, "board_id=?")
		args = append(args, f.BoardID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + cardColumns + ` FROM cards ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListBoardCards returns every card on a board ordered for projection:
// by stage, then position, then creation time as a stable tiebreak.
func (r Repo) ListBoardCards(ctx context.Context, boardID string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE board_id=? ORDER BY stage_id, position, created_at, id`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListStageCards returns the ordered cards of a single column.
func (r Repo) ListStageCards(ctx context.Context, boardID, stageID string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE board_id=? AND stage_id=? ORDER BY position, created_at, id`, boardID, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) NextPositionTx(ctx context.Context, tx *sql.Tx, boardID, stageID string) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM cards WHERE board_id=? AND stage_id=?`, boardID, stageID).Scan(&next)
	return next, err
}

func (r Repo) CountCardsByStage(ctx context.Context, boardID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_id, count(*) FROM cards WHERE board_id=? GROUP BY stage_id`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stageID string
		var count int
		if err := rows.Scan(&stageID, &count); err != nil {
			return nil, err
		}
		res[stageID] = count
	}
	return res, rows.Err()
}

// --- history ---

func (r Repo) ListHistory(ctx context.Context, cardID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,board_id,card_id,from_stage,to_stage,actor_id,COALESCE(notes,''),ts FROM stage_history WHERE card_id=? ORDER BY id ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var from sql.NullString
		if err := rows.Scan(&h.ID, &h.BoardID, &h.CardID, &from, &h.ToStage, &h.ActorID, &h.Notes, &h.TS); err != nil {
			return nil, err
		}
		if from.Valid {
			h.FromStage = &from.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// HistoryAfter returns ledger entries with IDs greater than the cursor
// in ascending order; the webhook dispatcher tails the ledger with it.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64, boardID string) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if boardID != "" {
		clauses = append(clauses, "board_id=?")
		args = append(args, boardID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,board_id,card_id,from_stage,to_stage,actor_id,COALESCE(notes,''),ts FROM stage_history WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var from sql.NullString
		if err := rows.Scan(&h.ID, &h.BoardID, &h.CardID, &from, &h.ToStage, &h.ActorID, &h.Notes, &h.TS); err != nil {
			return nil, err
		}
		if from.Valid {
			h.FromStage = &from.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestHistoryID returns the newest ledger entry ID, optionally
// scoped to one board.
func (r Repo) LatestHistoryID(ctx context.Context, boardID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM stage_history`
	var args []any
	if boardID != "" {
		query += ` WHERE board_id=?`
		args = append(args, boardID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

// --- actors ---

func (r Repo) EnsureActorTx(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
