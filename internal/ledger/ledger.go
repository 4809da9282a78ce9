// Package ledger appends immutable stage-history records. Entries are
// written inside the caller's transaction so the card update and its
// audit record commit or roll back together. There is no update or
// delete path on purpose.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"funil/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts one history entry. The timestamp is taken from the
// writer's clock at append time, not from the caller, so concurrent
// clients are ordered by when their transaction committed.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_history(board_id,card_id,from_stage,to_stage,actor_id,notes,ts) VALUES (?,?,?,?,?,?,?)`,
		e.BoardID, e.CardID, nullableStringPtr(e.FromStage), e.ToStage, e.ActorID, nullable(e.Notes), ts)
	return err
}

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
