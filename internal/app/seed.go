package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funil/internal/config"
	"funil/internal/domain"
	"funil/internal/repo"
)

// SyncCatalog makes the database match the config's board and
// lost-reason catalog: missing boards are created, stages and reasons
// are upserted. Cards are never touched. Run once at startup, before
// the engine's registries are loaded.
func SyncCatalog(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range cfg.Boards {
		// Board existence must be read through the open transaction;
		// a pooled read would block on the write lock held by tx.
		if _, err := r.GetBoardTx(ctx, tx, b.ID); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err := r.InsertBoardTx(ctx, tx, domain.Board{
				ID:        b.ID,
				Name:      b.Name,
				Kind:      b.Kind,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert board %s: %w", b.ID, err)
			}
		}
		for _, s := range b.Stages {
			if err := r.UpsertStageTx(ctx, tx, domain.Stage{
				ID:             s.ID,
				BoardID:        b.ID,
				Name:           s.Name,
				Position:       s.Position,
				Color:          s.Color,
				Final:          s.Final,
				Won:            s.Won,
				RequiresReason: s.RequiresReason,
			}); err != nil {
				return fmt.Errorf("upsert stage %s/%s: %w", b.ID, s.ID, err)
			}
		}
	}
	for _, lr := range cfg.Reasons {
		active := true
		if lr.Active != nil {
			active = *lr.Active
		}
		if err := r.UpsertLostReasonTx(ctx, tx, domain.LostReason{
			ID:       lr.ID,
			Label:    lr.Label,
			Active:   active,
			Position: lr.Position,
		}); err != nil {
			return fmt.Errorf("upsert lost reason %s: %w", lr.ID, err)
		}
	}
	return tx.Commit()
}
