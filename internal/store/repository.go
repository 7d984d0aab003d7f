package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trade-decision-engine/internal/lifecycle"
)

// PositionRepository adapts the Postgres and Redis stores to the
// tracker's persistence interface. Either backend may be nil; whatever
// is present gets written. Writes run with a short deadline so a slow
// database never stalls event processing.
type PositionRepository struct {
	db      *DB
	restart *RestartStore
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPositionRepository wires the available backends together
func NewPositionRepository(db *DB, restart *RestartStore, logger zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:      db,
		restart: restart,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "PositionRepository").Logger(),
	}
}

func (r *PositionRepository) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// SavePosition persists the position to every configured backend
func (r *PositionRepository) SavePosition(p *lifecycle.Position) error {
	ctx, cancel := r.callCtx()
	defer cancel()

	if r.restart != nil {
		if err := r.restart.SavePositionSnapshot(ctx, p); err != nil {
			r.logger.Warn().Err(err).Str("position_id", p.ID).Msg("Redis snapshot save failed")
		}
	}
	if r.db != nil {
		return r.db.SavePositionState(ctx, p)
	}
	return nil
}

// DeletePosition removes the position from every configured backend
func (r *PositionRepository) DeletePosition(id string) error {
	ctx, cancel := r.callCtx()
	defer cancel()

	if r.restart != nil {
		r.restart.DeletePositionSnapshot(ctx, id)
	}
	if r.db != nil {
		return r.db.DeletePositionState(ctx, id)
	}
	return nil
}

// ArchiveTrade writes the closed-trade record to Postgres
func (r *PositionRepository) ArchiveTrade(t lifecycle.ClosedTrade) error {
	if r.db == nil {
		return nil
	}
	ctx, cancel := r.callCtx()
	defer cancel()
	return r.db.SaveClosedTrade(ctx, t)
}

var _ lifecycle.Repository = (*PositionRepository)(nil)
