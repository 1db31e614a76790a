package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shuxto/eutrading/internal/domain"
)

// closeLockTTL bounds how long a cross-process close claim can outlive a
// crashed settler before another process may retry the position.
const closeLockTTL = 30 * time.Second

// ClosurePublisher receives the settlement result of every closed position.
type ClosurePublisher interface {
	PublishClosure(ctx context.Context, s domain.Settlement)
}

// Settler closes positions exactly once. It is the single serialization point
// between the tick-driven path and the manual close path: both call Close for
// the same position and only the first claimant settles, the loser gets
// ErrAlreadyClosed.
//
// The claim has three tiers: an in-process set for callers inside this
// process, an optional distributed lock for a second engine process, and the
// store's conditional close mark, which is the final arbiter.
type Settler struct {
	store     domain.PositionStore
	book      *Book
	locks     domain.LockManager // optional
	publisher ClosurePublisher   // optional
	log       *slog.Logger

	mu      sync.Mutex
	closing map[string]struct{}
}

// NewSettler creates a Settler. locks and publisher may be nil.
func NewSettler(store domain.PositionStore, book *Book, locks domain.LockManager, publisher ClosurePublisher, logger *slog.Logger) *Settler {
	return &Settler{
		store:     store,
		book:      book,
		locks:     locks,
		publisher: publisher,
		log:       logger.With(slog.String("component", "settler")),
		closing:   make(map[string]struct{}),
	}
}

// Close settles the position at exitPrice for the given reason. Concurrent
// calls for the same position are resolved so that exactly one performs the
// balance and status mutation; the rest return ErrAlreadyClosed without side
// effects. On a transient storage failure the position is restored to the
// book so a later tick retries it, and the error is returned.
func (s *Settler) Close(ctx context.Context, pos domain.Position, exitPrice float64, reason domain.CloseReason) (domain.Settlement, error) {
	if !s.claim(pos.ID) {
		return domain.Settlement{}, domain.ErrAlreadyClosed
	}
	defer s.release(pos.ID)

	// Evict first: no further tick may re-evaluate this id while we settle,
	// and a late change-feed update for the closed row becomes a no-op.
	s.book.Remove(pos.ID)

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "close:"+pos.ID, closeLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				// Another process is settling this position right now.
				return domain.Settlement{}, domain.ErrAlreadyClosed
			}
			// Lock service unavailable: proceed on the store's conditional
			// close, which still guarantees at-most-once.
			s.log.WarnContext(ctx, "close lock unavailable, relying on store guard",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		} else {
			defer unlock()
		}
	}

	pnl := pos.PnLAt(exitPrice)

	// Isolated-margin semantics: the account is never debited beyond the
	// margin it posted, so the credit floors at zero.
	credit := pos.Margin + pnl
	if credit < 0 {
		credit = 0
	}

	closedAt := time.Now().UTC()
	if err := s.store.Settle(ctx, pos.ID, exitPrice, pnl, credit, closedAt); err != nil {
		if errors.Is(err, domain.ErrAlreadyClosed) || errors.Is(err, domain.ErrNotFound) {
			return domain.Settlement{}, domain.ErrAlreadyClosed
		}
		// Transient failure: nothing was written. Put the position back so
		// the next tick retries it.
		s.book.Restore(pos)
		s.log.ErrorContext(ctx, "settlement failed, position restored for retry",
			slog.String("position_id", pos.ID),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return domain.Settlement{}, fmt.Errorf("settler: settle %s: %w", pos.ID, err)
	}

	settlement := domain.Settlement{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		Credit:     credit,
		Reason:     reason,
		ClosedAt:   closedAt,
	}

	s.log.InfoContext(ctx, "position settled",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("pnl", pnl),
		slog.Float64("credit", credit),
	)

	if s.publisher != nil {
		s.publisher.PublishClosure(ctx, settlement)
	}
	return settlement, nil
}

// claim marks the id as in-flight; it returns false if someone already holds
// the claim.
func (s *Settler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.closing[id]; busy {
		return false
	}
	s.closing[id] = struct{}{}
	return true
}

func (s *Settler) release(id string) {
	s.mu.Lock()
	delete(s.closing, id)
	s.mu.Unlock()
}
