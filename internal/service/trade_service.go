package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shuxto/eutrading/internal/domain"
	"github.com/shuxto/eutrading/internal/engine"
)

// quoteTimeout bounds the confirmation-price fetch on the manual close path.
// On timeout the close fails before any claim is taken, so the caller can
// simply retry.
const quoteTimeout = 5 * time.Second

// OpenRequest are the caller-supplied parameters for opening a position.
type OpenRequest struct {
	AccountID  string
	Symbol     string
	Side       domain.Side
	Size       float64
	Leverage   float64
	StopLoss   float64
	TakeProfit float64
}

// TradeService is the user/admin-facing surface over the engine. Manual
// closes run through the identical settlement path as tick-triggered ones;
// this service only adds authorization and the confirmation price.
type TradeService struct {
	positions domain.PositionStore
	accounts  domain.AccountStore
	quoter    domain.Quoter
	settler   *engine.Settler
	log       *slog.Logger
}

// NewTradeService creates a TradeService.
func NewTradeService(
	positions domain.PositionStore,
	accounts domain.AccountStore,
	quoter domain.Quoter,
	settler *engine.Settler,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		positions: positions,
		accounts:  accounts,
		quoter:    quoter,
		settler:   settler,
		log:       logger.With(slog.String("component", "trade_service")),
	}
}

// Open creates a position at the current market price. The margin
// (size/leverage) is debited from the account atomically with the insert;
// the running engines pick the new row up through the change feed.
func (s *TradeService) Open(ctx context.Context, identity domain.Identity, req OpenRequest) (domain.Position, error) {
	if !identity.Staff && identity.AccountID != req.AccountID {
		return domain.Position{}, domain.ErrUnauthorized
	}

	quoteCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	entry, err := s.quoter.Quote(quoteCtx, req.Symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("trade: quote %s: %w", req.Symbol, err)
	}

	if req.Leverage < 1 {
		req.Leverage = 1
	}
	pos := domain.Position{
		ID:               uuid.New().String(),
		AccountID:        req.AccountID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       entry,
		Size:             req.Size,
		Leverage:         req.Leverage,
		Margin:           req.Size / req.Leverage,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		LiquidationPrice: domain.LiquidationPriceFor(req.Side, entry, req.Leverage),
		Status:           domain.PositionStatusOpen,
		OpenedAt:         time.Now().UTC(),
	}
	if err := pos.Validate(); err != nil {
		return domain.Position{}, err
	}

	if err := s.positions.Open(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("trade: open %s: %w", pos.Symbol, err)
	}

	s.log.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("account_id", pos.AccountID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("size", pos.Size),
		slog.Float64("leverage", pos.Leverage),
	)
	return pos, nil
}

// Close manually settles a position at a fresh market price. It is a second
// caller racing the tick path: losing the race surfaces as ErrAlreadyClosed.
func (s *TradeService) Close(ctx context.Context, identity domain.Identity, id string) (domain.Settlement, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Settlement{}, err
	}
	if !identity.Owns(pos.AccountID) {
		return domain.Settlement{}, domain.ErrUnauthorized
	}
	if pos.Status != domain.PositionStatusOpen {
		return domain.Settlement{}, domain.ErrAlreadyClosed
	}

	// Fetch the confirmation price before claiming anything, so a timeout
	// here leaves no state behind.
	quoteCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	price, err := s.quoter.Quote(quoteCtx, pos.Symbol)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Settlement{}, domain.ErrPriceUnavailable
		}
		return domain.Settlement{}, err
	}

	return s.settler.Close(ctx, pos, price, domain.CloseReasonManual)
}

// UpdateLevels replaces the stop-loss and take-profit of an open position
// owned by the caller. The engines see the new levels via the change feed.
func (s *TradeService) UpdateLevels(ctx context.Context, identity domain.Identity, id string, stopLoss, takeProfit float64) error {
	if stopLoss < 0 || takeProfit < 0 {
		return fmt.Errorf("%w: negative stop-loss or take-profit", domain.ErrInvalidPosition)
	}

	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !identity.Owns(pos.AccountID) {
		return domain.ErrUnauthorized
	}

	return s.positions.UpdateLevels(ctx, id, stopLoss, takeProfit)
}

// OpenPositions lists the caller's open positions.
func (s *TradeService) OpenPositions(ctx context.Context, identity domain.Identity, accountID string) ([]domain.Position, error) {
	if !identity.Owns(accountID) {
		return nil, domain.ErrUnauthorized
	}
	return s.positions.ListOpenByAccount(ctx, accountID)
}

// History lists the caller's closed positions.
func (s *TradeService) History(ctx context.Context, identity domain.Identity, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	if !identity.Owns(accountID) {
		return nil, domain.ErrUnauthorized
	}
	return s.positions.ListClosed(ctx, accountID, opts)
}

// Get returns one position visible to the caller.
func (s *TradeService) Get(ctx context.Context, identity domain.Identity, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, err
	}
	if !identity.Owns(pos.AccountID) {
		return domain.Position{}, domain.ErrUnauthorized
	}
	return pos, nil
}

// Account returns the caller's account.
func (s *TradeService) Account(ctx context.Context, identity domain.Identity, accountID string) (domain.Account, error) {
	if !identity.Owns(accountID) {
		return domain.Account{}, domain.ErrUnauthorized
	}
	return s.accounts.GetByID(ctx, accountID)
}
