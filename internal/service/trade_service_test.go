package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuxto/eutrading/internal/domain"
	"github.com/shuxto/eutrading/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory PositionStore/AccountStore pair.
type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	balances  map[string]float64
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[string]domain.Position),
		balances:  make(map[string]float64),
	}
}

func (m *memStore) Open(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[pos.AccountID] < pos.Margin {
		return domain.ErrInsufficientBalance
	}
	m.balances[pos.AccountID] -= pos.Margin
	m.positions[pos.ID] = pos
	return nil
}

func (m *memStore) Settle(ctx context.Context, id string, exitPrice, pnl, credit float64, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PositionStatusOpen {
		return domain.ErrAlreadyClosed
	}
	p.Status = domain.PositionStatusClosed
	p.ExitPrice = exitPrice
	p.PnL = pnl
	p.ClosedAt = &closedAt
	m.positions[id] = p
	m.balances[p.AccountID] += credit
	return nil
}

func (m *memStore) UpdateLevels(ctx context.Context, id string, stopLoss, takeProfit float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PositionStatusOpen {
		return domain.ErrAlreadyClosed
	}
	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	m.positions[id] = p
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ListOpenByAccount(ctx context.Context, accountID string) ([]domain.Position, error) {
	all, _ := m.ListOpen(ctx)
	var out []domain.Position
	for _, p := range all {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ListClosed(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.AccountID == accountID && p.Status == domain.PositionStatusClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetAccountByID(ctx context.Context, id string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.Account{ID: id, Balance: m.balances[id]}, nil
}

func (m *memStore) balance(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id]
}

// accountStore adapts memStore to domain.AccountStore.
type accountStore struct{ *memStore }

func (a accountStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	return a.memStore.GetAccountByID(ctx, id)
}

func (a accountStore) AdjustBalance(ctx context.Context, id string, delta float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[id] += delta
	return nil
}

// stubQuoter returns a fixed price or error.
type stubQuoter struct {
	price float64
	err   error
}

func (q stubQuoter) Quote(ctx context.Context, symbol string) (float64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.price, nil
}

type emptyFeed struct{}

func (emptyFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	return make(chan domain.ChangeEvent), nil
}

func newTestService(store *memStore, q domain.Quoter) *TradeService {
	book := engine.NewBook(store, emptyFeed{}, testLogger())
	settler := engine.NewSettler(store, book, nil, nil, testLogger())
	return NewTradeService(store, accountStore{store}, q, settler, testLogger())
}

func openPosition(t *testing.T, svc *TradeService, store *memStore) domain.Position {
	t.Helper()
	store.mu.Lock()
	store.balances["a1"] = 1000
	store.mu.Unlock()

	pos, err := svc.Open(context.Background(), domain.Identity{AccountID: "a1"}, OpenRequest{
		AccountID: "a1",
		Symbol:    "BTC/USD",
		Side:      domain.SideLong,
		Size:      6000,
		Leverage:  10,
		StopLoss:  58000,
	})
	require.NoError(t, err)
	return pos
}

func TestOpenDebitsMargin(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})

	pos := openPosition(t, svc, store)

	assert.Equal(t, 60000.0, pos.EntryPrice)
	assert.InDelta(t, 600, pos.Margin, 1e-9)
	assert.InDelta(t, 54000, pos.LiquidationPrice, 1e-9)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.InDelta(t, 400, store.balance("a1"), 1e-9)
}

func TestOpenInsufficientBalance(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})
	store.mu.Lock()
	store.balances["a1"] = 100
	store.mu.Unlock()

	_, err := svc.Open(context.Background(), domain.Identity{AccountID: "a1"}, OpenRequest{
		AccountID: "a1",
		Symbol:    "BTC/USD",
		Side:      domain.SideLong,
		Size:      6000,
		Leverage:  10,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestOpenUnauthorized(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})

	_, err := svc.Open(context.Background(), domain.Identity{AccountID: "intruder"}, OpenRequest{
		AccountID: "a1",
		Symbol:    "BTC/USD",
		Side:      domain.SideLong,
		Size:      100,
		Leverage:  2,
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestManualClose(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})
	pos := openPosition(t, svc, store)

	settlement, err := svc.Close(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonManual, settlement.Reason)
	assert.Zero(t, settlement.PnL)
	assert.InDelta(t, 600, settlement.Credit, 1e-9)
	// 1000 - 600 margin + 600 credit back.
	assert.InDelta(t, 1000, store.balance("a1"), 1e-9)
}

func TestManualCloseNotFound(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})

	_, err := svc.Close(context.Background(), domain.Identity{AccountID: "a1"}, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManualCloseUnauthorized(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})
	pos := openPosition(t, svc, store)

	_, err := svc.Close(context.Background(), domain.Identity{AccountID: "intruder"}, pos.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// Staff may close anyone's position.
	_, err = svc.Close(context.Background(), domain.Identity{AccountID: "ops", Staff: true}, pos.ID)
	assert.NoError(t, err)
}

func TestManualCloseAlreadyClosed(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})
	pos := openPosition(t, svc, store)

	_, err := svc.Close(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID)
	require.NoError(t, err)

	_, err = svc.Close(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
}

func TestManualClosePriceUnavailable(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})
	pos := openPosition(t, svc, store)

	svc.quoter = stubQuoter{err: domain.ErrPriceUnavailable}
	_, err := svc.Close(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	// A quote timeout maps to the same caller-facing condition.
	svc.quoter = stubQuoter{err: context.DeadlineExceeded}
	_, err = svc.Close(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))

	// The position is untouched by the failed attempts.
	got, err := store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
}

func TestUpdateLevels(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})
	pos := openPosition(t, svc, store)

	err := svc.UpdateLevels(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID, 59000, 65000)
	require.NoError(t, err)

	got, err := store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 59000.0, got.StopLoss)
	assert.Equal(t, 65000.0, got.TakeProfit)

	err = svc.UpdateLevels(context.Background(), domain.Identity{AccountID: "intruder"}, pos.ID, 1, 2)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = svc.UpdateLevels(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID, -1, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidPosition)
}

func TestHistoryAndAccountAuthorization(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, stubQuoter{price: 60000})
	pos := openPosition(t, svc, store)

	_, err := svc.Close(context.Background(), domain.Identity{AccountID: "a1"}, pos.ID)
	require.NoError(t, err)

	closed, err := svc.History(context.Background(), domain.Identity{AccountID: "a1"}, "a1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, pos.ID, closed[0].ID)

	_, err = svc.History(context.Background(), domain.Identity{AccountID: "intruder"}, "a1", domain.ListOpts{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	acct, err := svc.Account(context.Background(), domain.Identity{AccountID: "a1"}, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, acct.Balance, 1e-9)

	_, err = svc.Account(context.Background(), domain.Identity{AccountID: "intruder"}, "a1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
