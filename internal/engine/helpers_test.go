package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shuxto/eutrading/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePositionStore is an in-memory PositionStore with injectable failures.
type fakePositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	balances  map[string]float64

	listErr    error
	settleErr  error
	settles    int
	lastCredit float64
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{
		positions: make(map[string]domain.Position),
		balances:  make(map[string]float64),
	}
}

func (f *fakePositionStore) add(p domain.Position) {
	f.mu.Lock()
	f.positions[p.ID] = p
	f.mu.Unlock()
}

func (f *fakePositionStore) Open(ctx context.Context, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[pos.ID] = pos
	f.balances[pos.AccountID] -= pos.Margin
	return nil
}

func (f *fakePositionStore) Settle(ctx context.Context, id string, exitPrice, pnl, credit float64, closedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return f.settleErr
	}
	p, ok := f.positions[id]
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
	f.positions[id] = p
	f.balances[p.AccountID] += credit
	f.settles++
	f.lastCredit = credit
	return nil
}

func (f *fakePositionStore) UpdateLevels(ctx context.Context, id string, stopLoss, takeProfit float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PositionStatusOpen {
		return domain.ErrAlreadyClosed
	}
	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	f.positions[id] = p
	return nil
}

func (f *fakePositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Position
	for _, p := range f.positions {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositionStore) ListOpenByAccount(ctx context.Context, accountID string) ([]domain.Position, error) {
	all, _ := f.ListOpen(ctx)
	var out []domain.Position
	for _, p := range all {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositionStore) ListClosed(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Position
	for _, p := range f.positions {
		if p.AccountID == accountID && p.Status == domain.PositionStatusClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositionStore) settleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settles
}

func (f *fakePositionStore) balance(accountID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[accountID]
}

// fakeChangeFeed hands out a fixed channel of events.
type fakeChangeFeed struct {
	ch chan domain.ChangeEvent
}

func (f *fakeChangeFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	return f.ch, nil
}

// fakeLocks counts acquisitions and can simulate a held lock.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	f.acquired++
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

// fakePublisher records published settlements.
type fakePublisher struct {
	mu          sync.Mutex
	settlements []domain.Settlement
}

func (f *fakePublisher) PublishClosure(ctx context.Context, s domain.Settlement) {
	f.mu.Lock()
	f.settlements = append(f.settlements, s)
	f.mu.Unlock()
}

func (f *fakePublisher) published() []domain.Settlement {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Settlement, len(f.settlements))
	copy(out, f.settlements)
	return out
}

func newTestBook(t *testing.T) *Book {
	t.Helper()
	return NewBook(newFakePositionStore(), &fakeChangeFeed{ch: make(chan domain.ChangeEvent)}, testLogger())
}
